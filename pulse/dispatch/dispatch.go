// Package dispatch routes a polled job to the executor for its queue kind.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
	"github.com/teranos/flowworker/pulse/schema"
)

// Executor runs one kind of job payload
type Executor[T job.JobData] interface {
	Execute(ctx context.Context, data T, engineToken, workerToken string) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc[T job.JobData] func(ctx context.Context, data T, engineToken, workerToken string) error

func (f ExecutorFunc[T]) Execute(ctx context.Context, data T, engineToken, workerToken string) error {
	return f(ctx, data, engineToken, workerToken)
}

// Executors holds one executor per queue kind
type Executors struct {
	OneTime         Executor[*job.OneTimeJobData]
	Scheduled       Executor[*job.ScheduledJobData]
	Webhook         Executor[*job.WebhookJobData]
	UserInteraction Executor[*job.UserInteractionJobData]
}

// AnyExecutor runs payloads of every kind
type AnyExecutor interface {
	Execute(ctx context.Context, data job.JobData, engineToken, workerToken string) error
}

// Uniform routes every queue kind to the same executor
func Uniform(e AnyExecutor) Executors {
	return Executors{
		OneTime: ExecutorFunc[*job.OneTimeJobData](func(ctx context.Context, d *job.OneTimeJobData, et, wt string) error {
			return e.Execute(ctx, d, et, wt)
		}),
		Scheduled: ExecutorFunc[*job.ScheduledJobData](func(ctx context.Context, d *job.ScheduledJobData, et, wt string) error {
			return e.Execute(ctx, d, et, wt)
		}),
		Webhook: ExecutorFunc[*job.WebhookJobData](func(ctx context.Context, d *job.WebhookJobData, et, wt string) error {
			return e.Execute(ctx, d, et, wt)
		}),
		UserInteraction: ExecutorFunc[*job.UserInteractionJobData](func(ctx context.Context, d *job.UserInteractionJobData, et, wt string) error {
			return e.Execute(ctx, d, et, wt)
		}),
	}
}

// Upgrader brings a stale payload to the version executors expect
type Upgrader interface {
	Latest() int
	Upgrade(ctx context.Context, j *job.Job, persist schema.PersistFunc) (schema.Result, error)
}

// Dispatcher routes jobs to executors. Apart from upgrading stale scheduled
// payloads in memory it has no effects of its own.
type Dispatcher struct {
	executors Executors
	upgrader  Upgrader
	logger    *zap.SugaredLogger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithScheduledUpgrader upgrades scheduled payloads still below the latest
// schema version before they are decoded. Only the version-only form of chain
// runs: the payload and the flow table are left to the migration coordinator,
// which owns the stored copy and runs under the migration lock.
func WithScheduledUpgrader(chain *schema.Chain) Option {
	return func(d *Dispatcher) { d.upgrader = chain.VersionOnly() }
}

// New creates a dispatcher. Every executor must be set.
func New(executors Executors, log *zap.SugaredLogger, opts ...Option) (*Dispatcher, error) {
	switch {
	case executors.OneTime == nil:
		return nil, errors.New("missing executor for oneTimeJobs")
	case executors.Scheduled == nil:
		return nil, errors.New("missing executor for repeatableJobs")
	case executors.Webhook == nil:
		return nil, errors.New("missing executor for webhookJobs")
	case executors.UserInteraction == nil:
		return nil, errors.New("missing executor for usersInteractionJobs")
	}

	d := &Dispatcher{executors: executors, logger: logger.OrNop(log)}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Dispatch decodes j's payload and runs it on the executor for its queue,
// using the job's own engine token. An unknown queue is an assertion failure.
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.Job, workerToken string) error {
	if !j.Queue.Valid() {
		return errors.AssertionFailedf("dispatch: job %s has unroutable queue %q", j.ID, j.Queue)
	}

	raw := j.Data
	if j.Queue == job.QueueScheduled && d.upgrader != nil {
		upgraded, err := d.upgradeStale(ctx, j)
		if err != nil {
			return err
		}
		raw = upgraded
	}

	data, err := job.Decode(j.Queue, raw)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}

	d.logger.Debugw("Dispatching job", logger.FieldJobID, j.ID, logger.FieldQueue, j.Queue)

	return data.Accept(&route{
		ctx:         ctx,
		executors:   d.executors,
		engineToken: j.EngineToken,
		workerToken: workerToken,
	})
}

func (d *Dispatcher) upgradeStale(ctx context.Context, j *job.Job) ([]byte, error) {
	version, err := j.SchemaVersion()
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	if version >= d.upgrader.Latest() {
		return j.Data, nil
	}

	tmp := *j
	res, err := d.upgrader.Upgrade(ctx, &tmp, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade stale payload for dispatch")
	}
	d.logger.Infow("Upgraded stale payload for dispatch",
		logger.FieldJobID, j.ID,
		logger.FieldFromVersion, res.From,
		logger.FieldToVersion, res.To,
	)
	return tmp.Data, nil
}

// ReportsCompletion reports whether the worker must send COMPLETED after a
// successful dispatch. OneTime jobs are completed by the engine's own run
// update; sending it here too would acknowledge them twice. A queue outside
// the fixed set is an assertion failure, like an unroutable Dispatch.
func ReportsCompletion(queue job.QueueName) (bool, error) {
	switch queue {
	case job.QueueOneTime:
		return false, nil
	case job.QueueScheduled, job.QueueWebhook, job.QueueUserInteraction:
		return true, nil
	}
	return false, errors.AssertionFailedf("no completion rule for queue %q", queue)
}

var _ job.Visitor = (*route)(nil)

// route is the visitor that hands each variant to its executor
type route struct {
	ctx         context.Context
	executors   Executors
	engineToken string
	workerToken string
}

func (r *route) VisitOneTime(d *job.OneTimeJobData) error {
	return r.executors.OneTime.Execute(r.ctx, d, r.engineToken, r.workerToken)
}

func (r *route) VisitScheduled(d *job.ScheduledJobData) error {
	return r.executors.Scheduled.Execute(r.ctx, d, r.engineToken, r.workerToken)
}

func (r *route) VisitWebhook(d *job.WebhookJobData) error {
	return r.executors.Webhook.Execute(r.ctx, d, r.engineToken, r.workerToken)
}

func (r *route) VisitUserInteraction(d *job.UserInteractionJobData) error {
	return r.executors.UserInteraction.Execute(r.ctx, d, r.engineToken, r.workerToken)
}
