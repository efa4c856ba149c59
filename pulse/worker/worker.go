// Package worker runs the polling loops that pull jobs from every queue kind,
// dispatch them and report their outcome to the control plane.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/flowworker/controlplane"
	"github.com/teranos/flowworker/db"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/dispatch"
	"github.com/teranos/flowworker/pulse/job"
	"github.com/teranos/flowworker/pulse/queue"
)

// DefaultHeartbeatInterval is how often a worker announces itself
const DefaultHeartbeatInterval = 15 * time.Second

const (
	maxConsecutiveErrors = 5
	initialBackoff       = time.Second
	maxBackoff           = 30 * time.Second
)

// Dispatcher runs one polled job
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job, workerToken string) error
}

// Heartbeater tells the control plane the worker is alive
type Heartbeater interface {
	Heartbeat(ctx context.Context, workerToken string, info controlplane.MachineInfo) error
}

// StatusReporter reports job outcomes to the control plane
type StatusReporter interface {
	UpdateJobStatus(ctx context.Context, engineToken string, req controlplane.StatusRequest) error
}

var (
	_ Heartbeater    = (*controlplane.Client)(nil)
	_ StatusReporter = (*controlplane.Client)(nil)
	_ Dispatcher     = (*dispatch.Dispatcher)(nil)
)

// Config sizes the polling loops
type Config struct {
	FlowConcurrency      int // loops per non-scheduled queue
	ScheduledConcurrency int // loops for the scheduled queue
	HeartbeatInterval    time.Duration
}

// DefaultConfig returns one loop per queue kind and a 15s heartbeat
func DefaultConfig() Config {
	return Config{
		FlowConcurrency:      1,
		ScheduledConcurrency: 1,
		HeartbeatInterval:    DefaultHeartbeatInterval,
	}
}

// concurrency returns how many loops serve queue
func (c Config) concurrency(queue job.QueueName) int {
	if queue == job.QueueScheduled {
		return c.ScheduledConcurrency
	}
	return c.FlowConcurrency
}

// Deps are the services a Runner talks to. Finisher, Exceptions, Sink and
// Machine are optional.
type Deps struct {
	Poller     queue.Poller
	Dispatcher Dispatcher
	Status     StatusReporter
	Heartbeat  Heartbeater

	// Finisher records the local outcome of a job in the queue backend
	Finisher   queue.Finisher
	Exceptions ExceptionReporter
	Sink       ErrorSink
	Machine    MachineInfoFunc
}

// pulseLogger marks lifecycle events so they stand out from per-job logging:
// Starting at debug, Closing at warn, Pulse at info.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Runner owns one WorkerContext and the loops polling on its behalf.
// Lifecycle: NewRunner, Init, Start, then Close and Wait.
type Runner struct {
	cfg        Config
	deps       Deps
	exceptions ExceptionReporter
	machine    MachineInfoFunc
	logger     pulseLogger

	mu          sync.Mutex
	wc          *WorkerContext
	failures    *FailureReporter
	group       *errgroup.Group
	stopPolling context.CancelFunc
	heartbeats  sync.WaitGroup
	waitOnce    sync.Once
	waitErr     error
}

// NewRunner checks cfg and deps and returns an idle Runner
func NewRunner(cfg Config, deps Deps, log *zap.SugaredLogger) (*Runner, error) {
	if deps.Poller == nil || deps.Dispatcher == nil || deps.Status == nil || deps.Heartbeat == nil {
		return nil, errors.New("worker requires a poller, dispatcher, status reporter and heartbeater")
	}
	if cfg.FlowConcurrency < 0 || cfg.ScheduledConcurrency < 0 {
		return nil, errors.Newf("worker concurrency must be >= 0, got flow=%d scheduled=%d",
			cfg.FlowConcurrency, cfg.ScheduledConcurrency)
	}
	if cfg.FlowConcurrency == 0 && cfg.ScheduledConcurrency == 0 {
		return nil, errors.New("worker has no polling loops configured")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	log = logger.OrNop(log)
	r := &Runner{
		cfg:        cfg,
		deps:       deps,
		exceptions: deps.Exceptions,
		machine:    deps.Machine,
		logger:     pulseLogger{log},
	}
	if r.exceptions == nil {
		r.exceptions = NewLogExceptionReporter(log)
	}
	if r.machine == nil {
		r.machine = CollectMachineInfo(nil)
	}
	return r, nil
}

// Context returns the WorkerContext created by Init, or nil before Init
func (r *Runner) Context() *WorkerContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wc
}

// Init records the worker identity and starts the heartbeat. Heartbeats stop
// when ctx is cancelled or Close is called.
func (r *Runner) Init(ctx context.Context, workerToken string) error {
	if workerToken == "" {
		return errors.New("worker token cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wc != nil {
		return errors.New("worker already initialized")
	}

	r.wc = newWorkerContext(workerToken)
	r.failures = NewFailureReporter(ctx, r.deps.Status, r.deps.Sink, DefaultFailureBuffer, r.logger.SugaredLogger)

	hbCtx, cancel := context.WithCancel(ctx)
	r.wc.setHeartbeatCancel(cancel)

	r.heartbeats.Add(1)
	go r.heartbeat(hbCtx, r.wc)

	r.logger.Starting("Worker initialized", logger.FieldInterval, r.cfg.HeartbeatInterval)
	return nil
}

// Start spawns the polling loops: ScheduledConcurrency loops for the scheduled
// queue and FlowConcurrency loops for each other queue. Dispatches run under
// ctx; Close only stops polling, so a dispatch in progress is allowed to finish.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wc == nil {
		return errors.New("worker must be initialized before start")
	}
	if r.group != nil {
		return errors.New("worker already started")
	}
	if r.wc.Closed() {
		return errors.New("worker is closed")
	}

	pollCtx, stop := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(pollCtx)
	r.group = group
	r.stopPolling = stop

	loops := 0
	for _, q := range job.AllQueues() {
		for slot := 0; slot < r.cfg.concurrency(q); slot++ {
			group.Go(func() error {
				return r.loop(ctx, groupCtx, q, slot)
			})
			loops++
		}
	}

	r.logger.Pulse("Worker started",
		"loops", loops,
		"flow_concurrency", r.cfg.FlowConcurrency,
		"scheduled_concurrency", r.cfg.ScheduledConcurrency,
	)
	return nil
}

// Close marks the worker closed, stops the heartbeat and tells every loop to
// exit at its next poll boundary. Safe to call more than once.
func (r *Runner) Close() {
	r.mu.Lock()
	wc, stop := r.wc, r.stopPolling
	r.mu.Unlock()

	if wc == nil || !wc.close() {
		return
	}
	if stop != nil {
		stop()
	}
	r.logger.Closing("Worker closing, loops exit after their current job")
}

// Wait blocks until every loop has exited, closes the worker, then flushes
// pending failure reports. It returns the first error that stopped a loop.
func (r *Runner) Wait() error {
	r.mu.Lock()
	group, failures := r.group, r.failures
	r.mu.Unlock()

	r.waitOnce.Do(func() {
		if group != nil {
			r.waitErr = group.Wait()
		}
		// loops can also end on a cancelled ctx or a programming error
		r.Close()
		r.heartbeats.Wait()
		if failures != nil {
			failures.Close()
		}
		r.logger.Pulse("❀ Worker stopped")
	})
	return r.waitErr
}

// loop polls queue until the worker closes. Only programming errors end it
// early; everything else is reported and the loop carries on.
func (r *Runner) loop(ctx, pollCtx context.Context, q job.QueueName, slot int) error {
	log := r.logger.With(logger.FieldQueue, q, logger.FieldSlot, slot)
	log.Debugw("Polling loop started")
	defer log.Debugw("Polling loop exited")

	errorCount := 0
	backoff := initialBackoff

	for !r.wc.Closed() && pollCtx.Err() == nil {
		err := r.iterate(ctx, pollCtx, q, log)
		if err == nil {
			if errorCount > 0 {
				log.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = initialBackoff
			continue
		}

		if errors.IsAssertionFailure(err) {
			return err
		}
		if r.wc.Closed() || pollCtx.Err() != nil || errors.Is(err, db.ErrDatabaseClosed) {
			return nil
		}

		errorCount++
		if errorCount >= maxConsecutiveErrors {
			log.Warnw("Worker backing off due to consecutive errors",
				"backoff", backoff,
				"consecutive_errors", errorCount)
			select {
			case <-pollCtx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
	return nil
}

// iterate runs one poll, dispatch and report cycle. It returns poll errors so
// the loop can back off, and assertion failures so the loop can stop.
func (r *Runner) iterate(ctx, pollCtx context.Context, q job.QueueName, log *zap.SugaredLogger) error {
	j, err := r.deps.Poller.Poll(pollCtx, r.wc.Token(), q)
	if err != nil {
		if pollCtx.Err() != nil {
			return err
		}
		err = errors.Wrap(err, "failed to poll")
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", q))
		r.exceptions.ReportException(ctx, err, logger.FieldQueue, q)
		return err
	}
	if j == nil {
		return nil
	}

	return r.process(ctx, j, log.With(logger.FieldJobID, j.ID))
}

// process dispatches j and reports the outcome for j only
func (r *Runner) process(ctx context.Context, j *job.Job, log *zap.SugaredLogger) error {
	start := time.Now()
	jobCtx := logger.WithQueue(logger.WithJobID(ctx, j.ID), string(j.Queue))

	err := r.deps.Dispatcher.Dispatch(jobCtx, j, r.wc.Token())
	if err == nil {
		var report bool
		if report, err = dispatch.ReportsCompletion(j.Queue); report {
			err = r.reportCompleted(jobCtx, j)
		}
	}

	if err != nil {
		r.exceptions.ReportException(jobCtx, err)
		r.finish(jobCtx, j, job.RowFailed, log)
		if errors.IsAssertionFailure(err) {
			return err
		}
		if j.EngineToken != "" {
			r.failures.Report(FailureReport{
				JobID:       j.ID,
				EngineToken: j.EngineToken,
				Queue:       j.Queue,
				Message:     err.Error(),
			})
		}
		return nil
	}

	r.finish(jobCtx, j, job.RowCompleted, log)
	log.Debugw("Job done", logger.FieldDurationMS, time.Since(start).Milliseconds())
	return nil
}

func (r *Runner) reportCompleted(ctx context.Context, j *job.Job) error {
	err := r.deps.Status.UpdateJobStatus(ctx, j.EngineToken, controlplane.StatusRequest{
		Status:    job.StatusCompleted,
		QueueName: j.Queue,
	})
	if err != nil {
		err = errors.Wrap(err, "failed to report job completion")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	return nil
}

// finish records the local outcome when the backend keeps one
func (r *Runner) finish(ctx context.Context, j *job.Job, status job.RowStatus, log *zap.SugaredLogger) {
	if r.deps.Finisher == nil {
		return
	}
	if err := r.deps.Finisher.Finish(context.WithoutCancel(ctx), j, status); err != nil {
		log.Warnw("Failed to record job outcome", logger.FieldStatus, status, logger.FieldError, err)
	}
}

func (r *Runner) heartbeat(ctx context.Context, wc *WorkerContext) {
	defer r.heartbeats.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.beat(ctx, wc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx, wc)
		}
	}
}

func (r *Runner) beat(ctx context.Context, wc *WorkerContext) {
	info, err := r.machine(ctx)
	if err != nil {
		r.logger.Debugw("Incomplete machine information", logger.FieldError, err)
	}

	if err := r.deps.Heartbeat.Heartbeat(ctx, wc.Token(), info); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warnw("Heartbeat failed", logger.FieldError, err)
	}
}
