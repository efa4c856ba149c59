package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/flowworker/pulse/job"
)

// pacer retries an empty pop at a limited rate per queue until a deadline
type pacer struct {
	rate    rate.Limit
	timeout time.Duration

	mu       sync.Mutex
	limiters map[job.QueueName]*rate.Limiter
}

func newPacer(perSecond float64, timeout time.Duration) *pacer {
	return &pacer{
		rate:     rate.Limit(perSecond),
		timeout:  timeout,
		limiters: make(map[job.QueueName]*rate.Limiter),
	}
}

func (p *pacer) limiter(queue job.QueueName) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[queue]
	if !ok {
		l = rate.NewLimiter(p.rate, 1)
		p.limiters[queue] = l
	}
	return l
}

// poll calls pop until it yields a job or an error. Empty results are retried
// at the pacer's rate; once the timeout passes poll returns nil, nil.
func (p *pacer) poll(ctx context.Context, queue job.QueueName, pop func(context.Context) (*job.Job, error)) (*job.Job, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		j, err := pop(ctx)
		if err != nil || j != nil {
			return j, err
		}

		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err = p.limiter(queue).Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

// PacedPoller wraps a Poller whose empty answers come back immediately (the
// control plane answers 204 at once) so that polling loops do not spin.
type PacedPoller struct {
	next Poller
	pace *pacer
}

var _ Poller = (*PacedPoller)(nil)

// Pace wraps next with the same empty-poll pacing the SQLite store uses
func Pace(next Poller, perSecond float64, timeout time.Duration) *PacedPoller {
	return &PacedPoller{next: next, pace: newPacer(perSecond, timeout)}
}

// Poll asks next for a job, retrying empty answers until the poll timeout
func (p *PacedPoller) Poll(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error) {
	return p.pace.poll(ctx, queue, func(ctx context.Context) (*job.Job, error) {
		return p.next.Poll(ctx, workerToken, queue)
	})
}
