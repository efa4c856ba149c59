package migrate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/logger"
)

// Runner runs one migration pass
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Scheduler re-runs migration at a fixed interval, so jobs enqueued by older
// producers after startup are still brought up to date.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	reset    chan time.Duration

	mu      sync.Mutex
	running bool
	runs    int64
	last    Result
	lastErr error
}

// NewScheduler creates a scheduler bound to ctx. An interval <= 0 disables it.
func NewScheduler(ctx context.Context, runner Runner, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		runner:   runner,
		interval: interval,
		ctx:      schedCtx,
		cancel:   cancel,
		logger:   logger.OrNop(log),
		reset:    make(chan time.Duration),
	}
}

// Start begins the schedule loop. A disabled schedule still runs the loop so
// SetInterval can enable it later.
func (s *Scheduler) Start() {
	s.mu.Lock()
	interval := s.interval
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	if interval <= 0 {
		s.logger.Debugw("Migration schedule disabled")
		return
	}
	s.logger.Infow("Migration schedule started", logger.FieldInterval, interval)
}

// SetInterval changes the schedule; <= 0 pauses it. On a running Scheduler it
// returns once the loop has applied the change, or the scheduler stopped.
// Before Start the value is stored for Start to pick up.
func (s *Scheduler) SetInterval(interval time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.interval = interval
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.reset <- interval:
	case <-s.ctx.Done():
	}
}

// Interval returns the interval currently in effect
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stop cancels the loop and waits for an in-progress run to return
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Last returns the outcome of the most recent run and how many runs completed
func (s *Scheduler) Last() (Result, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs, s.lastErr
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var ticker *time.Ticker
	var tick <-chan time.Time
	schedule := func(interval time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
	}
	defer func() { schedule(0) }()
	schedule(s.Interval())

	for {
		select {
		case <-s.ctx.Done():
			return
		case interval := <-s.reset:
			s.mu.Lock()
			previous := s.interval
			s.interval = interval
			s.mu.Unlock()
			if interval != previous {
				schedule(interval)
				s.logger.Infow("Migration interval changed", logger.FieldInterval, interval)
			}
		case <-tick:
			res, err := s.runner.Run(s.ctx)

			s.mu.Lock()
			s.runs++
			s.last, s.lastErr = res, err
			s.mu.Unlock()

			if err != nil && s.ctx.Err() == nil {
				s.logger.Warnw("Scheduled migration failed", logger.FieldError, err)
			}
		}
	}
}
