package migrate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/flowworker/errors"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRunner) Run(context.Context) (Result, error) {
	f.calls.Add(1)
	return Result{Scanned: 1}, f.err
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(context.Background(), runner, 10*time.Millisecond, nil)
	s.Start()

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	res, runs, err := s.Last()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, runs, int64(2))
	assert.Equal(t, 1, res.Scanned)

	stopped := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runner.calls.Load(), "no runs after Stop")
}

func TestScheduler_RecordsErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.ErrLockNotAcquired}
	s := NewScheduler(context.Background(), runner, 5*time.Millisecond, nil)
	s.Start()
	assert.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, time.Second, time.Millisecond)
	s.Stop()

	_, _, err := s.Last()
	assert.ErrorIs(t, err, errors.ErrLockNotAcquired)
}

func TestScheduler_DisabledInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(context.Background(), runner, 0, nil)
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Zero(t, runner.calls.Load())
}

func TestScheduler_SetInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(context.Background(), runner, 0, nil)
	s.Start()
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, runner.calls.Load())

	s.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, s.Interval())
	assert.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, time.Second, time.Millisecond)

	s.SetInterval(0)
	paused := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, runner.calls.Load(), paused+1, "at most one run already in flight when paused")
}

func TestScheduler_SetIntervalAfterStop(t *testing.T) {
	s := NewScheduler(context.Background(), &fakeRunner{}, time.Hour, nil)
	s.Start()
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.SetInterval(time.Minute)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetInterval blocked on a stopped scheduler")
	}
}

func TestScheduler_SetIntervalBeforeStart(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(context.Background(), runner, 0, nil)

	done := make(chan struct{})
	go func() {
		s.SetInterval(5 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetInterval blocked on a scheduler that was never started")
	}
	assert.Equal(t, 5*time.Millisecond, s.Interval())
	assert.Zero(t, runner.calls.Load())

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, time.Second, time.Millisecond)
}
