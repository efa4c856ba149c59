package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerContext is the identity and lifecycle state shared by one Runner's loops
type WorkerContext struct {
	token  string
	closed atomic.Bool

	mu            sync.Mutex
	stopHeartbeat context.CancelFunc
}

func newWorkerContext(token string) *WorkerContext {
	return &WorkerContext{token: token}
}

// Token returns the worker identity credential
func (w *WorkerContext) Token() string {
	return w.token
}

// Closed reports whether the worker is shutting down
func (w *WorkerContext) Closed() bool {
	return w.closed.Load()
}

func (w *WorkerContext) setHeartbeatCancel(cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopHeartbeat = cancel
}

// close marks the context closed and stops the heartbeat. Only the first call
// returns true.
func (w *WorkerContext) close() bool {
	if !w.closed.CompareAndSwap(false, true) {
		return false
	}

	w.mu.Lock()
	cancel := w.stopHeartbeat
	w.stopHeartbeat = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}
