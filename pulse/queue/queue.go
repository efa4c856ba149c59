// Package queue adapts queue services to the worker: polling for the next job,
// listing and rewriting enqueued payloads for migration, and local bookkeeping.
package queue

import (
	"context"
	"encoding/json"

	"github.com/teranos/flowworker/pulse/job"
)

// Poller hands out the next available job of a queue kind.
// A nil job with a nil error means none was available.
type Poller interface {
	Poll(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error)
}

// JobStore exposes enqueued jobs for migration and enqueueing
type JobStore interface {
	// ListJobs returns the jobs currently waiting in queue
	ListJobs(ctx context.Context, queue job.QueueName) ([]*job.Job, error)
	// UpdateJobData rewrites a job's payload in place and sets j.Data on success
	UpdateJobData(ctx context.Context, j *job.Job, data json.RawMessage) error
	Enqueue(ctx context.Context, j *job.Job) error
}

// Finisher records a dispatched job's final state in the queue service itself
type Finisher interface {
	Finish(ctx context.Context, j *job.Job, status job.RowStatus) error
}

// Backend is a queue service that supports every operation the worker uses
type Backend interface {
	Poller
	JobStore
	Finisher
}
