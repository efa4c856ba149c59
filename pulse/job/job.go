// Package job defines the jobs a flow worker pulls from its queues.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/flowworker/errors"
)

// QueueName identifies one of the fixed queue kinds
type QueueName string

const (
	QueueOneTime         QueueName = "oneTimeJobs"
	QueueScheduled       QueueName = "repeatableJobs"
	QueueWebhook         QueueName = "webhookJobs"
	QueueUserInteraction QueueName = "usersInteractionJobs"
)

// AllQueues returns every queue kind in a fixed order
func AllQueues() []QueueName {
	return []QueueName{QueueOneTime, QueueScheduled, QueueWebhook, QueueUserInteraction}
}

// Valid reports whether q is one of the known queue kinds
func (q QueueName) Valid() bool {
	switch q {
	case QueueOneTime, QueueScheduled, QueueWebhook, QueueUserInteraction:
		return true
	}
	return false
}

// ParseQueue converts s into a QueueName, rejecting unknown names
func ParseQueue(s string) (QueueName, error) {
	q := QueueName(s)
	if !q.Valid() {
		return "", errors.Wrapf(errors.ErrUnknownQueue, "%q", s)
	}
	return q, nil
}

// Status is the job outcome reported to the control plane
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// RowStatus is the lifecycle state of a job in a local queue store
type RowStatus string

const (
	RowQueued    RowStatus = "queued"
	RowRunning   RowStatus = "running"
	RowCompleted RowStatus = "completed"
	RowFailed    RowStatus = "failed"
)

// Repeat describes the cron schedule of a repeating job
type Repeat struct {
	Timezone string `json:"tz,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

// Job is a unit of work pulled from a queue.
//
// Data is the queue-specific payload and carries its own schemaVersion.
// EngineToken is the short-lived credential that scopes the job's calls
// back to the control plane; it is empty for jobs enqueued locally without one.
type Job struct {
	ID          string          `json:"id"`
	Queue       QueueName       `json:"queue_name"`
	Data        json.RawMessage `json:"data"`
	EngineToken string          `json:"engine_token,omitempty"`
	Repeat      *Repeat         `json:"repeat,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New creates a job with a fresh ID
func New(queue QueueName, data json.RawMessage) (*Job, error) {
	if !queue.Valid() {
		return nil, errors.Wrapf(errors.ErrUnknownQueue, "%q", queue)
	}
	if len(data) == 0 {
		return nil, errors.New("job data cannot be empty")
	}
	if !json.Valid(data) {
		return nil, errors.New("job data must be valid JSON")
	}

	return &Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

// SchemaVersion returns the job's payload schema version
func (j *Job) SchemaVersion() (int, error) {
	return SchemaVersionOf(j.Data)
}

// SchemaVersionOf reads schemaVersion from a raw payload.
// Payloads written before versioning existed have no field and are version 1.
func SchemaVersionOf(data json.RawMessage) (int, error) {
	var header struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return 0, errors.Wrap(err, "failed to read schemaVersion")
	}
	if header.SchemaVersion == nil {
		return 1, nil
	}
	return *header.SchemaVersion, nil
}
