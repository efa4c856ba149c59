package job

import (
	"encoding/json"

	"github.com/teranos/flowworker/errors"
)

// LatestSchemaVersion is the payload shape this worker reads and executes
const LatestSchemaVersion = 4

// Environment a flow runs in
type Environment string

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentTesting    Environment = "TESTING"
)

// ScheduledJobType distinguishes trigger polls from resumed delayed runs
type ScheduledJobType string

const (
	JobTypeExecuteTrigger ScheduledJobType = "EXECUTE_TRIGGER"
	JobTypeDelayedFlow    ScheduledJobType = "DELAYED_FLOW"
)

// ExecutionType is the legacy (pre-v4) way scheduled payloads said the same thing
type ExecutionType string

const (
	ExecutionBegin  ExecutionType = "BEGIN"
	ExecutionResume ExecutionType = "RESUME"
)

// UserInteractionJobType enumerates interactive requests from the builder UI
type UserInteractionJobType string

const (
	InteractionExecuteValidation       UserInteractionJobType = "EXECUTE_VALIDATION"
	InteractionExecuteTriggerHook      UserInteractionJobType = "EXECUTE_TRIGGER_HOOK"
	InteractionExecuteProperty         UserInteractionJobType = "EXECUTE_PROPERTY"
	InteractionExtractPieceInformation UserInteractionJobType = "EXTRACT_PIECE_INFORMATION"
)

// JobData is a decoded payload. The set of implementations is closed:
// one per queue kind, each accepted through Visitor.
type JobData interface {
	Queue() QueueName
	Accept(v Visitor) error
	sealed()
}

// Visitor handles every JobData variant. Adding a variant adds a method here,
// so every visitor stops compiling until it handles the new kind.
type Visitor interface {
	VisitOneTime(d *OneTimeJobData) error
	VisitScheduled(d *ScheduledJobData) error
	VisitWebhook(d *WebhookJobData) error
	VisitUserInteraction(d *UserInteractionJobData) error
}

// OneTimeJobData requests a single flow run. Completion is reported by the
// engine's own run update, never by the worker.
type OneTimeJobData struct {
	FlowVersionID        string          `json:"flowVersionId"`
	ProjectID            string          `json:"projectId"`
	Environment          Environment     `json:"environment"`
	RunID                string          `json:"runId"`
	SynchronousHandlerID string          `json:"synchronousHandlerId,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	ExecutionType        ExecutionType   `json:"executionType,omitempty"`
	ProgressUpdateType   string          `json:"progressUpdateType,omitempty"`
}

// ScheduledJobData is the repeating/delayed payload at LatestSchemaVersion
type ScheduledJobData struct {
	SchemaVersion      int              `json:"schemaVersion"`
	FlowVersionID      string           `json:"flowVersionId"`
	FlowID             string           `json:"flowId"`
	ProjectID          string           `json:"projectId"`
	Environment        Environment      `json:"environment"`
	JobType            ScheduledJobType `json:"jobType"`
	TriggerType        string           `json:"triggerType,omitempty"`
	RunID              string           `json:"runId,omitempty"`
	ProgressUpdateType string           `json:"progressUpdateType,omitempty"`
}

// WebhookJobData carries an inbound webhook delivery
type WebhookJobData struct {
	SchemaVersion    int             `json:"schemaVersion"`
	RequestID        string          `json:"requestId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	FlowID           string          `json:"flowId"`
	RunEnvironment   Environment     `json:"runEnvironment,omitempty"`
	SaveSampleData   bool            `json:"saveSampleData,omitempty"`
	FlowVersionToRun string          `json:"flowVersionToRun,omitempty"`
	Execute          bool            `json:"execute,omitempty"`
}

// UserInteractionJobData carries an interactive request
type UserInteractionJobData struct {
	JobType     UserInteractionJobType `json:"jobType"`
	ProjectID   string                 `json:"projectId"`
	FlowVersion json.RawMessage        `json:"flowVersion,omitempty"`
	Payload     json.RawMessage        `json:"payload,omitempty"`
}

func (*OneTimeJobData) Queue() QueueName         { return QueueOneTime }
func (*ScheduledJobData) Queue() QueueName       { return QueueScheduled }
func (*WebhookJobData) Queue() QueueName         { return QueueWebhook }
func (*UserInteractionJobData) Queue() QueueName { return QueueUserInteraction }

func (d *OneTimeJobData) Accept(v Visitor) error         { return v.VisitOneTime(d) }
func (d *ScheduledJobData) Accept(v Visitor) error       { return v.VisitScheduled(d) }
func (d *WebhookJobData) Accept(v Visitor) error         { return v.VisitWebhook(d) }
func (d *UserInteractionJobData) Accept(v Visitor) error { return v.VisitUserInteraction(d) }

func (*OneTimeJobData) sealed()         {}
func (*ScheduledJobData) sealed()       {}
func (*WebhookJobData) sealed()         {}
func (*UserInteractionJobData) sealed() {}

// Decode unmarshals raw into the variant for queue.
// An unknown queue is a programming error and returns an assertion failure.
func Decode(queue QueueName, raw json.RawMessage) (JobData, error) {
	var data JobData
	switch queue {
	case QueueOneTime:
		data = &OneTimeJobData{}
	case QueueScheduled:
		data = &ScheduledJobData{}
	case QueueWebhook:
		data = &WebhookJobData{}
	case QueueUserInteraction:
		data = &UserInteractionJobData{}
	default:
		return nil, errors.AssertionFailedf("no job data variant for queue %q", queue)
	}

	if err := json.Unmarshal(raw, data); err != nil {
		err = errors.Wrap(err, "failed to decode job data")
		return nil, errors.WithDetail(err, "Queue: "+string(queue))
	}
	return data, nil
}
