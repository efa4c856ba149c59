package schema

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/flow"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

// ScheduleWriter is the flow persistence the 2→3 step writes schedules into
type ScheduleWriter interface {
	FindByPublishedVersionID(ctx context.Context, versionID string) (*flow.Flow, error)
	UpdateSchedule(ctx context.Context, flowID string, sched flow.Schedule) error
}

// cronParser accepts standard five-field patterns, an optional leading seconds
// field, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduledSteps returns the upgrade steps for repeatable job payloads.
// schedules may be nil, in which case the 2→3 step only bumps the version.
func ScheduledSteps(schedules ScheduleWriter, log *zap.SugaredLogger) []Step {
	log = logger.OrNop(log)
	return []Step{
		{From: 1, To: 2, Name: "flatten-flow-version", Apply: flattenFlowVersion},
		{From: 2, To: 3, Name: "derive-cron-schedule", Apply: deriveCronSchedule(schedules, log), SideEffect: true},
		{From: 3, To: 4, Name: "execution-type-to-job-type", Apply: executionTypeToJobType(log)},
	}
}

// NewScheduledChain is the chain for the repeatable queue, ending at job.LatestSchemaVersion
func NewScheduledChain(schedules ScheduleWriter, log *zap.SugaredLogger) *Chain {
	c, err := NewChain(log, ScheduledSteps(schedules, log)...)
	if err != nil {
		// The step table is static; an error here is a broken build
		panic(err)
	}
	return c
}

// flattenFlowVersion replaces the embedded flowVersion object with flat ids,
// pins the environment to production and makes executionType explicit.
// Everything else the v1 shape carried is dropped.
func flattenFlowVersion(_ context.Context, _ *job.Job, data Payload) (Payload, error) {
	flowVersionID, flowID := stringField(data, "flowVersionId"), stringField(data, "flowId")
	if fv, ok := data["flowVersion"].(map[string]any); ok {
		flowVersionID = stringField(fv, "id")
		flowID = stringField(fv, "flowId")
	}
	if flowVersionID == "" {
		return nil, errors.New("payload has no flowVersion to flatten")
	}

	executionType := job.ExecutionBegin
	switch legacy := job.ExecutionType(stringField(data, "executionType")); legacy {
	case job.ExecutionBegin, job.ExecutionResume:
		executionType = legacy
	}

	out := Payload{
		"flowVersionId": flowVersionID,
		"flowId":        flowID,
		"environment":   string(job.EnvironmentProduction),
		"executionType": string(executionType),
	}
	if v, ok := data["projectId"]; ok {
		out["projectId"] = v
	}
	if v, ok := data["triggerType"]; ok {
		out["triggerType"] = v
	}
	return out, nil
}

// deriveCronSchedule copies the job's repeat descriptor onto the owning flow's
// schedule. Any problem with the descriptor or the flow is logged and the
// payload passes through unchanged; the version bump never depends on it.
func deriveCronSchedule(schedules ScheduleWriter, log *zap.SugaredLogger) ApplyFunc {
	return func(ctx context.Context, j *job.Job, data Payload) (Payload, error) {
		if schedules == nil {
			return data, nil
		}

		if j.Repeat == nil || j.Repeat.Timezone == "" || j.Repeat.Pattern == "" {
			log.Errorw("Found unrepeatable job in repeatable queue",
				logger.FieldJobID, j.ID,
				logger.FieldQueue, j.Queue,
			)
			return data, nil
		}

		if _, err := cronParser.Parse(j.Repeat.Pattern); err != nil {
			log.Errorw("Skipping schedule update: invalid cron pattern",
				logger.FieldJobID, j.ID,
				"pattern", j.Repeat.Pattern,
				logger.FieldError, err,
			)
			return data, nil
		}
		if _, err := time.LoadLocation(j.Repeat.Timezone); err != nil {
			log.Errorw("Skipping schedule update: unknown timezone",
				logger.FieldJobID, j.ID,
				"timezone", j.Repeat.Timezone,
				logger.FieldError, err,
			)
			return data, nil
		}

		flowVersionID := stringField(data, "flowVersionId")
		f, err := schedules.FindByPublishedVersionID(ctx, flowVersionID)
		if err != nil {
			log.Warnw("Skipping schedule update: flow lookup failed",
				logger.FieldJobID, j.ID,
				"flow_version_id", flowVersionID,
				logger.FieldError, err,
			)
			return data, nil
		}
		if f == nil {
			log.Debugw("Skipping schedule update: no flow publishes this version",
				logger.FieldJobID, j.ID,
				"flow_version_id", flowVersionID,
			)
			return data, nil
		}

		sched := flow.Schedule{
			Type:           flow.ScheduleCronExpression,
			Timezone:       j.Repeat.Timezone,
			CronExpression: j.Repeat.Pattern,
		}
		if err := schedules.UpdateSchedule(ctx, f.ID, sched); err != nil {
			log.Warnw("Skipping schedule update: write failed",
				logger.FieldJobID, j.ID,
				logger.FieldFlowID, f.ID,
				logger.FieldError, err,
			)
		}
		return data, nil
	}
}

// executionTypeToJobType swaps the legacy executionType for jobType
func executionTypeToJobType(log *zap.SugaredLogger) ApplyFunc {
	return func(_ context.Context, j *job.Job, data Payload) (Payload, error) {
		switch job.ExecutionType(stringField(data, "executionType")) {
		case job.ExecutionBegin:
			data["jobType"] = string(job.JobTypeExecuteTrigger)
		case job.ExecutionResume:
			data["jobType"] = string(job.JobTypeDelayedFlow)
		default:
			if _, ok := data["jobType"]; !ok {
				log.Warnw("Payload has no recognised executionType, leaving jobType unset",
					logger.FieldJobID, j.ID,
				)
			}
		}
		delete(data, "executionType")
		return data, nil
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
