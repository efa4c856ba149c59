package schema

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/flow"
	"github.com/teranos/flowworker/pulse/job"
)

type fakeSchedules struct {
	flows   map[string]*flow.Flow // by published version
	updates map[string]flow.Schedule
	findErr error
}

func newFakeSchedules(flows ...*flow.Flow) *fakeSchedules {
	f := &fakeSchedules{flows: map[string]*flow.Flow{}, updates: map[string]flow.Schedule{}}
	for _, fl := range flows {
		f.flows[fl.PublishedVersionID] = fl
	}
	return f
}

func (f *fakeSchedules) FindByPublishedVersionID(_ context.Context, id string) (*flow.Flow, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.flows[id], nil
}

func (f *fakeSchedules) UpdateSchedule(_ context.Context, flowID string, s flow.Schedule) error {
	f.updates[flowID] = s
	return nil
}

func scheduledJob(data string, repeat *job.Repeat) *job.Job {
	return &job.Job{ID: "job-1", Queue: job.QueueScheduled, Data: json.RawMessage(data), Repeat: repeat}
}

func TestScheduledChain_LatestMatchesJobModel(t *testing.T) {
	assert.Equal(t, job.LatestSchemaVersion, NewScheduledChain(nil, nil).Latest())
}

func TestUpgrade_VersionOneScenario(t *testing.T) {
	schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
	chain := NewScheduledChain(schedules, zap.NewNop().Sugar())

	j := scheduledJob(
		`{"flowVersion":{"id":"v1","flowId":"f1"},"projectId":"p1","triggerType":"CRON"}`,
		&job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"},
	)

	var persisted []json.RawMessage
	res, err := chain.Upgrade(context.Background(), j, func(_ context.Context, data json.RawMessage) error {
		persisted = append(persisted, data)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.From)
	assert.Equal(t, 4, res.To)
	assert.Len(t, persisted, 3, "every step persists its result")
	assert.JSONEq(t, `{
		"schemaVersion": 4,
		"flowVersionId": "v1",
		"flowId": "f1",
		"projectId": "p1",
		"environment": "PRODUCTION",
		"jobType": "EXECUTE_TRIGGER",
		"triggerType": "CRON"
	}`, string(j.Data))

	assert.Equal(t, flow.Schedule{
		Type:           flow.ScheduleCronExpression,
		Timezone:       "UTC",
		CronExpression: "0 * * * *",
	}, schedules.updates["f1"])
}

func TestUpgrade_FromEveryVersion(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantJobType string
	}{
		{
			name:        "absent version",
			data:        `{"flowVersion":{"id":"v1","flowId":"f1"},"projectId":"p1"}`,
			wantJobType: "EXECUTE_TRIGGER",
		},
		{
			name:        "version 1 with legacy resume",
			data:        `{"schemaVersion":1,"flowVersion":{"id":"v1","flowId":"f1"},"executionType":"RESUME","runId":"r1"}`,
			wantJobType: "DELAYED_FLOW",
		},
		{
			name:        "version 2 begin",
			data:        `{"schemaVersion":2,"flowVersionId":"v1","flowId":"f1","environment":"PRODUCTION","executionType":"BEGIN"}`,
			wantJobType: "EXECUTE_TRIGGER",
		},
		{
			name:        "version 3 resume",
			data:        `{"schemaVersion":3,"flowVersionId":"v1","flowId":"f1","environment":"PRODUCTION","executionType":"RESUME"}`,
			wantJobType: "DELAYED_FLOW",
		},
	}

	chain := NewScheduledChain(newFakeSchedules(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := scheduledJob(tt.data, &job.Repeat{Timezone: "UTC", Pattern: "*/5 * * * *"})
			_, err := chain.Upgrade(context.Background(), j, nil)
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, json.Unmarshal(j.Data, &out))
			assert.EqualValues(t, 4, out["schemaVersion"])
			assert.Equal(t, tt.wantJobType, out["jobType"])
			for _, legacy := range []string{"executionType", "flowVersion", "runId"} {
				assert.NotContains(t, out, legacy)
			}

			data, err := job.Decode(job.QueueScheduled, j.Data)
			require.NoError(t, err)
			assert.Equal(t, "v1", data.(*job.ScheduledJobData).FlowVersionID)
		})
	}
}

func TestUpgrade_CurrentAndFutureVersionsUntouched(t *testing.T) {
	chain := NewScheduledChain(newFakeSchedules(), nil)

	for _, data := range []string{
		`{"schemaVersion":4,"flowVersionId":"v1","jobType":"EXECUTE_TRIGGER"}`,
		`{"schemaVersion":7,"somethingNew":true}`,
	} {
		j := scheduledJob(data, nil)
		calls := 0
		res, err := chain.Upgrade(context.Background(), j, func(context.Context, json.RawMessage) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.False(t, res.Changed())
		assert.Zero(t, calls)
		assert.Equal(t, data, string(j.Data))
	}
}

func TestUpgrade_ScheduleSideEffectSkips(t *testing.T) {
	v2 := `{"schemaVersion":2,"flowVersionId":"v1","flowId":"f1","executionType":"BEGIN"}`

	t.Run("no repeat descriptor logs an error and still reaches latest", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
		chain := NewScheduledChain(schedules, zap.New(core).Sugar())

		j := scheduledJob(v2, nil)
		res, err := chain.Upgrade(context.Background(), j, nil)
		require.NoError(t, err)

		assert.Equal(t, 4, res.To)
		assert.Empty(t, schedules.updates)
		assert.Equal(t, 1, logs.FilterMessage("Found unrepeatable job in repeatable queue").Len())
	})

	t.Run("repeat missing pattern", func(t *testing.T) {
		schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
		j := scheduledJob(v2, &job.Repeat{Timezone: "UTC"})
		res, err := NewScheduledChain(schedules, nil).Upgrade(context.Background(), j, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, res.To)
		assert.Empty(t, schedules.updates)
	})

	t.Run("missing flow", func(t *testing.T) {
		schedules := newFakeSchedules()
		j := scheduledJob(v2, &job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"})
		res, err := NewScheduledChain(schedules, nil).Upgrade(context.Background(), j, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, res.To)
		assert.Empty(t, schedules.updates)
	})

	t.Run("invalid cron pattern", func(t *testing.T) {
		schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
		j := scheduledJob(v2, &job.Repeat{Timezone: "UTC", Pattern: "every hour"})
		_, err := NewScheduledChain(schedules, nil).Upgrade(context.Background(), j, nil)
		require.NoError(t, err)
		assert.Empty(t, schedules.updates)
	})

	t.Run("unknown timezone", func(t *testing.T) {
		schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
		j := scheduledJob(v2, &job.Repeat{Timezone: "Mars/Olympus", Pattern: "0 * * * *"})
		_, err := NewScheduledChain(schedules, nil).Upgrade(context.Background(), j, nil)
		require.NoError(t, err)
		assert.Empty(t, schedules.updates)
	})

	t.Run("lookup error", func(t *testing.T) {
		schedules := newFakeSchedules()
		schedules.findErr = errors.New("connection reset")
		j := scheduledJob(v2, &job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"})
		res, err := NewScheduledChain(schedules, nil).Upgrade(context.Background(), j, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, res.To)
	})
}

func TestUpgrade_Errors(t *testing.T) {
	chain := NewScheduledChain(nil, nil)

	t.Run("v1 without flowVersion", func(t *testing.T) {
		j := scheduledJob(`{"projectId":"p1"}`, nil)
		_, err := chain.Upgrade(context.Background(), j, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "flatten-flow-version")
		assert.Contains(t, errors.FlattenDetails(err), "Job ID: job-1")
	})

	t.Run("persist failure stops the chain at the last stored version", func(t *testing.T) {
		j := scheduledJob(`{"schemaVersion":2,"flowVersionId":"v1","executionType":"BEGIN"}`, nil)
		calls := 0
		res, err := chain.Upgrade(context.Background(), j, func(context.Context, json.RawMessage) error {
			calls++
			if calls == 2 {
				return errors.New("queue unavailable")
			}
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, 3, res.To)
		v, verr := j.SchemaVersion()
		require.NoError(t, verr)
		assert.Equal(t, 3, v, "job data reflects the last persisted step")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		j := scheduledJob(`{"schemaVersion":3,"executionType":"BEGIN"}`, nil)
		_, err := chain.Upgrade(ctx, j, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("non-object payload", func(t *testing.T) {
		j := scheduledJob(`null`, nil)
		_, err := chain.Upgrade(context.Background(), j, nil)
		assert.Error(t, err)
	})
}

func TestNewChain_Validation(t *testing.T) {
	noop := func(_ context.Context, _ *job.Job, d Payload) (Payload, error) { return d, nil }

	tests := []struct {
		name    string
		steps   []Step
		wantErr string
	}{
		{name: "empty", wantErr: "at least one step"},
		{name: "skips a version", steps: []Step{{From: 1, To: 3, Name: "jump", Apply: noop}}, wantErr: "must upgrade"},
		{name: "duplicate", steps: []Step{{From: 1, To: 2, Name: "a", Apply: noop}, {From: 1, To: 2, Name: "b", Apply: noop}}, wantErr: "duplicate"},
		{name: "gap", steps: []Step{{From: 1, To: 2, Name: "a", Apply: noop}, {From: 3, To: 4, Name: "b", Apply: noop}}, wantErr: "gap"},
		{name: "nil transform", steps: []Step{{From: 1, To: 2, Name: "a"}}, wantErr: "no transform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChain(nil, tt.steps...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("adding a version is one table entry", func(t *testing.T) {
		steps := append(ScheduledSteps(nil, nil), Step{From: 4, To: 5, Name: "v5", Apply: noop})
		c, err := NewChain(nil, steps...)
		require.NoError(t, err)
		assert.Equal(t, 5, c.Latest())
	})
}

func TestVersionOnly(t *testing.T) {
	schedules := newFakeSchedules(&flow.Flow{ID: "f1", PublishedVersionID: "v1"})
	full := NewScheduledChain(schedules, nil)
	chain := full.VersionOnly()
	assert.Equal(t, full.Latest(), chain.Latest())

	j := scheduledJob(`{"schemaVersion":2,"flowVersionId":"v1","flowId":"f1","executionType":"RESUME"}`,
		&job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"})
	res, err := chain.Upgrade(context.Background(), j, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, res.To)
	assert.Equal(t, []string{"derive-cron-schedule", "execution-type-to-job-type"}, res.Applied)
	assert.Empty(t, schedules.updates)
	assert.JSONEq(t, `{"schemaVersion":4,"flowVersionId":"v1","flowId":"f1","jobType":"DELAYED_FLOW"}`, string(j.Data))

	// the source chain keeps its side effect
	j = scheduledJob(`{"schemaVersion":2,"flowVersionId":"v1","flowId":"f1","executionType":"BEGIN"}`,
		&job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"})
	_, err = full.Upgrade(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Len(t, schedules.updates, 1)
}
