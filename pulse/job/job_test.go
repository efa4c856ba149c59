package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/flowworker/errors"
)

func TestParseQueue(t *testing.T) {
	for _, q := range AllQueues() {
		got, err := ParseQueue(string(q))
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}

	_, err := ParseQueue("cronJobs")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownQueue))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		queue   QueueName
		data    string
		wantErr string
	}{
		{name: "scheduled job", queue: QueueScheduled, data: `{"schemaVersion":4}`},
		{name: "unknown queue", queue: "nope", data: `{}`, wantErr: "unknown queue"},
		{name: "empty data", queue: QueueWebhook, data: ``, wantErr: "cannot be empty"},
		{name: "invalid json", queue: QueueWebhook, data: `{`, wantErr: "valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New(tt.queue, json.RawMessage(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, j.ID)
			assert.Equal(t, tt.queue, j.Queue)
			assert.False(t, j.CreatedAt.IsZero())
		})
	}

	a, _ := New(QueueOneTime, json.RawMessage(`{}`))
	b, _ := New(QueueOneTime, json.RawMessage(`{}`))
	assert.NotEqual(t, a.ID, b.ID, "job IDs must be unique")
}

func TestSchemaVersionOf(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{name: "absent is version 1", data: `{"projectId":"p1"}`, want: 1},
		{name: "explicit version", data: `{"schemaVersion":3}`, want: 3},
		{name: "future version", data: `{"schemaVersion":9}`, want: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SchemaVersionOf(json.RawMessage(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SchemaVersionOf(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

type recordingVisitor struct {
	visited []QueueName
}

func (v *recordingVisitor) VisitOneTime(*OneTimeJobData) error {
	v.visited = append(v.visited, QueueOneTime)
	return nil
}

func (v *recordingVisitor) VisitScheduled(*ScheduledJobData) error {
	v.visited = append(v.visited, QueueScheduled)
	return nil
}

func (v *recordingVisitor) VisitWebhook(*WebhookJobData) error {
	v.visited = append(v.visited, QueueWebhook)
	return nil
}

func (v *recordingVisitor) VisitUserInteraction(*UserInteractionJobData) error {
	v.visited = append(v.visited, QueueUserInteraction)
	return nil
}

func TestDecode(t *testing.T) {
	t.Run("every queue decodes to its own variant", func(t *testing.T) {
		v := &recordingVisitor{}
		for _, q := range AllQueues() {
			data, err := Decode(q, json.RawMessage(`{}`))
			require.NoError(t, err)
			assert.Equal(t, q, data.Queue())
			require.NoError(t, data.Accept(v))
		}
		assert.Equal(t, AllQueues(), v.visited)
	})

	t.Run("scheduled payload fields", func(t *testing.T) {
		raw := `{"schemaVersion":4,"flowVersionId":"v1","flowId":"f1","projectId":"p1",
			"environment":"PRODUCTION","jobType":"DELAYED_FLOW","runId":"r1"}`
		data, err := Decode(QueueScheduled, json.RawMessage(raw))
		require.NoError(t, err)

		s, ok := data.(*ScheduledJobData)
		require.True(t, ok)
		assert.Equal(t, "v1", s.FlowVersionID)
		assert.Equal(t, JobTypeDelayedFlow, s.JobType)
		assert.Equal(t, EnvironmentProduction, s.Environment)
		assert.Equal(t, "r1", s.RunID)
	})

	t.Run("unknown queue is an assertion failure", func(t *testing.T) {
		_, err := Decode("nope", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.True(t, errors.IsAssertionFailure(err))
	})

	t.Run("malformed payload carries queue detail", func(t *testing.T) {
		_, err := Decode(QueueWebhook, json.RawMessage(`{"requestId":5}`))
		require.Error(t, err)
		assert.Contains(t, errors.FlattenDetails(err), "Queue: webhookJobs")
	})
}
