package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/flowworker/pulse/job"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("FLOWWORKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWWORKER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, "flowworker-test:"+uuid.NewString()+":", 50*time.Millisecond, nil)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	first, err := job.New(job.QueueScheduled, json.RawMessage(`{"schemaVersion":2}`))
	require.NoError(t, err)
	first.Repeat = &job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"}
	require.NoError(t, s.Enqueue(ctx, first))

	second, err := job.New(job.QueueScheduled, json.RawMessage(`{"schemaVersion":4}`))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, second))

	listed, err := s.ListJobs(ctx, job.QueueScheduled)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, first.ID, listed[0].ID, "oldest first")
	assert.Equal(t, first.Repeat, listed[0].Repeat)

	require.NoError(t, s.UpdateJobData(ctx, listed[0], json.RawMessage(`{"schemaVersion":4}`)))

	got, err := s.Poll(ctx, "w", job.QueueScheduled)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.JSONEq(t, `{"schemaVersion":4}`, string(got.Data))
	require.NoError(t, s.Finish(ctx, got, job.RowCompleted))

	got, err = s.Poll(ctx, "w", job.QueueScheduled)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = s.Poll(ctx, "w", job.QueueScheduled)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_MalformedRepeat(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	var ids []string
	for _, v := range []string{`{"schemaVersion":4}`, `{"schemaVersion":2}`, `{"schemaVersion":4}`} {
		j, err := job.New(job.QueueScheduled, json.RawMessage(v))
		require.NoError(t, err)
		j.Repeat = &job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"}
		require.NoError(t, s.Enqueue(ctx, j))
		ids = append(ids, j.ID)
	}
	bad := ids[1]
	require.NoError(t, s.client.HSet(ctx, s.jobKey(bad), "repeat", "{not json").Err())

	listed, err := s.ListJobs(ctx, job.QueueScheduled)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, bad, listed[1].ID)
	assert.Nil(t, listed[1].Repeat)
	assert.NotNil(t, listed[0].Repeat)
	assert.NotNil(t, listed[2].Repeat)

	var polled []string
	for range ids {
		got, err := s.Poll(ctx, "w", job.QueueScheduled)
		require.NoError(t, err)
		require.NotNil(t, got)
		polled = append(polled, got.ID)
		require.NoError(t, s.Finish(ctx, got, job.RowCompleted))
	}
	assert.Equal(t, ids, polled)

	active, err := s.client.LRange(ctx, s.activeKey(job.QueueScheduled), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, active)
}
