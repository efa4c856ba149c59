package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

var _ Backend = (*RedisStore)(nil)

// RedisStore is a queue service on Redis. Each job is a hash; each queue has a
// waiting list and an active list, and Poll moves ids between them with BLMOVE
// so a job is handed to exactly one poller.
type RedisStore struct {
	client      redis.Cmdable
	prefix      string
	pollTimeout time.Duration
	logger      *zap.SugaredLogger
}

// NewRedisStore creates a store. The caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable, prefix string, pollTimeout time.Duration, log *zap.SugaredLogger) *RedisStore {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		pollTimeout: pollTimeout,
		logger:      logger.OrNop(log),
	}
}

func (r *RedisStore) jobKey(id string) string { return r.prefix + "job:" + id }

func (r *RedisStore) waitingKey(q job.QueueName) string {
	return r.prefix + "queue:" + string(q) + ":waiting"
}

func (r *RedisStore) activeKey(q job.QueueName) string {
	return r.prefix + "queue:" + string(q) + ":active"
}

// Ping verifies the Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Enqueue stores j and appends it to its queue's waiting list
func (r *RedisStore) Enqueue(ctx context.Context, j *job.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	fields, err := jobFields(j)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.jobKey(j.ID), fields)
		p.LPush(ctx, r.waitingKey(j.Queue), j.ID)
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return errors.WithDetail(err, fmt.Sprintf("Queue: %s", j.Queue))
	}
	return nil
}

// Poll blocks up to the poll timeout for a waiting job
func (r *RedisStore) Poll(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error) {
	id, err := r.client.BLMove(ctx, r.waitingKey(queue), r.activeKey(queue), "RIGHT", "LEFT", r.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = errors.Wrap(err, "failed to pop job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
	}

	j, err := r.load(ctx, id)
	if err != nil {
		// Put the id back so it is not stranded on the active list
		if rerr := r.requeue(ctx, queue, id); rerr != nil {
			err = errors.WithSecondaryError(err, rerr)
		}
		return nil, err
	}
	if j == nil {
		// Hash removed after the id was queued
		r.client.LRem(ctx, r.activeKey(queue), 1, id)
		r.logger.Warnw("Dropped queued id without job data", logger.FieldJobID, id, logger.FieldQueue, queue)
		return nil, nil
	}

	if err := r.client.HSet(ctx, r.jobKey(id), "status", string(job.RowRunning), "worker_token", workerToken).Err(); err != nil {
		r.logger.Warnw("Failed to mark job running", logger.FieldJobID, id, logger.FieldError, err)
	}
	return j, nil
}

// requeue moves id from the active list back to the tail Poll reads from
func (r *RedisStore) requeue(ctx context.Context, queue job.QueueName, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.activeKey(queue), 1, id)
		p.RPush(ctx, r.waitingKey(queue), id)
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to requeue job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return nil
}

// ListJobs returns the waiting jobs of queue, oldest first
func (r *RedisStore) ListJobs(ctx context.Context, queue job.QueueName) ([]*job.Job, error) {
	ids, err := r.client.LRange(ctx, r.waitingKey(queue), 0, -1).Result()
	if err != nil {
		err = errors.Wrap(err, "failed to list jobs")
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
	}

	jobs := make([]*job.Job, 0, len(ids))
	// LPUSH puts the newest id at the head
	for i := len(ids) - 1; i >= 0; i-- {
		j, err := r.load(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// UpdateJobData rewrites the payload of an existing job hash
func (r *RedisStore) UpdateJobData(ctx context.Context, j *job.Job, data json.RawMessage) error {
	n, err := r.client.Exists(ctx, r.jobKey(j.ID)).Result()
	if err != nil {
		return errors.Wrap(err, "failed to check job")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", j.ID)
	}

	if err := r.client.HSet(ctx, r.jobKey(j.ID), "data", string(data)).Err(); err != nil {
		err = errors.Wrap(err, "failed to update job data")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	j.Data = data
	return nil
}

// Finish takes j off its active list and records status on the hash
func (r *RedisStore) Finish(ctx context.Context, j *job.Job, status job.RowStatus) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.activeKey(j.Queue), 1, j.ID)
		p.HSet(ctx, r.jobKey(j.ID), "status", string(status))
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to finish job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context, id string) (*job.Job, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		err = errors.Wrap(err, "failed to load job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if len(fields) == 0 {
		return nil, nil
	}

	j := &job.Job{
		ID:          id,
		Queue:       job.QueueName(fields["queue_name"]),
		Data:        json.RawMessage(fields["data"]),
		EngineToken: fields["engine_token"],
	}
	if raw := fields["repeat"]; raw != "" {
		var rep job.Repeat
		if err := json.Unmarshal([]byte(raw), &rep); err != nil {
			// Treated like a missing descriptor; the schema chain logs the job as unrepeatable
			r.logger.Warnw("Ignoring malformed repeat descriptor", logger.FieldJobID, id, logger.FieldError, err)
		} else {
			j.Repeat = &rep
		}
	}
	if ts := fields["created_at"]; ts != "" {
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return j, nil
}

func jobFields(j *job.Job) (map[string]any, error) {
	fields := map[string]any{
		"queue_name":   string(j.Queue),
		"data":         string(j.Data),
		"engine_token": j.EngineToken,
		"status":       string(job.RowQueued),
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.Repeat != nil {
		raw, err := json.Marshal(j.Repeat)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode repeat descriptor")
		}
		fields["repeat"] = string(raw)
	}
	return fields, nil
}
