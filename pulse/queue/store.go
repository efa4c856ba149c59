package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/flowworker/db"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

const (
	// DefaultPollRate is how many empty pop attempts per second a queue makes while a Poll waits
	DefaultPollRate = 2.0
	// DefaultPollTimeout is how long Poll waits for work before reporting none
	DefaultPollTimeout = 5 * time.Second
)

var _ Backend = (*Store)(nil)

const jobColumns = `id, queue_name, data, engine_token, repeat_tz, repeat_pattern, created_at`

// Store is a queue service backed by the queue_jobs table. Pops are a single
// UPDATE ... RETURNING statement, so a job goes to exactly one poller.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	pace   *pacer
}

// Option configures a Store
type Option func(*Store)

// WithPollRate sets empty pop attempts per second per queue. Zero makes Poll
// try once and return immediately.
func WithPollRate(perSecond float64) Option {
	return func(s *Store) { s.pace.rate = rate.Limit(perSecond) }
}

// WithPollTimeout bounds how long one Poll waits for a job
func WithPollTimeout(d time.Duration) Option {
	return func(s *Store) { s.pace.timeout = d }
}

// NewStore creates a SQLite queue store over a migrated database
func NewStore(conn *sql.DB, log *zap.SugaredLogger, opts ...Option) *Store {
	s := &Store{
		db:     conn,
		logger: logger.OrNop(log),
		pace:   newPacer(DefaultPollRate, DefaultPollTimeout),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue inserts j as queued
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	var tz, pattern sql.NullString
	if j.Repeat != nil {
		tz = sql.NullString{String: j.Repeat.Timezone, Valid: j.Repeat.Timezone != ""}
		pattern = sql.NullString{String: j.Repeat.Pattern, Valid: j.Repeat.Pattern != ""}
	}
	engineToken := sql.NullString{String: j.EngineToken, Valid: j.EngineToken != ""}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue_name, data, engine_token, repeat_tz, repeat_pattern, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Queue), string(j.Data), engineToken, tz, pattern,
		string(job.RowQueued), j.CreatedAt, time.Now(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return errors.WithDetail(err, fmt.Sprintf("Queue: %s", j.Queue))
	}
	return nil
}

// Poll pops the oldest queued job of queue. While the queue is empty it keeps
// retrying at the configured rate until the poll timeout, then returns nil.
func (s *Store) Poll(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error) {
	return s.pace.poll(ctx, queue, func(ctx context.Context) (*job.Job, error) {
		return s.pop(ctx, workerToken, queue)
	})
}

func (s *Store) pop(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET status = ?, worker_token = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue_name = ? AND status = ?
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(job.RowRunning), workerToken, time.Now(), string(queue), string(job.RowQueued),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if db.IsDatabaseClosed(err) {
			return nil, errors.Wrap(db.ErrDatabaseClosed, "poll")
		}
		err = errors.Wrap(err, "failed to pop job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
	}

	s.logger.Debugw("Popped job", logger.FieldJobID, j.ID, logger.FieldQueue, queue)
	return j, nil
}

// ListJobs returns queued jobs of queue, oldest first
func (s *Store) ListJobs(ctx context.Context, queue job.QueueName) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs
		WHERE queue_name = ? AND status = ?
		ORDER BY created_at, id`,
		string(queue), string(job.RowQueued),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to list jobs")
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// Get returns the job with id, whatever its status
func (s *Store) Get(ctx context.Context, id string) (*job.Job, job.RowStatus, error) {
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`, status FROM queue_jobs WHERE id = ?`, id)

	var (
		j                        job.Job
		queue, data              string
		engineToken, tz, pattern sql.NullString
	)
	err := row.Scan(&j.ID, &queue, &data, &engineToken, &tz, &pattern, &j.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to get job")
	}
	fillJob(&j, queue, data, engineToken, tz, pattern)
	return &j, job.RowStatus(status), nil
}

// UpdateJobData rewrites the payload of j
func (s *Store) UpdateJobData(ctx context.Context, j *job.Job, data json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET data = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), j.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job data")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("job %s", j.ID)
	}

	j.Data = data
	return nil
}

// Finish records the final row status of a popped job
func (s *Store) Finish(ctx context.Context, j *job.Job, status job.RowStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), j.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to finish job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                        job.Job
		queue, data              string
		engineToken, tz, pattern sql.NullString
	)
	if err := row.Scan(&j.ID, &queue, &data, &engineToken, &tz, &pattern, &j.CreatedAt); err != nil {
		return nil, err
	}
	fillJob(&j, queue, data, engineToken, tz, pattern)
	return &j, nil
}

func fillJob(j *job.Job, queue, data string, engineToken, tz, pattern sql.NullString) {
	j.Queue = job.QueueName(queue)
	j.Data = json.RawMessage(data)
	j.EngineToken = engineToken.String
	if tz.Valid || pattern.Valid {
		j.Repeat = &job.Repeat{Timezone: tz.String, Pattern: pattern.String}
	}
}
