// Package flow persists the slice of flow state the worker touches: the
// published version a scheduled job points at and the flow's trigger schedule.
package flow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
)

// ScheduleType names how a flow's trigger is scheduled
type ScheduleType string

const ScheduleCronExpression ScheduleType = "CRON_EXPRESSION"

// Schedule is a flow's trigger schedule
type Schedule struct {
	Type           ScheduleType `json:"type"`
	Timezone       string       `json:"timezone"`
	CronExpression string       `json:"cronExpression"`
}

// Flow is a stored flow
type Flow struct {
	ID                 string
	PublishedVersionID string
	Schedule           *Schedule
	UpdatedAt          time.Time
}

// Store reads and writes flows in SQLite
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a flow store
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger.OrNop(log)}
}

// Create inserts a flow
func (s *Store) Create(ctx context.Context, f *Flow) error {
	if f.ID == "" {
		return errors.New("flow id cannot be empty")
	}

	var schedType, tz, cronExpr sql.NullString
	if f.Schedule != nil {
		schedType = sql.NullString{String: string(f.Schedule.Type), Valid: true}
		tz = sql.NullString{String: f.Schedule.Timezone, Valid: true}
		cronExpr = sql.NullString{String: f.Schedule.CronExpression, Valid: true}
	}
	publishedVersionID := sql.NullString{String: f.PublishedVersionID, Valid: f.PublishedVersionID != ""}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (id, published_version_id, schedule_type, schedule_timezone, schedule_cron_expression, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, publishedVersionID, schedType, tz, cronExpr, time.Now(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create flow")
		return errors.WithDetail(err, fmt.Sprintf("Flow ID: %s", f.ID))
	}
	return nil
}

// Get returns the flow with id, or an error wrapping errors.ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*Flow, error) {
	f, err := s.queryOne(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.NewNotFoundError("flow %s", id)
	}
	return f, nil
}

// FindByPublishedVersionID returns the flow whose published version is
// versionID, or nil with no error when there is none.
func (s *Store) FindByPublishedVersionID(ctx context.Context, versionID string) (*Flow, error) {
	f, err := s.queryOne(ctx, `WHERE published_version_id = ?`, versionID)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Published version ID: %s", versionID))
	}
	return f, nil
}

// UpdateSchedule replaces the schedule of flow flowID
func (s *Store) UpdateSchedule(ctx context.Context, flowID string, sched Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows
		SET schedule_type = ?,
		    schedule_timezone = ?,
		    schedule_cron_expression = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(sched.Type), sched.Timezone, sched.CronExpression, time.Now(), flowID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update flow schedule")
		return errors.WithDetail(err, fmt.Sprintf("Flow ID: %s", flowID))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("flow %s", flowID)
	}

	s.logger.Infow("Updated flow schedule",
		logger.FieldFlowID, flowID,
		"type", sched.Type,
		"timezone", sched.Timezone,
		"cron_expression", sched.CronExpression,
	)
	return nil
}

func (s *Store) queryOne(ctx context.Context, where string, arg any) (*Flow, error) {
	query := `
		SELECT id, published_version_id, schedule_type, schedule_timezone, schedule_cron_expression, updated_at
		FROM flows ` + where + ` LIMIT 1`

	var f Flow
	var publishedVersionID, schedType, tz, cronExpr sql.NullString
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&f.ID, &publishedVersionID, &schedType, &tz, &cronExpr, &f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query flow")
	}

	f.PublishedVersionID = publishedVersionID.String
	if schedType.Valid {
		f.Schedule = &Schedule{
			Type:           ScheduleType(schedType.String),
			Timezone:       tz.String,
			CronExpression: cronExpr.String,
		}
	}
	return &f, nil
}
