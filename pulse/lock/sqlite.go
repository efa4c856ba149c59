package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
)

// SQLiteLocker keeps locks in the locks table, so it excludes every process
// sharing the database file.
type SQLiteLocker struct {
	db            *sql.DB
	logger        *zap.SugaredLogger
	retryInterval time.Duration
}

// NewSQLiteLocker creates a locker over db (migrated with the locks table)
func NewSQLiteLocker(db *sql.DB, log *zap.SugaredLogger) *SQLiteLocker {
	return &SQLiteLocker{
		db:            db,
		logger:        logger.OrNop(log),
		retryInterval: DefaultRetryInterval,
	}
}

// Acquire takes key, taking over an expired holder's row if there is one
func (l *SQLiteLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	owner := uuid.NewString()

	try := func(ctx context.Context) (bool, error) {
		now := time.Now()
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO locks (key, owner, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE
			SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE locks.expires_at <= ?`,
			key, owner, now.Add(timeout).UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}

	if err := acquireWithRetry(ctx, key, timeout, l.retryInterval, try); err != nil {
		return nil, err
	}

	l.logger.Debugw("Lock acquired", logger.FieldLockKey, key, logger.FieldTimeout, timeout)
	return &sqliteLock{locker: l, key: key, owner: owner}, nil
}

type sqliteLock struct {
	locker *SQLiteLocker
	key    string
	owner  string

	once sync.Once
	err  error
}

func (s *sqliteLock) Key() string { return s.key }

// Release deletes the row if this holder still owns it. A row taken over after
// expiry is left alone and reported as errors.ErrLockLost.
func (s *sqliteLock) Release(ctx context.Context) error {
	s.once.Do(func() {
		res, err := s.locker.db.ExecContext(ctx,
			`DELETE FROM locks WHERE key = ? AND owner = ?`, s.key, s.owner)
		if err != nil {
			err = errors.Wrap(err, "failed to release lock")
			s.err = errors.WithDetail(err, fmt.Sprintf("Lock key: %s", s.key))
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.err = errors.WithDetail(errors.ErrLockLost, fmt.Sprintf("Lock key: %s", s.key))
			return
		}
		s.locker.logger.Debugw("Lock released", logger.FieldLockKey, s.key)
	})
	return s.err
}
