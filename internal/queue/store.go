package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"fetchd/internal/dedup"
	logx "fetchd/pkg/logx"
)

const taskColumns = `id, url, status, attempts, added_at, updated_at,
	next_attempt_at, result_path, error_message, url_hash, platform_id, method`

// Store is the durable task queue.
//
// All operations touch a single row except Lease, which is serialized with a
// mutex because its select-then-mark sequence is not atomic on its own.
type Store struct {
	db  *sql.DB
	log logx.Logger

	maxRetries int
	baseDelay  time.Duration

	leaseMu sync.Mutex

	// now is swappable in tests.
	now func() time.Time
}

// Config controls the retry policy enforced by the store's callers.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func New(db *sql.DB, cfg Config, log logx.Logger) *Store {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		db:         db,
		log:        log,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		now:        time.Now,
	}
}

// MaxRetries is the attempt ceiling the worker pool applies before FailFinal.
func (s *Store) MaxRetries() int { return s.maxRetries }

// RecoverStale resets tasks stuck in processing back to pending. It must run
// once at startup before any Lease call; a worker that died mid-fetch leaves
// no task stranded. Attempts are left untouched.
func (s *Store) RecoverStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=? WHERE status=?`,
		StatusPending, s.now().UnixMilli(), StatusProcessing,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("queue.recovered_stale", logx.Int64("tasks", n))
	}
	return n, nil
}

// Submit adds a URL to the queue. Duplicates (by normalized-URL hash, then by
// platform id, against pending/processing/completed rows) return the existing
// task's id with isNew=false and no side effects.
func (s *Store) Submit(ctx context.Context, url, method string) (int64, bool, error) {
	if method == "" {
		method = MethodAuto
	}
	hash := dedup.Hash(url)
	platformID := dedup.PlatformID(url)

	if existing, err := s.findDuplicate(ctx, hash, platformID); err != nil {
		return 0, false, err
	} else if existing != nil {
		s.log.Debug("queue.duplicate", logx.Int64("task_id", existing.ID), logx.String("url", url))
		return existing.ID, false, nil
	}

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (url, status, attempts, added_at, updated_at, url_hash, platform_id, method)
		 VALUES (?, ?, 0, ?, ?, ?, ?, ?)`,
		url, StatusPending, now, now, hash, nullStr(platformID), method,
	)
	if err != nil {
		return 0, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	s.log.Info("queue.added", logx.Int64("task_id", id), logx.String("url", url), logx.String("method", method))
	return id, true, nil
}

// findDuplicate checks the hash index first (the cheap common case), then the
// platform id. Either match short-circuits. Failed rows are intentionally
// excluded so a permanently failed URL can be resubmitted.
func (s *Store) findDuplicate(ctx context.Context, hash, platformID string) (*Task, error) {
	t, err := s.queryOne(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE url_hash = ? AND status IN (?, ?, ?)
		 ORDER BY id DESC LIMIT 1`,
		hash, StatusPending, StatusProcessing, StatusCompleted,
	)
	if err != nil || t != nil {
		return t, err
	}
	if platformID == "" {
		return nil, nil
	}
	return s.queryOne(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE platform_id = ? AND status IN (?, ?, ?)
		 ORDER BY id DESC LIMIT 1`,
		platformID, StatusPending, StatusProcessing, StatusCompleted,
	)
}

// Lease atomically claims the oldest eligible pending task and marks it
// processing. Returns (nil, nil) when nothing is eligible.
func (s *Store) Lease(ctx context.Context) (*Task, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := s.now().UnixMilli()
	t, err := s.queryOne(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY id ASC LIMIT 1`,
		StatusPending, now,
	)
	if err != nil || t == nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		StatusProcessing, now, t.ID,
	); err != nil {
		return nil, err
	}
	t.Status = StatusProcessing
	t.UpdatedAt = time.UnixMilli(now)
	return t, nil
}

// Complete records a successful fetch. Idempotent for repeated calls with the
// same arguments.
func (s *Store) Complete(ctx context.Context, id int64, resultPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, result_path=?, updated_at=? WHERE id=?`,
		StatusCompleted, resultPath, s.now().UnixMilli(), id,
	)
	return err
}

// Reschedule returns a task to pending with exponential backoff:
// delay = 2^attemptsSoFar * baseDelay. No jitter, no delay cap.
func (s *Store) Reschedule(ctx context.Context, id int64, attemptsSoFar int) error {
	if attemptsSoFar < 0 {
		attemptsSoFar = 0
	}
	delay := time.Duration(1<<uint(attemptsSoFar)) * s.baseDelay
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET attempts = attempts + 1, status = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		StatusPending, now.Add(delay).UnixMilli(), now.UnixMilli(), id,
	)
	if err == nil {
		s.log.Debug("queue.rescheduled", logx.Int64("task_id", id), logx.Duration("delay", delay))
	}
	return err
}

// FailFinal marks a task permanently failed. No automatic retries follow;
// the row stays visible to the query/admin APIs.
func (s *Store) FailFinal(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, error_message=?, updated_at=? WHERE id=?`,
		StatusFailed, errMsg, s.now().UnixMilli(), id,
	)
	if err == nil {
		s.log.Warn("queue.failed_final", logx.Int64("task_id", id), logx.String("error", errMsg))
	}
	return err
}

// ListByStatus returns tasks with the given status in insertion order.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Get returns a single task by id, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	return s.queryOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

// CountByStatus returns the number of tasks with the given status.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	return n, err
}

// ClearFailed deletes all permanently failed tasks.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryAllFailed resets every failed task to pending with attempts=0 and a
// cleared schedule/error, and returns how many were reset.
func (s *Store) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, attempts = 0, next_attempt_at = NULL, error_message = NULL, updated_at = ?
		 WHERE status = ?`,
		StatusPending, s.now().UnixMilli(), StatusFailed,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("queue.retry_failed", logx.Int64("tasks", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t          Task
		added      int64
		updated    int64
		nextAt     sql.NullInt64
		resultPath sql.NullString
		errMsg     sql.NullString
		urlHash    sql.NullString
		platformID sql.NullString
	)
	if err := r.Scan(&t.ID, &t.URL, &t.Status, &t.Attempts, &added, &updated,
		&nextAt, &resultPath, &errMsg, &urlHash, &platformID, &t.Method); err != nil {
		return nil, err
	}
	t.AddedAt = time.UnixMilli(added)
	t.UpdatedAt = time.UnixMilli(updated)
	if nextAt.Valid {
		at := time.UnixMilli(nextAt.Int64)
		t.NextAttemptAt = &at
	}
	t.ResultPath = resultPath.String
	t.ErrorMessage = errMsg.String
	t.URLHash = urlHash.String
	t.PlatformID = platformID.String
	return &t, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
