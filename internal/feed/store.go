package feed

import (
	"context"
	"database/sql"
	"errors"
	"time"

	logx "fetchd/pkg/logx"
)

// Feed is a subscribed source of task-producing entries.
type Feed struct {
	ID           int64
	URL          string
	AddedAt      time.Time
	LastPolledAt *time.Time
	// Cursor is the key of the newest entry seen on the last poll. Opaque;
	// it only ever advances in the feed's own delivery order.
	Cursor string
}

// Store persists feed subscriptions in the shared database.
type Store struct {
	db  *sql.DB
	log logx.Logger

	now func() time.Time
}

func NewStore(db *sql.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// Register subscribes a feed URL. Re-registering an existing URL returns the
// existing id with isNew=false.
func (s *Store) Register(ctx context.Context, url string) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feeds (url, added_at) VALUES (?, ?)`,
		url, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, err
		}
		s.log.Info("feed.registered", logx.Int64("feed_id", id), logx.String("url", url))
		return id, true, nil
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM feeds WHERE url = ?`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, errors.New("feed insert raced with delete")
	}
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// List returns all feeds in registration order.
func (s *Store) List(ctx context.Context) ([]Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, added_at, last_polled_at, cursor FROM feeds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feed
	for rows.Next() {
		var (
			f      Feed
			added  int64
			polled sql.NullInt64
			cursor sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.URL, &added, &polled, &cursor); err != nil {
			return nil, err
		}
		f.AddedAt = time.UnixMilli(added)
		if polled.Valid {
			at := time.UnixMilli(polled.Int64)
			f.LastPolledAt = &at
		}
		f.Cursor = cursor.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// touch records a poll, advancing the cursor. Passing the feed's current
// cursor records a poll without advancing.
func (s *Store) touch(ctx context.Context, id int64, cursor string) error {
	var cur any
	if cursor != "" {
		cur = cursor
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_polled_at = ?, cursor = ? WHERE id = ?`,
		s.now().UnixMilli(), cur, id,
	)
	return err
}
