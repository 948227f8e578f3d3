package feed

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fetchd/internal/queue"
	"fetchd/internal/storage"
	logx "fetchd/pkg/logx"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "fetchd.db")})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingSubmitter struct {
	urls []string
}

func (r *recordingSubmitter) Submit(ctx context.Context, url, method string) (int64, bool, error) {
	r.urls = append(r.urls, url)
	return int64(len(r.urls)), true, nil
}

// rssDoc renders a newest-first RSS document with one item per id.
func rssDoc(ids ...int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<item><guid>entry-%d</guid><link>https://example.com/video/%d</link><title>Item %d</title></item>`, id, id, id)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func servedPoller(t *testing.T, sub Submitter, cfg PollerConfig, doc *string, status *int) (*Poller, *Store, int64) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *status != http.StatusOK {
			http.Error(w, "nope", *status)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(*doc))
	}))
	t.Cleanup(srv.Close)

	store := NewStore(testDB(t), logx.Nop())
	id, isNew, err := store.Register(context.Background(), srv.URL)
	if err != nil || !isNew {
		t.Fatalf("register feed: id=%d isNew=%v err=%v", id, isNew, err)
	}
	cfg.FetchesPerSec = 1000 // don't slow tests down
	return NewPoller(cfg, store, sub, nil, logx.Nop()), store, id
}

func feedByID(t *testing.T, store *Store, id int64) Feed {
	t.Helper()
	feeds, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list feeds: %v", err)
	}
	for _, f := range feeds {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("feed %d not found", id)
	return Feed{}
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := NewStore(testDB(t), logx.Nop())
	ctx := context.Background()

	id1, isNew, err := store.Register(ctx, "https://example.com/feed.xml")
	if err != nil || !isNew {
		t.Fatalf("first register: id=%d isNew=%v err=%v", id1, isNew, err)
	}
	id2, isNew, err := store.Register(ctx, "https://example.com/feed.xml")
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if isNew || id2 != id1 {
		t.Fatalf("expected existing feed %d, got id=%d isNew=%v", id1, id2, isNew)
	}
}

func TestFirstPollSubmitsNewestFirstBatchOldestFirst(t *testing.T) {
	sub := &recordingSubmitter{}
	doc := rssDoc(5, 4, 3, 2, 1)
	status := http.StatusOK
	p, store, feedID := servedPoller(t, sub, PollerConfig{MaxItemsPerPoll: 3}, &doc, &status)

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// No cursor yet: all 5 are new, capped to the newest 3 (5,4,3),
	// submitted oldest-first.
	want := []string{
		"https://example.com/video/3",
		"https://example.com/video/4",
		"https://example.com/video/5",
	}
	if len(sub.urls) != len(want) {
		t.Fatalf("submitted %v, want %v", sub.urls, want)
	}
	for i := range want {
		if sub.urls[i] != want[i] {
			t.Fatalf("submitted %v, want %v", sub.urls, want)
		}
	}
	if got := feedByID(t, store, feedID).Cursor; got != "entry-5" {
		t.Fatalf("cursor = %q, want entry-5", got)
	}
}

func TestPollStopsAtCursorAndAdvances(t *testing.T) {
	sub := &recordingSubmitter{}
	doc := rssDoc(5, 4, 3, 2, 1)
	status := http.StatusOK
	p, store, feedID := servedPoller(t, sub, PollerConfig{MaxItemsPerPoll: 5}, &doc, &status)

	ctx := context.Background()
	if err := store.touch(ctx, feedID, "entry-3"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Entries newer than the cursor (5, 4), oldest-first.
	want := []string{"https://example.com/video/4", "https://example.com/video/5"}
	if len(sub.urls) != 2 || sub.urls[0] != want[0] || sub.urls[1] != want[1] {
		t.Fatalf("submitted %v, want %v", sub.urls, want)
	}
	if got := feedByID(t, store, feedID).Cursor; got != "entry-5" {
		t.Fatalf("cursor = %q, want entry-5", got)
	}

	// A second poll with nothing new submits nothing and keeps the cursor.
	sub.urls = nil
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(sub.urls) != 0 {
		t.Fatalf("expected no submissions, got %v", sub.urls)
	}
	if got := feedByID(t, store, feedID).Cursor; got != "entry-5" {
		t.Fatalf("cursor = %q, want entry-5", got)
	}
}

func TestBadStatusLeavesCursorUntouched(t *testing.T) {
	sub := &recordingSubmitter{}
	doc := rssDoc(5, 4, 3)
	status := http.StatusOK
	p, store, feedID := servedPoller(t, sub, PollerConfig{MaxItemsPerPoll: 5}, &doc, &status)

	ctx := context.Background()
	if err := store.touch(ctx, feedID, "entry-3"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(sub.urls) != 0 {
		t.Fatalf("expected no submissions, got %v", sub.urls)
	}
	if got := feedByID(t, store, feedID).Cursor; got != "entry-3" {
		t.Fatalf("cursor = %q, want entry-3 (unchanged)", got)
	}

	// Transient: the next healthy cycle picks the new entries up.
	status = http.StatusOK
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("recovery poll: %v", err)
	}
	if len(sub.urls) != 2 {
		t.Fatalf("expected 2 submissions after recovery, got %v", sub.urls)
	}
}

func TestParseFailureLeavesCursorUntouched(t *testing.T) {
	sub := &recordingSubmitter{}
	doc := "this is not xml at all"
	status := http.StatusOK
	p, store, feedID := servedPoller(t, sub, PollerConfig{MaxItemsPerPoll: 5}, &doc, &status)

	ctx := context.Background()
	if err := store.touch(ctx, feedID, "entry-9"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(sub.urls) != 0 {
		t.Fatalf("expected no submissions, got %v", sub.urls)
	}
	if got := feedByID(t, store, feedID).Cursor; got != "entry-9" {
		t.Fatalf("cursor = %q, want entry-9 (unchanged)", got)
	}
}

func TestPollSubmitsIntoRealQueue(t *testing.T) {
	db := testDB(t)
	tasks := queue.New(db, queue.Config{MaxRetries: 3, BaseDelay: time.Minute}, logx.Nop())
	feeds := NewStore(db, logx.Nop())

	doc := rssDoc(2, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	ctx := context.Background()
	if _, _, err := feeds.Register(ctx, srv.URL); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := NewPoller(PollerConfig{MaxItemsPerPoll: 5, FetchesPerSec: 1000}, feeds, tasks, nil, logx.Nop())
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pending, err := tasks.ListByStatus(ctx, queue.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	// Oldest entry first in queue order.
	if pending[0].URL != "https://example.com/video/1" || pending[1].URL != "https://example.com/video/2" {
		t.Fatalf("unexpected queue order: %s, %s", pending[0].URL, pending[1].URL)
	}

	// Polling again re-submits nothing (cursor advanced + queue dedup).
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if n, _ := tasks.CountByStatus(ctx, queue.StatusPending); n != 2 {
		t.Fatalf("expected 2 pending tasks after re-poll, got %d", n)
	}
}
