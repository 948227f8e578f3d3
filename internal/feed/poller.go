// Package feed ingests work from polled RSS/Atom feeds.
//
// Feeds are assumed newest-first. Each poll walks entries until the stored
// cursor is reached, caps the batch, submits oldest-first so insertion order
// matches publication order, then advances the cursor to the newest entry
// unconditionally. Delivery is therefore at-least-once, never a replay loop.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"fetchd/internal/eventbus"
	"fetchd/internal/queue"
	logx "fetchd/pkg/logx"
)

// maxFeedBody bounds how much of a feed response is read.
const maxFeedBody = 8 << 20

// Submitter is the task-creation surface the poller needs (satisfied by
// *queue.Store).
type Submitter interface {
	Submit(ctx context.Context, url, method string) (int64, bool, error)
}

// PollerConfig controls the poll cycle.
type PollerConfig struct {
	Interval        time.Duration
	MaxItemsPerPoll int
	FetchTimeout    time.Duration
	// FetchesPerSec rate-limits outgoing feed requests across all feeds.
	FetchesPerSec float64
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxItemsPerPoll <= 0 {
		c.MaxItemsPerPoll = 5
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.FetchesPerSec <= 0 {
		c.FetchesPerSec = 1
	}
	return c
}

// Poller periodically fetches registered feeds and enqueues new entries.
type Poller struct {
	cfg    PollerConfig
	store  *Store
	tasks  Submitter
	client *http.Client
	limit  *rate.Limiter
	parser *gofeed.Parser
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
}

// PolledEvent is the bus payload for a completed feed poll.
type PolledEvent struct {
	FeedID    int64  `json:"feed_id"`
	URL       string `json:"url"`
	Submitted int    `json:"submitted"`
}

func NewPoller(cfg PollerConfig, store *Store, tasks Submitter, bus eventbus.Bus, log logx.Logger) *Poller {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:    cfg,
		store:  store,
		tasks:  tasks,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		limit:  rate.NewLimiter(rate.Limit(cfg.FetchesPerSec), 1),
		parser: gofeed.NewParser(),
		log:    log,
		bus:    bus,
	}
}

// Start schedules polling every Interval. Overlapping runs are skipped; ctx
// cancellation aborts in-flight fetches.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return
	}
	p.baseCtx = ctx

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		if err := p.PollOnce(p.baseCtx); err != nil && ctx.Err() == nil {
			p.log.Warn("feed.poll_cycle_failed", logx.Err(err))
		}
	}))
	c.Start()
	p.cron = c
	p.log.Info("feed.poller_started", logx.Duration("interval", p.cfg.Interval))
}

// Stop halts scheduling and waits for a running cycle to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	stopped := c.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped.Done():
		return nil
	}
}

// PollOnce runs one cycle over all registered feeds. A failure on one feed
// never stops the walk to the next.
func (p *Poller) PollOnce(ctx context.Context) error {
	feeds, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	for _, f := range feeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.pollFeed(ctx, f)
	}
	return nil
}

// pollFeed fetches and processes one feed. Fetch and parse failures are
// transient: logged, cursor untouched, retried next cycle.
func (p *Poller) pollFeed(ctx context.Context, f Feed) {
	if err := p.limit.Wait(ctx); err != nil {
		return
	}

	body, status, err := p.fetch(ctx, f.URL)
	if err != nil {
		p.log.Warn("feed.fetch_failed", logx.Int64("feed_id", f.ID), logx.String("url", f.URL), logx.Err(err))
		return
	}
	if status != http.StatusOK {
		p.log.Warn("feed.bad_status", logx.Int64("feed_id", f.ID), logx.String("url", f.URL), logx.Int("status", status))
		// Record the poll; cursor stays where it was.
		_ = p.store.touch(ctx, f.ID, f.Cursor)
		return
	}

	parsed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		p.log.Warn("feed.parse_failed", logx.Int64("feed_id", f.ID), logx.String("url", f.URL), logx.Err(err))
		return
	}
	items := parsed.Items
	if len(items) == 0 {
		_ = p.store.touch(ctx, f.ID, f.Cursor)
		return
	}

	// Entries are newest-first: collect until the cursor (exclusive).
	var fresh []*gofeed.Item
	for _, it := range items {
		key := entryKey(it)
		if key == "" {
			continue
		}
		if f.Cursor != "" && key == f.Cursor {
			break
		}
		fresh = append(fresh, it)
	}

	latest := entryKey(items[0])
	if len(fresh) > p.cfg.MaxItemsPerPoll {
		// Keep the newest N of the new batch.
		fresh = fresh[:p.cfg.MaxItemsPerPoll]
	}
	if len(fresh) == 0 {
		_ = p.store.touch(ctx, f.ID, latest)
		return
	}

	// Submit oldest-first so queue order matches publication order.
	submitted := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		link := entryLink(fresh[i])
		if link == "" {
			continue
		}
		_, isNew, err := p.tasks.Submit(ctx, link, queue.MethodAuto)
		if err != nil {
			p.log.Warn("feed.submit_failed", logx.Int64("feed_id", f.ID), logx.String("entry", link), logx.Err(err))
			continue
		}
		if isNew {
			submitted++
		}
	}
	p.log.Info("feed.polled", logx.Int64("feed_id", f.ID), logx.String("url", f.URL), logx.Int("new", submitted))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.FeedPolled, Data: PolledEvent{FeedID: f.ID, URL: f.URL, Submitted: submitted}})
	}

	// Advance regardless of how many submissions stuck: never replay the
	// same entries indefinitely.
	if err := p.store.touch(ctx, f.ID, latest); err != nil {
		p.log.Error("feed.cursor_update_failed", logx.Int64("feed_id", f.ID), logx.Err(err))
	}
}

func (p *Poller) fetch(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "fetchd/1.0 (+feed poller)")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// entryKey identifies an entry: GUID, then link, then title; first
// non-empty wins.
func entryKey(it *gofeed.Item) string {
	if it.GUID != "" {
		return it.GUID
	}
	if it.Link != "" {
		return it.Link
	}
	return it.Title
}

func entryLink(it *gofeed.Item) string {
	if it.Link != "" {
		return it.Link
	}
	return it.GUID
}
