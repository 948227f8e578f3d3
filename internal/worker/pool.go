// Package worker runs the fetch worker pool.
//
// A fixed number of loops run for the process lifetime; how many may be
// simultaneously active is throttled by the governor's published target.
// Shrinking the target only changes future admission, it never preempts an
// in-flight dispatch.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fetchd/internal/eventbus"
	"fetchd/internal/fetcher"
	"fetchd/internal/governor"
	"fetchd/internal/queue"
	logx "fetchd/pkg/logx"
)

// TargetSource publishes the current admission target.
type TargetSource interface {
	Target() int
}

// Config controls the pool.
type Config struct {
	MaxWorkers int

	// IdleSleep is how long a worker naps when paused, low on disk, or when
	// the queue has nothing eligible.
	IdleSleep time.Duration

	// SlotPoll is the interval at which a worker re-checks the admission
	// counter against the governor target.
	SlotPoll time.Duration

	// DownloadDir is the filesystem checked for the low-disk floor.
	DownloadDir string
	// MinFreeGB pauses leasing (not in-flight work) when free space on
	// DownloadDir drops below it. 0 disables the check.
	MinFreeGB float64
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Second
	}
	if c.SlotPoll <= 0 {
		c.SlotPoll = 500 * time.Millisecond
	}
	return c
}

// Pool leases tasks and hands them to the fetch dispatcher, reporting the
// outcome back to the store per the retry policy.
type Pool struct {
	cfg    Config
	store  *queue.Store
	fetch  fetcher.Fetcher
	target TargetSource
	log    logx.Logger
	bus    eventbus.Bus

	paused atomic.Bool
	active atomic.Int32

	// lowDisk is swappable in tests.
	lowDisk func() bool

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

func New(cfg Config, store *queue.Store, fetch fetcher.Fetcher, target TargetSource, bus eventbus.Bus, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:    cfg,
		store:  store,
		fetch:  fetch,
		target: target,
		log:    log,
		bus:    bus,
	}
	p.lowDisk = func() bool {
		if cfg.MinFreeGB <= 0 || cfg.DownloadDir == "" {
			return false
		}
		return governor.IsLowDisk(cfg.DownloadDir, cfg.MinFreeGB)
	}
	return p
}

// Start spawns the worker loops. The loop count is fixed at MaxWorkers for
// the life of the pool; only admission is dynamic.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go func(idx int) {
			defer p.wg.Done()
			p.loop(ctx, stopCh, idx)
		}(i)
	}
	p.log.Info("worker.pool_started", logx.Int("workers", p.cfg.MaxWorkers))
}

// Stop signals all loops and waits for them to finish their current
// iteration. In-flight fetches are not canceled beyond ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Pause stops new leases without canceling in-flight dispatches.
func (p *Pool) Pause()       { p.paused.Store(true) }
func (p *Pool) Resume()      { p.paused.Store(false) }
func (p *Pool) Paused() bool { return p.paused.Load() }

// Active returns how many dispatches are currently in flight.
func (p *Pool) Active() int { return int(p.active.Load()) }

func (p *Pool) loop(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := p.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if p.paused.Load() {
			if !sleepOr(ctx, stopCh, p.cfg.IdleSleep) {
				return
			}
			continue
		}
		if p.lowDisk() {
			log.Warn("worker.low_disk", logx.String("dir", p.cfg.DownloadDir), logx.Float64("min_free_gb", p.cfg.MinFreeGB))
			if !sleepOr(ctx, stopCh, p.cfg.IdleSleep) {
				return
			}
			continue
		}

		if !p.acquireSlot(ctx, stopCh) {
			return
		}

		task, err := p.store.Lease(ctx)
		if err != nil {
			p.releaseSlot()
			log.Error("worker.lease_failed", logx.Err(err))
			if !sleepOr(ctx, stopCh, p.cfg.IdleSleep) {
				return
			}
			continue
		}
		if task == nil {
			p.releaseSlot()
			if !sleepOr(ctx, stopCh, p.cfg.IdleSleep) {
				return
			}
			continue
		}

		p.process(ctx, log, task)
		p.releaseSlot()
	}
}

// acquireSlot blocks until the in-flight count is below the governor target,
// or stop is signaled. Returns false on stop.
func (p *Pool) acquireSlot(ctx context.Context, stopCh <-chan struct{}) bool {
	for {
		target := int32(p.target.Target())
		if target < 1 {
			target = 1
		}
		n := p.active.Load()
		if n < target && p.active.CompareAndSwap(n, n+1) {
			return true
		}
		if !sleepOr(ctx, stopCh, p.cfg.SlotPoll) {
			return false
		}
	}
}

func (p *Pool) releaseSlot() {
	for {
		n := p.active.Load()
		if n <= 0 {
			return
		}
		if p.active.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// process dispatches one leased task and reports the outcome. A fetch
// failure is retriable until attempts+1 reaches the retry ceiling.
func (p *Pool) process(ctx context.Context, log logx.Logger, task *queue.Task) {
	start := time.Now()
	log.Info("worker.dispatch", logx.Int64("task_id", task.ID), logx.String("url", task.URL))

	path, err := p.fetch.Fetch(ctx, *task)
	if err == nil {
		if cerr := p.store.Complete(ctx, task.ID, path); cerr != nil {
			log.Error("worker.complete_failed", logx.Int64("task_id", task.ID), logx.Err(cerr))
			return
		}
		log.Info("worker.completed", logx.Int64("task_id", task.ID), logx.String("path", path), logx.Duration("dur", time.Since(start)))
		p.publish(eventbus.TaskCompleted, TaskEvent{ID: task.ID, URL: task.URL, Path: path, Attempts: task.Attempts})
		return
	}

	if task.Attempts+1 >= p.store.MaxRetries() {
		if ferr := p.store.FailFinal(ctx, task.ID, err.Error()); ferr != nil {
			log.Error("worker.fail_final_failed", logx.Int64("task_id", task.ID), logx.Err(ferr))
			return
		}
		log.Warn("worker.failed_final", logx.Int64("task_id", task.ID), logx.Err(err), logx.Int("attempts", task.Attempts+1))
		p.publish(eventbus.TaskFailed, TaskEvent{ID: task.ID, URL: task.URL, Error: err.Error(), Attempts: task.Attempts + 1})
		return
	}

	if rerr := p.store.Reschedule(ctx, task.ID, task.Attempts+1); rerr != nil {
		log.Error("worker.reschedule_failed", logx.Int64("task_id", task.ID), logx.Err(rerr))
		return
	}
	log.Info("worker.retry_scheduled", logx.Int64("task_id", task.ID), logx.Err(err), logx.Int("attempt", task.Attempts+1), logx.Int("max", p.store.MaxRetries()))
	p.publish(eventbus.TaskRetried, TaskEvent{ID: task.ID, URL: task.URL, Error: err.Error(), Attempts: task.Attempts + 1})
}

func (p *Pool) publish(typ string, ev TaskEvent) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// sleepOr naps for d unless ctx or stopCh fires first; returns false on stop.
func sleepOr(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
