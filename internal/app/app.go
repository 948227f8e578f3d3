// Package app assembles the daemon: config, storage, queue, governor,
// worker pool, and feed poller, wired under one supervisor.
package app

import (
	"context"
	"database/sql"

	"fetchd/internal/config"
	"fetchd/internal/eventbus"
	"fetchd/internal/feed"
	"fetchd/internal/fetcher"
	"fetchd/internal/governor"
	"fetchd/internal/queue"
	"fetchd/internal/runtime/supervisor"
	"fetchd/internal/storage"
	"fetchd/internal/worker"
	logx "fetchd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log      logx.Logger
	logClose func() error

	db     *sql.DB
	tasks  *queue.Store
	feeds  *feed.Store
	bus    eventbus.Bus
	gov    *governor.Governor
	pool   *worker.Pool
	poller *feed.Poller
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: *cfg.Log.Console,
		File:    cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout),
	})
	if err != nil {
		_ = logClose()
		return nil, err
	}

	bus := eventbus.New()

	tasks := queue.New(db, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  config.Duration("queue.base_delay", cfg.Queue.BaseDelay),
	}, log.With(logx.String("comp", "queue")))

	feeds := feed.NewStore(db, log.With(logx.String("comp", "feeds")))

	gov, err := governor.New(governor.Limits{
		MinWorkers:    cfg.Governor.MinWorkers,
		MaxWorkers:    cfg.Governor.MaxWorkers,
		CPUThreshold:  cfg.Governor.CPUThreshold,
		DiskThreshold: cfg.Governor.DiskThreshold,
	},
		config.Duration("governor.interval", cfg.Governor.Interval),
		&governor.HostSampler{DiskPath: cfg.Workers.DownloadDir},
		log.With(logx.String("comp", "governor")))
	if err != nil {
		_ = db.Close()
		_ = logClose()
		return nil, err
	}

	pool := worker.New(worker.Config{
		MaxWorkers:  cfg.Governor.MaxWorkers,
		IdleSleep:   config.Duration("workers.idle_sleep", cfg.Workers.IdleSleep),
		DownloadDir: cfg.Workers.DownloadDir,
		MinFreeGB:   cfg.Workers.MinFreeGB,
	}, tasks, buildDispatcher(cfg, log), gov, bus, log.With(logx.String("comp", "worker")))

	poller := feed.NewPoller(feed.PollerConfig{
		Interval:        config.Duration("feeds.interval", cfg.Feeds.Interval),
		MaxItemsPerPoll: cfg.Feeds.MaxItemsPerPoll,
		FetchTimeout:    config.Duration("feeds.fetch_timeout", cfg.Feeds.FetchTimeout),
		FetchesPerSec:   cfg.Feeds.FetchesPerSec,
	}, feeds, tasks, bus, log.With(logx.String("comp", "poller")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logClose: logClose,
		db:       db,
		tasks:    tasks,
		feeds:    feeds,
		bus:      bus,
		gov:      gov,
		pool:     pool,
		poller:   poller,
	}, nil
}

// buildDispatcher maps fetch strategies to backends. The file backend is
// always available; generic and magnet fetches go through the configured
// external command when one is set, otherwise generic falls back to a plain
// HTTP download.
func buildDispatcher(cfg *config.Config, log logx.Logger) *fetcher.Dispatcher {
	fileTimeout := config.Duration("fetch.file_timeout", cfg.Fetch.FileTimeout)
	file := fetcher.NewFileFetcher(cfg.Workers.DownloadDir, fileTimeout, log.With(logx.String("comp", "fetch.file")))

	d := fetcher.NewDispatcher()
	d.Register(fetcher.StrategyFile, file)
	if cfg.Fetch.Command != "" {
		ex := fetcher.NewExecFetcher(cfg.Fetch.Command, cfg.Fetch.Args, cfg.Workers.DownloadDir,
			log.With(logx.String("comp", "fetch.exec")))
		d.Register(fetcher.StrategyGeneric, ex)
		d.Register(fetcher.StrategyMagnet, ex)
	} else {
		d.Register(fetcher.StrategyGeneric, file)
	}
	return d
}

// Done is closed when the supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Tasks stuck in processing from a previous crash go back to pending
	// before any worker leases.
	if n, err := a.tasks.RecoverStale(a.sup.Context()); err != nil {
		return err
	} else if n > 0 {
		a.log.Info("recovered stale tasks", logx.Int64("count", n))
	}

	// Seed configured feeds; duplicates are ignored.
	for _, u := range a.cfgm.Get().Feeds.URLs {
		if _, _, err := a.feeds.Register(a.sup.Context(), u); err != nil {
			a.log.Warn("feed registration failed", logx.String("url", u), logx.Err(err))
		}
	}

	a.sup.Go0("governor.run", func(c context.Context) {
		a.gov.Run(c)
	})

	a.pool.Start(a.sup.Context())
	a.poller.Start(a.sup.Context())

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Event log for observability; components publish, we record at debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("started",
		logx.String("db", a.cfgm.Get().Storage.Path),
		logx.Int("max_workers", a.gov.Limits().MaxWorkers))
	return nil
}

// applyConfig applies the hot-reloadable subset of a committed config.
// Storage, queue retry policy, and worker pool shape need a restart; the
// governor limits and the feed URL set apply live.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	if cfg == nil {
		return
	}
	err := a.gov.UpdateLimits(governor.Limits{
		MinWorkers:    cfg.Governor.MinWorkers,
		MaxWorkers:    cfg.Governor.MaxWorkers,
		CPUThreshold:  cfg.Governor.CPUThreshold,
		DiskThreshold: cfg.Governor.DiskThreshold,
	})
	if err != nil {
		a.log.Warn("invalid governor limits; keeping previous", logx.Err(err))
	}

	for _, u := range cfg.Feeds.URLs {
		if _, _, err := a.feeds.Register(ctx, u); err != nil {
			a.log.Warn("feed registration failed", logx.String("url", u), logx.Err(err))
		}
	}

	if old != nil && (old.Storage != cfg.Storage || old.Queue != cfg.Queue) {
		a.log.Warn("storage/queue config changed; restart required for changes to take effect")
	}
	a.log.Info("config applied",
		logx.Int("governor.min", cfg.Governor.MinWorkers),
		logx.Int("governor.max", cfg.Governor.MaxWorkers))
}

func (a *App) Stop(ctx context.Context) error {
	// Stop intake first, then drain workers, then the rest.
	if a.poller != nil {
		_ = a.poller.Stop(ctx)
	}
	if a.pool != nil {
		_ = a.pool.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}

// ---- operational surface ----

// Submit enqueues a URL, returning its task ID and whether it was new.
func (a *App) Submit(ctx context.Context, url, method string) (int64, bool, error) {
	return a.tasks.Submit(ctx, url, method)
}

// RegisterFeed adds a feed URL to the poll set.
func (a *App) RegisterFeed(ctx context.Context, url string) (int64, bool, error) {
	return a.feeds.Register(ctx, url)
}

// PollFeedsNow runs one poll cycle outside the schedule.
func (a *App) PollFeedsNow(ctx context.Context) error {
	return a.poller.PollOnce(ctx)
}

func (a *App) Pause()  { a.pool.Pause() }
func (a *App) Resume() { a.pool.Resume() }

// Stats reports queue depth per state plus live worker numbers.
func (a *App) Stats(ctx context.Context) (map[queue.Status]int, error) {
	out := make(map[queue.Status]int, 4)
	for _, st := range []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed} {
		n, err := a.tasks.CountByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}

func (a *App) ActiveWorkers() int { return a.pool.Active() }
func (a *App) WorkerTarget() int  { return a.gov.Target() }

func (a *App) ListTasks(ctx context.Context, status queue.Status) ([]queue.Task, error) {
	return a.tasks.ListByStatus(ctx, status)
}

func (a *App) ClearFailed(ctx context.Context) (int64, error) {
	return a.tasks.ClearFailed(ctx)
}

func (a *App) RetryAllFailed(ctx context.Context) (int64, error) {
	return a.tasks.RetryAllFailed(ctx)
}
