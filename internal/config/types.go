package config

import (
	"fmt"
	"time"
)

// Config is the on-disk configuration.
//
// Durations are strings in time.ParseDuration syntax ("30s", "5m"). Fields
// left empty fall back to the defaults applied by Normalize.
type Config struct {
	Log      LogConfig      `json:"log"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Workers  WorkersConfig  `json:"workers"`
	Governor GovernorConfig `json:"governor"`
	Feeds    FeedsConfig    `json:"feeds"`
	Fetch    FetchConfig    `json:"fetch"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
	File    string `json:"file"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type QueueConfig struct {
	MaxRetries int    `json:"max_retries"`
	BaseDelay  string `json:"base_delay"`
}

type WorkersConfig struct {
	DownloadDir string  `json:"download_dir"`
	MinFreeGB   float64 `json:"min_free_gb"`
	IdleSleep   string  `json:"idle_sleep"`
}

type GovernorConfig struct {
	MinWorkers    int     `json:"min_workers"`
	MaxWorkers    int     `json:"max_workers"`
	CPUThreshold  float64 `json:"cpu_threshold"`
	DiskThreshold float64 `json:"disk_threshold"`
	Interval      string  `json:"interval"`
}

type FeedsConfig struct {
	Interval        string   `json:"interval"`
	MaxItemsPerPoll int      `json:"max_items_per_poll"`
	FetchTimeout    string   `json:"fetch_timeout"`
	FetchesPerSec   float64  `json:"fetches_per_sec"`
	URLs            []string `json:"urls"`
}

type FetchConfig struct {
	FileTimeout string   `json:"file_timeout"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
}

// Normalize fills defaults in place. Call before Validate.
func (c *Config) Normalize() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Console == nil {
		on := true
		c.Log.Console = &on
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/fetchd.db"
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = "5s"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseDelay == "" {
		c.Queue.BaseDelay = "1m"
	}
	if c.Workers.DownloadDir == "" {
		c.Workers.DownloadDir = "./downloads"
	}
	if c.Workers.MinFreeGB == 0 {
		c.Workers.MinFreeGB = 10
	}
	if c.Governor.MinWorkers == 0 {
		c.Governor.MinWorkers = 1
	}
	if c.Governor.MaxWorkers == 0 {
		c.Governor.MaxWorkers = 3
	}
	if c.Governor.CPUThreshold == 0 {
		c.Governor.CPUThreshold = 85
	}
	if c.Governor.DiskThreshold == 0 {
		c.Governor.DiskThreshold = 90
	}
	if c.Governor.Interval == "" {
		c.Governor.Interval = "5s"
	}
	if c.Feeds.Interval == "" {
		c.Feeds.Interval = "5m"
	}
	if c.Feeds.MaxItemsPerPoll == 0 {
		c.Feeds.MaxItemsPerPoll = 5
	}
	if c.Feeds.FetchTimeout == "" {
		c.Feeds.FetchTimeout = "20s"
	}
	if c.Feeds.FetchesPerSec == 0 {
		c.Feeds.FetchesPerSec = 1
	}
	if c.Fetch.FileTimeout == "" {
		c.Fetch.FileTimeout = "10m"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries: must be >= 1")
	}
	if _, err := ParseDurationField("queue.base_delay", c.Queue.BaseDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("workers.idle_sleep", c.Workers.IdleSleep); err != nil {
		return err
	}
	if c.Workers.MinFreeGB < 0 {
		return fmt.Errorf("workers.min_free_gb: must be >= 0")
	}
	g := c.Governor
	if g.MinWorkers < 1 || g.MaxWorkers < g.MinWorkers {
		return fmt.Errorf("governor: min_workers must be >= 1 and <= max_workers")
	}
	if g.CPUThreshold <= 0 || g.CPUThreshold > 100 || g.DiskThreshold <= 0 || g.DiskThreshold > 100 {
		return fmt.Errorf("governor: thresholds must be in (0, 100]")
	}
	if _, err := ParseDurationField("governor.interval", g.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("feeds.interval", c.Feeds.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("feeds.fetch_timeout", c.Feeds.FetchTimeout); err != nil {
		return err
	}
	if c.Feeds.MaxItemsPerPoll < 1 {
		return fmt.Errorf("feeds.max_items_per_poll: must be >= 1")
	}
	if _, err := ParseDurationField("fetch.file_timeout", c.Fetch.FileTimeout); err != nil {
		return err
	}
	return nil
}

// Duration returns a pre-validated duration field. Panics on malformed
// input, so callers must Validate first.
func Duration(path, raw string) time.Duration {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		panic(err)
	}
	return d
}
