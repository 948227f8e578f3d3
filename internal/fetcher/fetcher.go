// Package fetcher dispatches leased tasks to a fetch backend.
//
// The scheduling core treats the actual fetch as an external collaborator:
// given a task it returns a result file path or fails with a human-readable
// message. This package picks the backend once per task from the task's
// method hint and URL scheme.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"fetchd/internal/queue"
)

// Strategy selects a fetch backend for a task.
type Strategy string

const (
	StrategyGeneric Strategy = "generic"
	StrategyFile    Strategy = "file"
	StrategyMagnet  Strategy = "magnet"
)

// Fetcher retrieves the content behind a task and returns the path of the
// resulting file. The call may block for an unbounded duration; only the
// backend's own timeouts apply.
type Fetcher interface {
	Fetch(ctx context.Context, t queue.Task) (string, error)
}

// Resolve maps a task to its strategy: a magnet URL always wins, then the
// explicit "file" method hint, then generic.
func Resolve(t queue.Task) Strategy {
	u, err := url.Parse(strings.TrimSpace(t.URL))
	if err == nil && strings.EqualFold(u.Scheme, "magnet") {
		return StrategyMagnet
	}
	if t.Method == queue.MethodFile {
		return StrategyFile
	}
	return StrategyGeneric
}

// Dispatcher routes tasks to the Fetcher registered for their strategy.
type Dispatcher struct {
	strategies map[Strategy]Fetcher
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{strategies: make(map[Strategy]Fetcher)}
}

// Register installs a backend for a strategy, replacing any previous one.
func (d *Dispatcher) Register(s Strategy, f Fetcher) {
	d.strategies[s] = f
}

// Fetch resolves the task's strategy and delegates to its backend. A missing
// backend is a permanent failure: retrying cannot make one appear.
func (d *Dispatcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	s := Resolve(t)
	f := d.strategies[s]
	if f == nil {
		return "", fmt.Errorf("no fetcher configured for %s urls", s)
	}
	return f.Fetch(ctx, t)
}
