package runner

import (
	"sync"

	"go.uber.org/multierr"
)

// teardown is the scoped resource guard for one run. Every ticker, listener,
// and background hook a run acquires is registered here, and release detaches
// them all exactly once, in reverse acquisition order, no matter which exit
// path (normal stop, error, or preemption by a new run) triggers it first.
type teardown struct {
	mu       sync.Mutex
	once     sync.Once
	releases []func() error
	err      error
}

func (g *teardown) add(release func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases = append(g.releases, release)
}

func (g *teardown) release() error {
	g.once.Do(func() {
		g.mu.Lock()
		releases := g.releases
		g.releases = nil
		g.mu.Unlock()
		for i := len(releases) - 1; i >= 0; i-- {
			g.err = multierr.Combine(g.err, releases[i]())
		}
	})
	return g.err
}
