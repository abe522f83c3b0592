// Package pool implements the bounded, lazily constructed controller
// pool: Acquire blocks until a Controller is free or a new one can be
// built under the cap, Release returns it, and Close waits for every
// outstanding instance before tearing each one down.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gmta/mountload/internal/controller"
	"golang.org/x/sync/semaphore"
)

// Factory constructs one Controller, dialing its own Source and
// opening its own metadata connection; only the Target is shared.
type Factory func() (*controller.Controller, error)

// Pool is a bounded allocator of Controllers. Only one goroutine at a
// time may use an acquired Controller; the pool itself is safe for
// concurrent Acquire/Release/Resize/Close calls.
type Pool struct {
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	sem    *semaphore.Weighted
	max    int64
	idle   []*controller.Controller
	closed bool
}

// New creates a pool bounded at max instances, each built lazily on
// first use.
func New(max int, factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		logger:  logger.With("component", "pool"),
		sem:     semaphore.NewWeighted(int64(max)),
		max:     int64(max),
	}
}

// Acquire blocks until either an idle Controller is available or the
// pool has room to build a new one under its cap, then returns
// exclusive use of it.
func (p *Pool) Acquire(ctx context.Context) (*controller.Controller, error) {
	for {
		p.mu.Lock()
		sem := p.sem
		p.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire controller: %w", err)
		}

		p.mu.Lock()
		if p.sem != sem {
			// Resize swapped the semaphore while we waited; our permit
			// belongs to the retired one.
			p.mu.Unlock()
			sem.Release(1)
			continue
		}
		if p.closed {
			p.mu.Unlock()
			sem.Release(1)
			return nil, errors.New("pool is closed")
		}
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		c, err := p.factory()
		if err != nil {
			sem.Release(1)
			return nil, fmt.Errorf("build controller: %w", err)
		}
		return c, nil
	}
}

// Release returns an acquired Controller to the pool for reuse.
func (p *Pool) Release(c *controller.Controller) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := c.Close(); err != nil {
			p.logger.Error("close released controller after pool shutdown", "err", err)
		}
		return
	}
	p.idle = append(p.idle, c)
	sem := p.sem
	p.mu.Unlock()
	sem.Release(1)
}

// Close blocks until every outstanding instance has been returned via
// Release, then closes each idle Controller. Acquire fails on a
// closed pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	sem, max := p.sem, p.max
	p.mu.Unlock()

	if err := sem.Acquire(context.Background(), max); err != nil {
		return fmt.Errorf("drain pool: %w", err)
	}

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	// Hand the permits back so a late Acquire reaches the closed check
	// and fails instead of blocking forever.
	sem.Release(max)

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resize changes the pool's cap to max, the way config.PoolUpdater
// allows pool.max_controllers to be changed without a restart. It
// drains the current semaphore to its full weight (waiting for every
// outstanding Controller to be released) before installing the new
// cap, so an in-flight resize never races an Acquire against the old
// bound.
func (p *Pool) Resize(max int) error {
	p.mu.Lock()
	oldSem, oldMax := p.sem, p.max
	p.mu.Unlock()

	if err := oldSem.Acquire(context.Background(), oldMax); err != nil {
		return fmt.Errorf("drain pool for resize: %w", err)
	}

	p.mu.Lock()
	p.sem = semaphore.NewWeighted(int64(max))
	p.max = int64(max)
	idle := p.idle
	if overflow := len(idle) - max; overflow > 0 && max >= 0 {
		trim := idle[:overflow]
		idle = idle[overflow:]
		p.idle = idle
		p.mu.Unlock()
		for _, c := range trim {
			if err := c.Close(); err != nil {
				p.logger.Error("close trimmed controller after resize", "err", err)
			}
		}
	} else {
		p.mu.Unlock()
	}
	oldSem.Release(oldMax)
	return nil
}
