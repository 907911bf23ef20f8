// Package mutation batches raw tree-change notifications into
// coherent change sets for the container detector. The host observer
// fires for every node insertion; the coalescer absorbs bursts behind
// a quiet window so one re-render triggers one rescan.
package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

const (
	// defaultQuietWindow is how long the tree must stay quiet before a
	// change set is emitted.
	defaultQuietWindow = 150 * time.Millisecond

	// defaultBufferSize bounds the raw mutation channel. Overflow
	// degrades to a comprehensive rescan instead of blocking the
	// producer.
	defaultBufferSize = 256

	// maxRootsPerSet caps per-set root tracking; beyond it the set is
	// promoted to comprehensive anyway.
	maxRootsPerSet = 64
)

// ChangeSet describes what changed since the last emission.
type ChangeSet struct {
	// Roots are refs of subtrees with added nodes, deduplicated.
	Roots []hosttree.NodeRef
	// RemovedRoots are refs of subtrees that left the tree.
	RemovedRoots []hosttree.NodeRef
	// Comprehensive requests a full rescan: set on buffer overflow or
	// when too many distinct roots changed to scan incrementally.
	Comprehensive bool
	// FirstAt and LastAt bound the mutations in the set.
	FirstAt time.Time
	LastAt  time.Time
}

// Coalescer consumes raw mutations and emits change sets.
type Coalescer struct {
	in     chan hosttree.Mutation
	out    chan ChangeSet
	quiet  time.Duration
	logger logger.Interface

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	dropped int64
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithQuietWindow overrides the quiet window.
func WithQuietWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.quiet = d
		}
	}
}

// WithBufferSize overrides the input buffer size.
func WithBufferSize(n int) Option {
	return func(c *Coalescer) {
		if n > 0 {
			c.in = make(chan hosttree.Mutation, n)
		}
	}
}

// NewCoalescer creates a coalescer. Call Start before Observe.
func NewCoalescer(log logger.Interface, opts ...Option) *Coalescer {
	c := &Coalescer{
		in:     make(chan hosttree.Mutation, defaultBufferSize),
		out:    make(chan ChangeSet, 1),
		quiet:  defaultQuietWindow,
		logger: log.WithComponent("mutation"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe feeds one raw mutation. Never blocks: when the buffer is
// full the mutation is dropped and the next change set is promoted to
// comprehensive, so nothing is missed, only batched coarser.
func (c *Coalescer) Observe(m hosttree.Mutation) {
	select {
	case c.in <- m:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Changes returns the change set channel. The subscriber owns the
// subscription and releases it by calling Stop.
func (c *Coalescer) Changes() <-chan ChangeSet {
	return c.out
}

// Start begins the coalescing loop.
func (c *Coalescer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop terminates the loop and closes the change channel.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
	<-c.doneCh
}

// DroppedCount returns how many raw mutations overflowed the buffer.
func (c *Coalescer) DroppedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// loop accumulates mutations until the quiet window elapses, then
// emits one change set.
func (c *Coalescer) loop(ctx context.Context) {
	defer close(c.doneCh)
	defer close(c.out)

	var (
		pending ChangeSet
		seen    = make(map[hosttree.NodeRef]struct{})
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	reset := func() {
		pending = ChangeSet{}
		seen = make(map[hosttree.NodeRef]struct{})
		timerC = nil
	}

	emit := func() {
		c.mu.Lock()
		if c.dropped > 0 {
			pending.Comprehensive = true
			c.dropped = 0
		}
		c.mu.Unlock()

		if len(pending.Roots) > maxRootsPerSet {
			pending.Comprehensive = true
			pending.Roots = nil
		}

		select {
		case c.out <- pending:
		case <-ctx.Done():
		case <-c.stopCh:
		}
		reset()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case m := <-c.in:
			c.absorb(&pending, seen, m)
			if timer == nil {
				timer = time.NewTimer(c.quiet)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.quiet)
			}
			timerC = timer.C
		case <-timerC:
			emit()
		}
	}
}

// absorb folds one mutation into the pending change set.
func (c *Coalescer) absorb(pending *ChangeSet, seen map[hosttree.NodeRef]struct{}, m hosttree.Mutation) {
	if pending.FirstAt.IsZero() {
		pending.FirstAt = m.Timestamp
	}
	pending.LastAt = m.Timestamp

	for _, ref := range m.Added {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		pending.Roots = append(pending.Roots, ref)
	}
	for _, ref := range m.Removed {
		key := hosttree.NodeRef("removed:" + string(ref))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pending.RemovedRoots = append(pending.RemovedRoots, ref)
	}
}
