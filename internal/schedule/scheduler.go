package schedule

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

// ErrStalled signals the run health check tripped: repeated batches
// came back empty despite uncovered windows. Aborts the current
// scheduling run only; the fingerprint store and coverage set survive
// for the next explicit trigger.
var ErrStalled = errors.New("scheduler stalled")

// ErrExhausted signals no uncovered windows with unclassified items
// remain. Normal run termination.
var ErrExhausted = errors.New("no schedulable items remain")

// Config holds scheduler limits.
type Config struct {
	// MaxBatchSize bounds items per batch.
	MaxBatchSize int
	// MaxBatchesPerRun bounds how many batches one run dispatches.
	MaxBatchesPerRun int
	// MaxEmptyBatches is how many consecutive empty selections trip
	// the stall health check.
	MaxEmptyBatches int
}

// DefaultConfig returns the default scheduler limits.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     20,
		MaxBatchesPerRun: 25,
		MaxEmptyBatches:  3,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return errors.New("max batch size must be positive")
	}
	if c.MaxBatchesPerRun < 1 {
		return errors.New("max batches per run must be positive")
	}
	if c.MaxEmptyBatches < 1 {
		return errors.New("max empty batches must be positive")
	}
	return nil
}

// Scheduler emits batches of unclassified items. Each container's
// scroll extent is one coverage window; a window is covered
// optimistically at dispatch and terminally retired once the batch's
// instructions apply.
type Scheduler struct {
	config   Config
	store    *fingerprint.Store
	coverage *CoverageSet
	logger   logger.Interface

	mu sync.Mutex
	// dispatched maps batch window keys to their member windows so
	// completion and failure settle the right coverage entries.
	dispatched map[string][]string
	batchSeq   int
	// failedRuns counts consecutive batch failures; the stall health
	// check trips when it reaches MaxEmptyBatches.
	failedRuns int
}

// NewScheduler creates a scheduler bound to a fingerprint store and
// coverage set.
func NewScheduler(config Config, store *fingerprint.Store, coverage *CoverageSet, log logger.Interface) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Scheduler{
		config:     config,
		store:      store,
		coverage:   coverage,
		logger:     log.WithComponent("schedule"),
		dispatched: make(map[string][]string),
	}, nil
}

// Config returns the scheduler limits.
func (s *Scheduler) Config() Config { return s.config }

// candidate pairs a container with its viewport placement.
type candidate struct {
	container domain.Container
	items     []domain.Item
	placement hosttree.Placement
}

// NextBatch selects the next batch of unclassified items.
// Viewport-visible items always form priority-0 batches; then items
// beyond the viewport in the scroll direction, nearest first; then a
// comprehensive sweep of any remaining uncovered window regardless of
// direction. Returns ErrExhausted when nothing remains and ErrStalled
// when the health check trips.
func (s *Scheduler) NextBatch(tree hosttree.Tree, containers []domain.Container, direction hosttree.ScrollDirection, maxBatchSize int) (domain.Batch, error) {
	if maxBatchSize <= 0 || maxBatchSize > s.config.MaxBatchSize {
		maxBatchSize = s.config.MaxBatchSize
	}

	s.mu.Lock()
	if s.failedRuns >= s.config.MaxEmptyBatches {
		// Abort this run only; coverage and fingerprints survive for
		// the next explicit trigger.
		s.failedRuns = 0
		s.mu.Unlock()
		s.logger.Error("run health check tripped",
			"consecutive_failures", s.config.MaxEmptyBatches,
		)
		return domain.Batch{}, ErrStalled
	}
	s.mu.Unlock()

	candidates := s.collect(tree, containers)
	if len(candidates) == 0 {
		return domain.Batch{}, ErrExhausted
	}

	selected := selectViewport(candidates)
	if len(selected) == 0 {
		selected = selectDirectional(candidates, direction)
	}
	if len(selected) == 0 {
		// Fallback sweep: direction reversals must not starve windows
		// behind the viewport.
		selected = selectComprehensive(candidates)
	}

	if len(selected) == 0 {
		return domain.Batch{}, ErrExhausted
	}

	batch := s.assemble(selected, maxBatchSize)
	return batch, nil
}

// OnBatchApplied terminally retires the batch's windows.
func (s *Scheduler) OnBatchApplied(windowKey string) {
	s.mu.Lock()
	windows := s.dispatched[windowKey]
	delete(s.dispatched, windowKey)
	s.failedRuns = 0
	s.mu.Unlock()

	for _, w := range windows {
		s.coverage.Retire(w)
	}
}

// OnBatchFailed un-retires the batch's windows so the next run
// revisits them.
func (s *Scheduler) OnBatchFailed(windowKey string) {
	s.mu.Lock()
	windows := s.dispatched[windowKey]
	delete(s.dispatched, windowKey)
	s.failedRuns++
	s.mu.Unlock()

	for _, w := range windows {
		s.coverage.Unretire(w)
	}
	s.logger.Warn("batch failed, windows uncovered",
		"batch", windowKey,
		"windows", len(windows),
	)
}

// collect filters containers down to uncovered windows holding
// unclassified items, retiring windows with nothing left to judge.
func (s *Scheduler) collect(tree hosttree.Tree, containers []domain.Container) []candidate {
	var out []candidate
	for i := range containers {
		c := containers[i]
		window := windowFor(&c)
		if s.coverage.Covered(window) {
			continue
		}

		var pending []domain.Item
		for _, item := range c.ClassifiableItems() {
			if s.store.Register(&item) == fingerprint.StatusUnclassified {
				pending = append(pending, item)
			}
		}
		if len(pending) == 0 {
			// Known to hold nothing unclassified: terminal retirement.
			s.coverage.Retire(window)
			continue
		}

		placement, ok := tree.Place(hosttree.NodeRef(c.LocationRef))
		if !ok {
			// Container root detached mid-cycle; skip this run.
			continue
		}
		out = append(out, candidate{container: c, items: pending, placement: placement})
	}
	return out
}

// selectViewport picks candidates intersecting the viewport.
func selectViewport(candidates []candidate) []candidate {
	var out []candidate
	for _, c := range candidates {
		if c.placement.Position == hosttree.PositionWithin {
			out = append(out, c)
		}
	}
	return out
}

// selectDirectional picks candidates beyond the viewport in the
// scroll direction, nearest first.
func selectDirectional(candidates []candidate, direction hosttree.ScrollDirection) []candidate {
	want := hosttree.PositionBelow
	if direction == hosttree.ScrollUp {
		want = hosttree.PositionAbove
	}

	var out []candidate
	for _, c := range candidates {
		if c.placement.Position == want {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].placement.Distance < out[j].placement.Distance
	})
	return out
}

// selectComprehensive picks all remaining candidates, nearest to the
// viewport first.
func selectComprehensive(candidates []candidate) []candidate {
	out := append([]candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].placement.Distance < out[j].placement.Distance
	})
	return out
}

// assemble builds a batch from selected candidates up to the size
// limit and optimistically covers the member windows.
func (s *Scheduler) assemble(selected []candidate, maxBatchSize int) domain.Batch {
	s.mu.Lock()
	s.batchSeq++
	key := fmt.Sprintf("b%d", s.batchSeq)
	s.mu.Unlock()

	batch := domain.Batch{WindowKey: key}
	var windows []string
	remaining := maxBatchSize

	for _, c := range selected {
		if remaining <= 0 {
			break
		}
		items := c.items
		if len(items) > remaining {
			items = items[:remaining]
		}
		remaining -= len(items)

		bc := c.container
		bc.Items = items
		batch.Containers = append(batch.Containers, bc)

		// A window is covered only when the batch carries all of its
		// pending items; a size-limited partial drain leaves the window
		// open for the next batch.
		if len(items) == len(c.items) {
			windows = append(windows, windowFor(&c.container))
		}
	}

	s.mu.Lock()
	s.dispatched[key] = windows
	s.mu.Unlock()

	for _, w := range windows {
		s.coverage.MarkDispatched(w)
	}

	s.logger.Debug("batch assembled",
		"batch", batch.WindowKey,
		"items", batch.ItemCount(),
		"windows", len(windows),
	)
	return batch
}

// windowFor derives a container's coverage window key.
func windowFor(c *domain.Container) string {
	return "w:" + c.ID
}
