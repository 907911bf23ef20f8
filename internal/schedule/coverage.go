// Package schedule orders unclassified items for dispatch:
// viewport-first, then a scroll-direction sweep, with a comprehensive
// fallback that guarantees eventual completion.
package schedule

import (
	"sync"
)

// coverageState tracks a window's progress through a cycle.
type coverageState int

const (
	// coverageOptimistic means a batch for the window was dispatched
	// but its instructions have not been applied yet.
	coverageOptimistic coverageState = iota

	// coverageRetired means the window is terminally done: its batch
	// applied, or it held no unclassified items.
	coverageRetired
)

// CoverageSet is the sparse set of scroll-position windows marked
// processed under the current rule configuration. Entries are valid
// only for the generation they were computed under; a generation
// change invalidates the whole set.
type CoverageSet struct {
	mu         sync.Mutex
	generation string
	windows    map[string]coverageState
}

// NewCoverageSet creates an empty coverage set for a rule generation.
func NewCoverageSet(generation string) *CoverageSet {
	return &CoverageSet{
		generation: generation,
		windows:    make(map[string]coverageState),
	}
}

// SetGeneration switches the active rule generation, wholesale
// invalidating the set when it differs.
func (c *CoverageSet) SetGeneration(generation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation == generation {
		return
	}
	c.generation = generation
	c.windows = make(map[string]coverageState)
}

// Covered reports whether a window is covered (optimistically or
// terminally).
func (c *CoverageSet) Covered(window string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.windows[window]
	return ok
}

// MarkDispatched covers a window optimistically at batch dispatch.
func (c *CoverageSet) MarkDispatched(window string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A retired window never regresses to optimistic.
	if c.windows[window] == coverageRetired {
		return
	}
	c.windows[window] = coverageOptimistic
}

// Retire terminally covers a window once its batch's instructions are
// applied or it is known to contain no unclassified items.
func (c *CoverageSet) Retire(window string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[window] = coverageRetired
}

// Unretire removes a window's coverage after its batch failed so the
// next run revisits it.
func (c *CoverageSet) Unretire(window string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, window)
}

// Len returns the number of covered windows.
func (c *CoverageSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Generation returns the rule generation the set is valid for.
func (c *CoverageSet) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
