package reconcile

import (
	"sync"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

// Delta reports the visible-state change of one Apply call.
type Delta struct {
	Hidden   int
	Unhidden int
}

// IsZero returns true when nothing changed.
func (d Delta) IsZero() bool { return d.Hidden == 0 && d.Unhidden == 0 }

// CountReporter receives hidden/unhidden deltas. Implementations must
// not block; the engine fires and forgets.
type CountReporter interface {
	Report(hidden, unhidden int)
}

// Engine is the reconciliation engine. One logical instance exists
// per page context; many trigger sources feed it, so all state is
// guarded by one mutex.
type Engine struct {
	mu sync.Mutex

	tree    hosttree.Tree
	applier hosttree.VisibilityApplier
	store   *fingerprint.Store
	method  domain.HidingMethod
	counter CountReporter
	logger  logger.Interface

	records map[string]*itemRecord
	// staged holds refs pre-dimmed while their classification call is
	// in flight, so a timeout can clear the visual state.
	staged map[string]hosttree.NodeRef

	cycleID string
	// activeRules is the rule set the current cycle runs under;
	// classified removals snapshot its block rules.
	activeRules domain.RuleSet

	preview bool
	// previewHidden is the in-memory set to re-hide on toggle-off.
	previewHidden []string
}

// NewEngine creates a reconciliation engine.
func NewEngine(tree hosttree.Tree, applier hosttree.VisibilityApplier, store *fingerprint.Store, method domain.HidingMethod, counter CountReporter, log logger.Interface) *Engine {
	if !method.IsValid() {
		method = domain.HideMethodCollapse
	}
	return &Engine{
		tree:    tree,
		applier: applier,
		store:   store,
		method:  method,
		counter: counter,
		logger:  log.WithComponent("reconcile"),
		records: make(map[string]*itemRecord),
		staged:  make(map[string]hosttree.NodeRef),
	}
}

// SetHidingMethod switches the hiding method for future operations.
func (e *Engine) SetHidingMethod(method domain.HidingMethod) {
	if !method.IsValid() {
		return
	}
	e.mu.Lock()
	e.method = method
	e.mu.Unlock()
}

// BeginCycle starts a new reconciliation cycle under the given rule
// set. Instructions tagged with any other cycle id are discarded on
// arrival.
func (e *Engine) BeginCycle(cycleID string, active domain.RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycleID = cycleID
	e.activeRules = domain.RuleSet{
		Allow: append([]string(nil), active.Allow...),
		Block: append([]string(nil), active.Block...),
	}
}

// CurrentCycle returns the active cycle id.
func (e *Engine) CurrentCycle() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleID
}

// MarkPending transitions items to pending-classification ahead of
// dispatch. An item sent for classification is unclassified
// immediately beforehand.
func (e *Engine) MarkPending(items []domain.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range items {
		rec := e.recordLocked(&items[i])
		if err := ValidateTransition(rec.state, StatePending); err != nil {
			continue
		}
		rec.state = StatePending
	}
}

// Stage pre-dims items whose classification call is in flight. The
// brief transition precedes hiding; a timeout clears it instead of
// leaving half-dimmed content.
func (e *Engine) Stage(items []domain.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.preview {
		return
	}
	for i := range items {
		ref := hosttree.NodeRef(items[i].LocationRef)
		if !e.tree.Attached(ref) {
			continue
		}
		if err := e.applier.Apply(ref, true, domain.HideMethodOpacity); err != nil {
			continue
		}
		e.staged[items[i].ID] = ref
	}
}

// ClearStaged restores any pre-dimmed items. Local fallback for
// classification calls pending past the bounded timeout.
func (e *Engine) ClearStaged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearStagedLocked()
}

func (e *Engine) clearStagedLocked() {
	for id, ref := range e.staged {
		if e.tree.Attached(ref) {
			_ = e.applier.Apply(ref, false, domain.HideMethodOpacity)
		}
		delete(e.staged, id)
	}
}

// HideAuto hides an item matched by an always-on block rule, with no
// classifier round trip. Auto provenance is terminal for the page
// lifetime.
func (e *Engine) HideAuto(item *domain.Item, rule string) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.recordLocked(item)
	if rec.state == StateHidden {
		// Re-assert provenance: an auto rule overrides a classified
		// hide but never the other way around.
		rec.provenance = domain.ProvenanceAuto
		return Delta{}
	}
	if err := ValidateTransition(rec.state, StateHidden); err != nil {
		e.logger.Warn("auto hide skipped", "item_id", item.ID, "error", err)
		return Delta{}
	}

	if markErr := e.store.MarkRemoved(item, fingerprint.AutoReason, domain.RuleSet{}); markErr != nil {
		e.logger.Debug("fingerprint transition rejected", "item_id", item.ID, "error", markErr)
	}

	if !e.hideLocked(rec) {
		return Delta{}
	}
	rec.provenance = domain.ProvenanceAuto
	delta := Delta{Hidden: 1}
	e.reportLocked(delta)
	return delta
}

// Apply reconciles a cycle's merged instructions against visible
// state. Applying an identical instruction set twice is a no-op on
// visible state and reported counts. Items considered this cycle but
// omitted from the hide set are unhidden unless their provenance is
// auto. Detached targets are skipped silently.
func (e *Engine) Apply(cycleID string, instructions []domain.Instruction, considered map[string]domain.Item) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cycleID != e.cycleID {
		e.logger.Debug("discarding stale instructions",
			"stale_cycle", cycleID,
			"current_cycle", e.cycleID,
			"count", len(instructions),
		)
		e.clearStagedLocked()
		return Delta{}
	}

	hideSet := make(map[string]struct{})
	for _, in := range instructions {
		if in.Action == domain.ActionHide {
			hideSet[in.ItemID] = struct{}{}
		}
	}

	var delta Delta

	// Unhide pass: engine-hidden items considered this cycle but
	// absent from the hide set come back, unless auto-removed.
	for id, rec := range e.records {
		if _, hidden := hideSet[id]; hidden {
			continue
		}
		if _, inScope := considered[id]; !inScope {
			continue
		}
		if !rec.canUnhide() {
			continue
		}
		ref := hosttree.NodeRef(rec.ref)
		if !e.tree.Attached(ref) {
			continue
		}
		if e.unhideLocked(rec) {
			delta.Unhidden++
		}
	}

	// Hide and keep passes.
	for _, in := range instructions {
		item, ok := considered[in.ItemID]
		if !ok {
			continue
		}
		rec := e.recordLocked(&item)

		switch in.Action {
		case domain.ActionHide:
			if rec.state == StateHidden {
				delete(e.staged, in.ItemID)
				continue
			}
			if err := ValidateTransition(rec.state, StateHidden); err != nil {
				continue
			}
			if markErr := e.store.MarkRemoved(&item, in.Reason, e.activeRules); markErr != nil {
				e.logger.Debug("fingerprint transition rejected", "item_id", item.ID, "error", markErr)
			}
			if e.hideLocked(rec) {
				rec.provenance = domain.ProvenanceClassified
				delta.Hidden++
			}
		case domain.ActionKeep:
			if rec.state == StateKept {
				delete(e.staged, in.ItemID)
				continue
			}
			if err := ValidateTransition(rec.state, StateKept); err != nil {
				continue
			}
			if markErr := e.store.MarkKept(&item); markErr != nil {
				e.logger.Debug("fingerprint transition rejected", "item_id", item.ID, "error", markErr)
			}
			rec.state = StateKept
			e.restoreStagedLocked(in.ItemID)
		}
	}

	// Anything still staged was omitted from the response entirely.
	e.clearStagedLocked()

	e.reportLocked(delta)
	e.logger.Info("instructions applied",
		"cycle", cycleID,
		"hidden", delta.Hidden,
		"unhidden", delta.Unhidden,
		"instructions", len(instructions),
	)
	return delta
}

// HiddenItems returns the ids of all engine-hidden items.
func (e *Engine) HiddenItems() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for id, rec := range e.records {
		if rec.state == StateHidden {
			out = append(out, id)
		}
	}
	return out
}

// DropDetached forgets records whose items left the tree alongside a
// destroyed container.
func (e *Engine) DropDetached() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for id, rec := range e.records {
		if !e.tree.Attached(hosttree.NodeRef(rec.ref)) {
			delete(e.records, id)
			dropped++
		}
	}
	return dropped
}

// recordLocked finds or creates the record for an item.
func (e *Engine) recordLocked(item *domain.Item) *itemRecord {
	rec, ok := e.records[item.ID]
	if !ok {
		rec = &itemRecord{
			itemID:    item.ID,
			ref:       item.LocationRef,
			signature: item.Signature,
			state:     StateUnknown,
		}
		e.records[item.ID] = rec
	}
	// Location can move on re-render; track the latest sighting.
	if item.LocationRef != "" {
		rec.ref = item.LocationRef
	}
	return rec
}

// hideLocked performs the visual hide: brief pre-removal transition,
// then the configured method, then the persistent marker. During
// preview new hiding is suspended; state is recorded and visuals are
// deferred to toggle-off.
func (e *Engine) hideLocked(rec *itemRecord) bool {
	ref := hosttree.NodeRef(rec.ref)
	delete(e.staged, rec.itemID)

	if !e.tree.Attached(ref) {
		// Target left the tree between verdict and apply. Non-fatal.
		e.logger.Debug("hide target detached", "item_id", rec.itemID)
		return false
	}

	rec.state = StateHidden

	if e.preview {
		// Visuals are deferred; the toggle-off pass re-hides from
		// this list (or the markers if it goes stale).
		e.previewHidden = append(e.previewHidden, rec.itemID)
		_ = e.applier.Mark(ref, true)
		return true
	}

	// Pre-removal transition, then the real method.
	if e.method != domain.HideMethodOpacity {
		_ = e.applier.Apply(ref, true, domain.HideMethodOpacity)
	}
	if err := e.applier.Apply(ref, true, e.method); err != nil {
		e.logger.Debug("hide apply failed", "item_id", rec.itemID, "error", err)
		return true
	}
	_ = e.applier.Mark(ref, true)
	return true
}

// unhideLocked restores a hidden item and returns its fingerprint to
// unclassified so the next cycle re-judges it under the current rules.
func (e *Engine) unhideLocked(rec *itemRecord) bool {
	ref := hosttree.NodeRef(rec.ref)

	rec.state = StateKept
	rec.provenance = ""
	e.store.Invalidate(rec.signature)

	if err := e.applier.Apply(ref, false, e.method); err != nil {
		e.logger.Debug("unhide apply failed", "item_id", rec.itemID, "error", err)
	}
	_ = e.applier.Mark(ref, false)
	return true
}

// restoreStagedLocked lifts the pre-dim from a kept item.
func (e *Engine) restoreStagedLocked(itemID string) {
	ref, ok := e.staged[itemID]
	if !ok {
		return
	}
	delete(e.staged, itemID)
	if e.tree.Attached(ref) {
		_ = e.applier.Apply(ref, false, domain.HideMethodOpacity)
	}
}

// reportLocked emits the delta without blocking reconciliation.
func (e *Engine) reportLocked(delta Delta) {
	if delta.IsZero() || e.counter == nil {
		return
	}
	go e.counter.Report(delta.Hidden, delta.Unhidden)
}
