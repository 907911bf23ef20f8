package reconcile

import (
	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/hosttree"
)

// SetPreview toggles preview mode. On: every engine-hidden item is
// made visible and new hiding is suspended, though state and markers
// keep accruing. Off: the saved set is re-hidden; items whose refs
// detached while previewing are recovered from the tree's persistent
// markers instead. Returns the number of items whose visibility
// changed.
func (e *Engine) SetPreview(on bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if on == e.preview {
		return 0
	}

	if on {
		return e.previewOnLocked()
	}
	return e.previewOffLocked()
}

// PreviewActive reports whether preview mode is on.
func (e *Engine) PreviewActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preview
}

func (e *Engine) previewOnLocked() int {
	e.preview = true
	e.previewHidden = e.previewHidden[:0]
	e.clearStagedLocked()

	shown := 0
	for id, rec := range e.records {
		if rec.state != StateHidden {
			continue
		}
		e.previewHidden = append(e.previewHidden, id)
		ref := hosttree.NodeRef(rec.ref)
		if !e.tree.Attached(ref) {
			continue
		}
		if err := e.applier.Apply(ref, false, e.method); err != nil {
			e.logger.Debug("preview unhide failed", "item_id", id, "error", err)
			continue
		}
		shown++
	}

	e.logger.Info("preview enabled", "shown", shown, "tracked", len(e.previewHidden))
	return shown
}

func (e *Engine) previewOffLocked() int {
	e.preview = false

	hidden := 0
	stale := false
	rehidden := make(map[hosttree.NodeRef]struct{})
	for _, id := range e.previewHidden {
		rec, ok := e.records[id]
		if !ok || rec.state != StateHidden {
			continue
		}
		ref := hosttree.NodeRef(rec.ref)
		if !e.tree.Attached(ref) {
			stale = true
			continue
		}
		if err := e.applier.Apply(ref, true, e.method); err != nil {
			e.logger.Debug("preview re-hide failed", "item_id", id, "error", err)
			continue
		}
		rehidden[ref] = struct{}{}
		hidden++
	}

	// The saved list goes stale when items re-render during preview.
	// The persistent markers survive re-renders, so sweep them too.
	if stale {
		hidden += e.rehideMarkedLocked(rehidden)
	}

	e.previewHidden = nil
	e.logger.Info("preview disabled", "rehidden", hidden)
	return hidden
}

// rehideMarkedLocked re-hides nodes carrying the persistent hidden
// marker that the saved-list pass did not already cover.
func (e *Engine) rehideMarkedLocked(already map[hosttree.NodeRef]struct{}) int {
	hidden := 0
	for _, ref := range e.applier.MarkedHidden() {
		if _, done := already[ref]; done {
			continue
		}
		if !e.tree.Attached(ref) {
			continue
		}
		if err := e.applier.Apply(ref, true, domain.HideMethodCollapse); err != nil {
			continue
		}
		hidden++
	}
	return hidden
}
