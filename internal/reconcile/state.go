// Package reconcile applies merged classification instructions to
// visible state. It owns idempotence and provenance rules and the
// reversible preview side-state.
package reconcile

import (
	"fmt"

	"github.com/sifthq/sift/internal/domain"
)

// ItemState is one item's position in the reconciliation state
// machine.
type ItemState string

const (
	StateUnknown ItemState = "unknown"
	StatePending ItemState = "pending-classification"
	StateKept    ItemState = "kept"
	StateHidden  ItemState = "hidden"
)

// validTransitions encodes the per-item state machine.
var validTransitions = map[ItemState][]ItemState{
	StateUnknown: {
		StatePending, // dispatched for classification
		StateHidden,  // auto rule hit, no classifier round trip
	},
	StatePending: {
		StateKept,   // classifier verdict: keep
		StateHidden, // classifier verdict: hide, or auto rule hit
	},
	StateKept: {
		StatePending, // rule change queued a re-classification
		StateHidden,  // auto rule hit on a previously kept item
	},
	StateHidden: {
		StateKept, // unhide: omitted from a later instruction set
	},
}

// ValidateTransition checks if an item state transition is allowed.
func ValidateTransition(from, to ItemState) error {
	if from == to {
		return nil
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %s to %s", from, to)
}

// itemRecord is the engine's bookkeeping for one item.
type itemRecord struct {
	itemID     string
	ref        string
	signature  uint64
	state      ItemState
	provenance domain.Provenance
}

// canUnhide reports whether the record may be unhidden when omitted
// from an instruction set. Auto-removed items are never reconsidered
// within a page lifetime.
func (r *itemRecord) canUnhide() bool {
	return r.state == StateHidden && r.provenance != domain.ProvenanceAuto
}
