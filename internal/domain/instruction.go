package domain

import "errors"

// Action is the classification verdict for one item.
type Action string

const (
	// ActionHide instructs the engine to hide the item.
	ActionHide Action = "hide"

	// ActionKeep instructs the engine to keep the item visible.
	ActionKeep Action = "keep"
)

// IsValid returns true if the action is a known value.
func (a Action) IsValid() bool {
	return a == ActionHide || a == ActionKeep
}

// Instruction is the classification verdict for one item. Produced
// once per classification response, consumed exactly once.
type Instruction struct {
	ItemID string `json:"item_id"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Batch is a scheduled group of unclassified items dispatched together
// for classification. Transient, scoped to one scheduling cycle.
type Batch struct {
	// Items holds references grouped by container.
	Containers []Container `json:"containers"`
	// WindowKey names the scroll window the batch covers.
	WindowKey string `json:"window_key"`
}

// ItemCount returns the total number of items across the batch's
// containers.
func (b *Batch) ItemCount() int {
	count := 0
	for i := range b.Containers {
		count += len(b.Containers[i].Items)
	}
	return count
}

// IsEmpty returns true if the batch carries no items.
func (b *Batch) IsEmpty() bool {
	return b.ItemCount() == 0
}

// ParseAction converts a string to an Action.
func ParseAction(value string) (Action, error) {
	switch value {
	case string(ActionHide):
		return ActionHide, nil
	case string(ActionKeep):
		return ActionKeep, nil
	default:
		return ActionKeep, errors.New("invalid action: must be hide or keep")
	}
}
