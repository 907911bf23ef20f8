package engine

import (
	"fmt"

	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/mutation"
)

// Trigger is a closed command type: exactly one concrete trigger
// exists per independent trigger source feeding the engine. The
// unexported method seals the set so dispatch stays exhaustive.
type Trigger interface {
	triggerKind() string
}

// MutationTrigger requests a rescan after coalesced tree changes.
type MutationTrigger struct {
	Changes mutation.ChangeSet
}

func (MutationTrigger) triggerKind() string { return "mutation" }

// ScrollTrigger requests scheduling of not-yet-covered windows in the
// scroll direction. No re-detection; works from the last known
// containers.
type ScrollTrigger struct {
	Direction hosttree.ScrollDirection
}

func (ScrollTrigger) triggerKind() string { return "scroll" }

// ManualTrigger requests an explicit full re-filter, including the
// periodic drift-correcting rescan.
type ManualTrigger struct{}

func (ManualTrigger) triggerKind() string { return "manual" }

// RuleChangeTrigger reports that the active rules changed. Coverage
// is invalidated wholesale and previously removed items are
// re-evaluated against the new rules.
type RuleChangeTrigger struct{}

func (RuleChangeTrigger) triggerKind() string { return "rule-change" }

// describeTrigger returns the trigger's log label, failing loudly on
// a variant the dispatch switch does not know.
func describeTrigger(t Trigger) (string, error) {
	switch t.(type) {
	case MutationTrigger, ScrollTrigger, ManualTrigger, RuleChangeTrigger:
		return t.triggerKind(), nil
	default:
		return "", fmt.Errorf("unknown trigger type %T", t)
	}
}
