package domain

import (
	"sort"
	"strings"
)

// RuleSet holds the active allow and block rules for a page.
type RuleSet struct {
	Allow []string `json:"allow"`
	Block []string `json:"block"`
}

// IsEmpty returns true if the rule set has no rules at all.
func (r RuleSet) IsEmpty() bool {
	return len(r.Allow) == 0 && len(r.Block) == 0
}

// Generation returns a stable key for the rule configuration.
// Coverage entries computed under one generation are invalid under
// another.
func (r RuleSet) Generation() string {
	allow := append([]string(nil), r.Allow...)
	block := append([]string(nil), r.Block...)
	sort.Strings(allow)
	sort.Strings(block)

	var b strings.Builder
	b.WriteString("allow:")
	b.WriteString(strings.Join(allow, ","))
	b.WriteString("|block:")
	b.WriteString(strings.Join(block, ","))
	return b.String()
}

// HidingMethod selects how hidden items are removed from view.
type HidingMethod string

const (
	// HideMethodRemove detaches the item from the tree.
	HideMethodRemove HidingMethod = "remove"

	// HideMethodCollapse collapses the item to zero size.
	HideMethodCollapse HidingMethod = "collapse"

	// HideMethodOpacity fades the item out but keeps its layout box.
	HideMethodOpacity HidingMethod = "opacity"
)

// IsValid returns true if the hiding method is a known value.
func (m HidingMethod) IsValid() bool {
	return m == HideMethodRemove || m == HideMethodCollapse || m == HideMethodOpacity
}

// Provenance records whether an item was hidden by an always-on rule
// or by dynamic remote classification.
type Provenance string

const (
	// ProvenanceAuto marks items hidden by an always-on block rule.
	// Auto-hidden items are never reconsidered within a page lifetime.
	ProvenanceAuto Provenance = "auto"

	// ProvenanceClassified marks items hidden by a classifier verdict.
	ProvenanceClassified Provenance = "classified"
)
