// Package hosttree defines the boundary between the engine and the
// host content tree. The engine never renders or mutates visuals
// itself; it reads structure through Tree and requests visibility
// changes through VisibilityApplier.
package hosttree

import (
	"time"

	"github.com/sifthq/sift/internal/domain"
)

// NodeRef is an opaque handle to a node in the host tree. Refs stay
// valid while the node remains attached.
type NodeRef string

// Node is read access to one node of the host content tree.
type Node interface {
	// Ref returns the node's opaque handle.
	Ref() NodeRef
	// Tag returns the node's element tag, lowercased.
	Tag() string
	// Text returns the node's visible text content.
	Text() string
	// StructuralKey returns a shape descriptor (tag plus class hints)
	// used to group structurally similar siblings.
	StructuralKey() string
	// Path returns the structural path from the root, used as
	// signature input and as a stable location descriptor.
	Path() string
	// Children returns the node's element children in order.
	Children() []Node
}

// Placement locates a node relative to the viewport.
type Placement struct {
	Position ViewportPosition
	// Distance is the number of top-level blocks between the node and
	// the nearest viewport edge. Zero when Position is within.
	Distance int
}

// ViewportPosition classifies a node against the current viewport.
type ViewportPosition int

const (
	// PositionWithin means the node intersects the viewport.
	PositionWithin ViewportPosition = iota

	// PositionAbove means the node is before the viewport in scroll order.
	PositionAbove

	// PositionBelow means the node is after the viewport in scroll order.
	PositionBelow
)

// String returns the string representation of a viewport position.
func (p ViewportPosition) String() string {
	switch p {
	case PositionWithin:
		return "within"
	case PositionAbove:
		return "above"
	case PositionBelow:
		return "below"
	default:
		return "unknown"
	}
}

// ScrollDirection is the user's current scroll direction.
type ScrollDirection int

const (
	// ScrollDown means content below the viewport approaches next.
	ScrollDown ScrollDirection = iota

	// ScrollUp means content above the viewport approaches next.
	ScrollUp
)

// String returns the string representation of a scroll direction.
func (d ScrollDirection) String() string {
	if d == ScrollUp {
		return "up"
	}
	return "down"
}

// Tree is read access to the host content tree.
type Tree interface {
	// Root returns the document root.
	Root() Node
	// Find resolves a ref to its node. Returns false when the node
	// has left the tree.
	Find(ref NodeRef) (Node, bool)
	// Attached reports whether the ref still resolves to a live node.
	Attached(ref NodeRef) bool
	// Place locates a node relative to the viewport.
	Place(ref NodeRef) (Placement, bool)
}

// Mutation is one raw change notification from the host tree
// observer. The engine treats this purely as an input stream.
type Mutation struct {
	Added     []NodeRef
	Removed   []NodeRef
	Timestamp time.Time
}

// VisibilityApplier is the host visual mutation primitive. The engine
// calls this and never implements rendering itself.
type VisibilityApplier interface {
	// Apply shows or hides the item using the given method.
	Apply(ref NodeRef, hidden bool, method domain.HidingMethod) error
	// Mark sets a persistent per-item marker on the host node,
	// surviving engine restarts within the page lifetime.
	Mark(ref NodeRef, hidden bool) error
	// MarkedHidden returns refs of all nodes carrying the hidden
	// marker. Used to re-derive stale preview sets.
	MarkedHidden() []NodeRef
}
