package hosttree

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/sifthq/sift/internal/domain"
)

// Style values for the non-destructive hiding methods.
const (
	styleCollapse = "display:none"
	styleOpacity  = "opacity:0"
)

// DocumentApplier applies visibility changes to a DocumentTree. It is
// the snapshot-backed implementation of the host visual mutation
// primitive.
type DocumentApplier struct {
	tree *DocumentTree
}

// NewDocumentApplier creates an applier bound to a tree.
func NewDocumentApplier(tree *DocumentTree) *DocumentApplier {
	return &DocumentApplier{tree: tree}
}

// Apply shows or hides the item using the given method.
func (a *DocumentApplier) Apply(ref NodeRef, hidden bool, method domain.HidingMethod) error {
	if !method.IsValid() {
		return fmt.Errorf("unknown hiding method: %s", method)
	}

	if method == domain.HideMethodRemove {
		if !hidden {
			// Detached nodes cannot be restored; unhide under the
			// remove method is resolved through markers upstream.
			return nil
		}
		if !a.tree.Detach(ref) {
			return fmt.Errorf("node not attached: %s", ref)
		}
		return nil
	}

	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	n, ok := a.tree.lookup(ref)
	if !ok {
		return fmt.Errorf("node not attached: %s", ref)
	}

	if !hidden {
		removeNodeAttr(n, styleAttr)
		return nil
	}

	style := styleCollapse
	if method == domain.HideMethodOpacity {
		style = styleOpacity
	}
	setNodeAttr(n, styleAttr, style)
	return nil
}

// Mark sets or clears the persistent hidden marker on the host node.
func (a *DocumentApplier) Mark(ref NodeRef, hidden bool) error {
	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	n, ok := a.tree.lookup(ref)
	if !ok {
		return fmt.Errorf("node not attached: %s", ref)
	}

	if hidden {
		setNodeAttr(n, markerAttr, "1")
	} else {
		removeNodeAttr(n, markerAttr)
	}
	return nil
}

// MarkedHidden returns refs of all nodes carrying the hidden marker.
func (a *DocumentApplier) MarkedHidden() []NodeRef {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()

	var out []NodeRef
	for ref, n := range a.tree.refs {
		if !a.tree.inTree(n) {
			continue
		}
		if _, ok := nodeAttr(n, markerAttr); ok {
			out = append(out, ref)
		}
	}
	return out
}

// setNodeAttr sets an attribute on an html.Node, replacing any
// existing value.
func setNodeAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// removeNodeAttr removes an attribute from an html.Node.
func removeNodeAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}
