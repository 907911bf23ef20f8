package hosttree

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// refAttr carries each element's stable handle. Assigned once when the
// snapshot is wrapped so refs survive sibling removal.
const refAttr = "data-sift-ref"

// markerAttr is the persistent hidden marker; preview fallback
// re-derives the hidden set from per-item markers.
const markerAttr = "data-sift-hidden"

// styleAttr is where visibility methods are applied.
const styleAttr = "style"

// DocumentTree adapts a goquery document snapshot to the Tree and
// VisibilityApplier seams. The viewport is emulated as a window over
// the body's top-level blocks, which is what scroll position reduces
// to for a static snapshot.
type DocumentTree struct {
	mu   sync.RWMutex
	doc  *goquery.Document
	refs map[NodeRef]*html.Node

	viewportStart int
	viewportEnd   int
}

// NewDocumentTree wraps a parsed document, assigning a stable ref to
// every element node.
func NewDocumentTree(doc *goquery.Document) *DocumentTree {
	t := &DocumentTree{
		doc:  doc,
		refs: make(map[NodeRef]*html.Node),
	}

	counter := 0
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		ref := NodeRef(fmt.Sprintf("n%d", counter))
		counter++
		sel.SetAttr(refAttr, string(ref))
		if len(sel.Nodes) > 0 {
			t.refs[ref] = sel.Nodes[0]
		}
	})

	// Default viewport covers the first few top-level blocks.
	t.viewportEnd = defaultViewportBlocks - 1

	return t
}

// defaultViewportBlocks is how many top-level blocks the emulated
// viewport spans before SetViewport is called.
const defaultViewportBlocks = 3

// SetViewport moves the emulated viewport window over the body's
// top-level block indexes, inclusive.
func (t *DocumentTree) SetViewport(start, end int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	t.viewportStart = start
	t.viewportEnd = end
}

// Root returns the document root node.
func (t *DocumentTree) Root() Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sel := t.doc.Find("body").First()
	if len(sel.Nodes) == 0 {
		sel = t.doc.Selection
	}
	if len(sel.Nodes) == 0 {
		return nil
	}
	return &documentNode{tree: t, node: sel.Nodes[0]}
}

// Find resolves a ref to its node.
func (t *DocumentTree) Find(ref NodeRef) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.lookup(ref)
	if !ok {
		return nil, false
	}
	return &documentNode{tree: t, node: n}, true
}

// Attached reports whether the ref still resolves to a live node.
func (t *DocumentTree) Attached(ref NodeRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.lookup(ref)
	return ok
}

// Place locates a node's top-level block against the viewport window.
func (t *DocumentTree) Place(ref NodeRef) (Placement, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.lookup(ref)
	if !ok {
		return Placement{}, false
	}

	idx := t.topLevelIndex(n)
	if idx < 0 {
		return Placement{Position: PositionWithin}, true
	}

	switch {
	case idx < t.viewportStart:
		return Placement{Position: PositionAbove, Distance: t.viewportStart - idx}, true
	case idx > t.viewportEnd:
		return Placement{Position: PositionBelow, Distance: idx - t.viewportEnd}, true
	default:
		return Placement{Position: PositionWithin}, true
	}
}

// Detach removes a node from the tree. Used by the remove hiding
// method and by tests simulating external removal.
func (t *DocumentTree) Detach(ref NodeRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.lookup(ref)
	if !ok {
		return false
	}

	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	t.pruneRefs(n)
	return true
}

// lookup resolves a ref, dropping entries whose node left the tree.
// Caller holds at least a read lock.
func (t *DocumentTree) lookup(ref NodeRef) (*html.Node, bool) {
	n, ok := t.refs[ref]
	if !ok {
		return nil, false
	}
	if !t.inTree(n) {
		return nil, false
	}
	return n, true
}

// inTree walks parents to confirm the node is still rooted in the
// document.
func (t *DocumentTree) inTree(n *html.Node) bool {
	root := t.doc.Nodes
	if len(root) == 0 {
		return false
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root[0] {
			return true
		}
	}
	return false
}

// pruneRefs drops ref entries for a detached subtree.
func (t *DocumentTree) pruneRefs(n *html.Node) {
	if n.Type == html.ElementNode {
		if ref, ok := nodeAttr(n, refAttr); ok {
			delete(t.refs, NodeRef(ref))
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		t.pruneRefs(c)
	}
}

// topLevelIndex returns the index of the node's outermost ancestor
// among the body's element children, or -1 when outside the body.
func (t *DocumentTree) topLevelIndex(n *html.Node) int {
	body := t.doc.Find("body").First()
	if len(body.Nodes) == 0 {
		return -1
	}
	bodyNode := body.Nodes[0]

	top := n
	for top.Parent != nil && top.Parent != bodyNode {
		top = top.Parent
	}
	if top.Parent != bodyNode {
		return -1
	}

	idx := 0
	for c := bodyNode.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c == top {
			return idx
		}
		idx++
	}
	return -1
}

// documentNode implements Node over an html.Node.
type documentNode struct {
	tree *DocumentTree
	node *html.Node
}

// Ref returns the node's opaque handle.
func (n *documentNode) Ref() NodeRef {
	ref, _ := nodeAttr(n.node, refAttr)
	return NodeRef(ref)
}

// Tag returns the node's element tag, lowercased.
func (n *documentNode) Tag() string {
	return strings.ToLower(n.node.Data)
}

// Text returns the node's visible text content, whitespace-normalized.
func (n *documentNode) Text() string {
	var b strings.Builder
	collectText(n.node, &b)
	return strings.Join(strings.Fields(b.String()), " ")
}

// StructuralKey returns the node's shape descriptor: tag plus sorted
// class tokens. Dynamic suffixes in class names are common on feeds,
// so only the token set matters, not order.
func (n *documentNode) StructuralKey() string {
	classes, _ := nodeAttr(n.node, "class")
	tokens := strings.Fields(classes)
	sort.Strings(tokens)
	if len(tokens) == 0 {
		return n.Tag()
	}
	return n.Tag() + "." + strings.Join(tokens, ".")
}

// Path returns the structural path from the document root.
func (n *documentNode) Path() string {
	var parts []string
	for cur := n.node; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		parts = append(parts, fmt.Sprintf("%s[%d]", strings.ToLower(cur.Data), siblingIndex(cur)))
	}
	// Reverse into root-first order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Children returns the node's element children in order.
func (n *documentNode) Children() []Node {
	var out []Node
	for c := n.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		out = append(out, &documentNode{tree: n.tree, node: c})
	}
	return out
}

// siblingIndex returns the node's index among element siblings.
func siblingIndex(n *html.Node) int {
	idx := 0
	for c := n.PrevSibling; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode {
			idx++
		}
	}
	return idx
}

// collectText appends the text content of a subtree.
func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	// Script and style bodies are not visible text.
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// nodeAttr reads an attribute from an html.Node.
func nodeAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
