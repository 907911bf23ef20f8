// Package detect finds repeating sibling groups ("containers") and
// their child items in the host content tree.
package detect

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

// Mode selects the scan strategy.
type Mode int

const (
	// ModeIncremental restricts the scan to subtrees near recently
	// changed nodes. Low latency; may miss large reshuffles.
	ModeIncremental Mode = iota

	// ModeComprehensive rescans the full tree. Used periodically to
	// correct drift.
	ModeComprehensive
)

// String returns the string representation of a scan mode.
func (m Mode) String() string {
	if m == ModeComprehensive {
		return "comprehensive"
	}
	return "incremental"
}

// ErrMalformedSubtree marks a subtree the detector could not walk.
// Logged and skipped; never fatal.
var ErrMalformedSubtree = errors.New("malformed subtree")

// Config holds detector thresholds.
type Config struct {
	// MinChildren is the smallest sibling group treated as a container.
	MinChildren int
	// MinTextLength is the shortest item text eligible for
	// classification. Shorter items stay in the container structurally.
	MinTextLength int
	// ContainerExcerptLen bounds the container text excerpt.
	ContainerExcerptLen int
	// ItemExcerptLen bounds each item text excerpt.
	ItemExcerptLen int
}

// DefaultConfig returns the default detector thresholds.
func DefaultConfig() Config {
	return Config{
		MinChildren:         3,
		MinTextLength:       4,
		ContainerExcerptLen: 500,
		ItemExcerptLen:      50,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.MinChildren < 2 {
		return errors.New("min children must be at least 2")
	}
	if c.MinTextLength < 1 {
		return errors.New("min text length must be positive")
	}
	return nil
}

// Detector finds containers. Deterministic given identical tree state
// and configuration. Container identity persists across scans through
// the structural registry.
type Detector struct {
	config Config
	logger logger.Interface

	mu sync.Mutex
	// registry maps a container's structural identity to its stable ID
	// so re-scans refresh containers instead of recreating them.
	registry map[string]string
	// locations maps container ID to its last known root ref.
	locations map[string]hosttree.NodeRef
	counter   int
}

// NewDetector creates a detector.
func NewDetector(config Config, log logger.Interface) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Detector{
		config:    config,
		logger:    log.WithComponent("detect"),
		registry:  make(map[string]string),
		locations: make(map[string]hosttree.NodeRef),
	}, nil
}

// Detect scans the tree and returns the containers found. In
// incremental mode only subtrees rooted at roots are visited; a nil or
// empty roots list degrades to a comprehensive scan.
func (d *Detector) Detect(tree hosttree.Tree, mode Mode, roots []hosttree.NodeRef) []domain.Container {
	start := time.Now()

	var scanRoots []hosttree.Node
	if mode == ModeIncremental && len(roots) > 0 {
		for _, ref := range roots {
			node, ok := tree.Find(ref)
			if !ok {
				// Subtree left the tree between mutation and scan.
				d.logger.Debug("skipping detached scan root", "ref", string(ref))
				continue
			}
			scanRoots = append(scanRoots, node)
		}
	} else {
		root := tree.Root()
		if root == nil {
			d.logger.Warn("scan skipped", "error", ErrMalformedSubtree)
			return nil
		}
		scanRoots = []hosttree.Node{root}
	}

	var containers []domain.Container
	seen := make(map[string]struct{})
	for _, node := range scanRoots {
		containers = append(containers, d.walk(node, seen)...)
	}

	d.logger.Debug("scan complete",
		"mode", mode.String(),
		"containers", len(containers),
		"duration", time.Since(start),
	)
	return containers
}

// DropContainer forgets a destroyed container's identity. Returns the
// container's last known root ref.
func (d *Detector) DropContainer(containerID string) (hosttree.NodeRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ref, ok := d.locations[containerID]
	if !ok {
		return "", false
	}
	delete(d.locations, containerID)
	for key, id := range d.registry {
		if id == containerID {
			delete(d.registry, key)
			break
		}
	}
	return ref, true
}

// KnownContainers returns the IDs and last known root refs of all
// registered containers.
func (d *Detector) KnownContainers() map[string]hosttree.NodeRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]hosttree.NodeRef, len(d.locations))
	for id, ref := range d.locations {
		out[id] = ref
	}
	return out
}

// walk descends the subtree looking for repeating sibling groups.
// Once a node forms a container its items are not descended into, so
// nested duplicates never appear.
func (d *Detector) walk(node hosttree.Node, seen map[string]struct{}) []domain.Container {
	var out []domain.Container

	container, ok := d.tryContainer(node)
	if ok {
		if _, dup := seen[container.ID]; !dup {
			seen[container.ID] = struct{}{}
			out = append(out, container)
		}
		return out
	}

	for _, child := range node.Children() {
		out = append(out, d.walk(child, seen)...)
	}
	return out
}

// tryContainer checks whether a node's children form a repeating
// sibling group of sufficient size.
func (d *Detector) tryContainer(node hosttree.Node) (domain.Container, bool) {
	children := node.Children()
	if len(children) < d.config.MinChildren {
		return domain.Container{}, false
	}

	// Group children by structural shape; the dominant group decides.
	groups := make(map[string][]hosttree.Node)
	order := make([]string, 0, len(children))
	for _, child := range children {
		key := child.StructuralKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], child)
	}

	// First-seen key wins ties so detection stays deterministic.
	bestKey := ""
	bestLen := 0
	for _, key := range order {
		if len(groups[key]) > bestLen {
			bestKey = key
			bestLen = len(groups[key])
		}
	}

	if bestLen < d.config.MinChildren {
		return domain.Container{}, false
	}

	structuralKey := node.Path() + "|" + bestKey
	containerID := d.containerID(structuralKey, node.Ref())

	container := domain.Container{
		ID:            containerID,
		StructuralKey: structuralKey,
		LocationRef:   string(node.Ref()),
		TextExcerpt:   truncate(node.Text(), d.config.ContainerExcerptLen),
	}

	for i, child := range groups[bestKey] {
		text := child.Text()
		container.Items = append(container.Items, domain.Item{
			ID:           fmt.Sprintf("%sc%d", containerID, i),
			Signature:    fingerprint.Signature(normalize(text), child.Path()),
			ContainerID:  containerID,
			TextExcerpt:  truncate(text, d.config.ItemExcerptLen),
			LocationRef:  string(child.Ref()),
			Classifiable: len(strings.TrimSpace(text)) >= d.config.MinTextLength,
			DiscoveredAt: time.Now(),
		})
	}

	return container, true
}

// containerID resolves a stable ID for a structural identity,
// creating one on first sight.
func (d *Detector) containerID(structuralKey string, ref hosttree.NodeRef) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.registry[structuralKey]
	if !ok {
		d.counter++
		id = fmt.Sprintf("g%d", d.counter)
		d.registry[structuralKey] = id
	}
	d.locations[id] = ref
	return id
}

// normalize collapses whitespace and lowercases text for signature
// input, so re-rendered but identical content hashes the same.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// truncate bounds a string to n runes, appending an ellipsis marker
// when cut.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
