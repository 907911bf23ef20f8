// Package domain provides domain models used across the engine.
package domain

import (
	"time"
)

// Item represents one classifiable unit of content within a container.
type Item struct {
	ID          string    `json:"id"`
	Signature   uint64    `json:"signature"`
	ContainerID string    `json:"container_id"`
	TextExcerpt string    `json:"text_excerpt"`
	// LocationRef is an opaque handle into the host tree.
	LocationRef string `json:"location_ref"`
	// Classifiable is false for items whose text is too short to judge;
	// they stay in the container structurally but are never dispatched.
	Classifiable bool      `json:"classifiable"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Container represents a detected group of structurally similar
// sibling items in the host content tree.
type Container struct {
	ID          string `json:"id"`
	TextExcerpt string `json:"text_excerpt"`
	// StructuralKey identifies the container across scans so identity
	// persists instead of being recreated per cycle.
	StructuralKey string `json:"structural_key"`
	// LocationRef is an opaque handle to the container's root node.
	LocationRef string `json:"location_ref"`
	Items       []Item `json:"items"`
}

// ClassifiableItems returns the container's items eligible for
// classification, preserving order.
func (c *Container) ClassifiableItems() []Item {
	out := make([]Item, 0, len(c.Items))
	for _, item := range c.Items {
		if item.Classifiable {
			out = append(out, item)
		}
	}
	return out
}
