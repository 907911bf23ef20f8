package classify

import (
	"github.com/sifthq/sift/internal/domain"
)

// flatItem pairs an item with its parent container's context.
type flatItem struct {
	item          domain.Item
	containerID   string
	containerText string
	structuralKey string
	locationRef   string
}

// splitBatch slices a batch into chunks bounded by total item count
// across all containers. Items are flattened, sliced, and re-grouped
// per container so every chunk stays coherent for the classifier.
func splitBatch(batch *domain.Batch, chunkSize int) []domain.Batch {
	if chunkSize <= 0 || batch.ItemCount() <= chunkSize {
		return []domain.Batch{*batch}
	}

	var flat []flatItem
	for i := range batch.Containers {
		c := &batch.Containers[i]
		for _, item := range c.Items {
			flat = append(flat, flatItem{
				item:          item,
				containerID:   c.ID,
				containerText: c.TextExcerpt,
				structuralKey: c.StructuralKey,
				locationRef:   c.LocationRef,
			})
		}
	}

	var chunks []domain.Batch
	for start := 0; start < len(flat); start += chunkSize {
		end := start + chunkSize
		if end > len(flat) {
			end = len(flat)
		}
		chunks = append(chunks, regroup(flat[start:end], batch.WindowKey))
	}
	return chunks
}

// regroup rebuilds per-container structure for one slice, preserving
// first-seen container order.
func regroup(slice []flatItem, windowKey string) domain.Batch {
	chunk := domain.Batch{WindowKey: windowKey}
	index := make(map[string]int)

	for _, f := range slice {
		pos, ok := index[f.containerID]
		if !ok {
			pos = len(chunk.Containers)
			index[f.containerID] = pos
			chunk.Containers = append(chunk.Containers, domain.Container{
				ID:            f.containerID,
				TextExcerpt:   f.containerText,
				StructuralKey: f.structuralKey,
				LocationRef:   f.locationRef,
			})
		}
		chunk.Containers[pos].Items = append(chunk.Containers[pos].Items, f.item)
	}
	return chunk
}
