package classify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sifthq/sift/internal/domain"
)

func testBatch(sizes ...int) domain.Batch {
	batch := domain.Batch{WindowKey: "w:chunk"}
	seq := 0
	for ci, size := range sizes {
		c := domain.Container{
			ID:            fmt.Sprintf("g%d", ci+1),
			TextExcerpt:   fmt.Sprintf("group %d", ci+1),
			StructuralKey: fmt.Sprintf("div.group-%d", ci+1),
		}
		for j := 0; j < size; j++ {
			c.Items = append(c.Items, domain.Item{
				ID:          fmt.Sprintf("i%d", seq),
				ContainerID: c.ID,
			})
			seq++
		}
		batch.Containers = append(batch.Containers, c)
	}
	return batch
}

func TestSplitBatchUnderLimitPassesThrough(t *testing.T) {
	t.Parallel()

	batch := testBatch(4, 6)
	chunks := splitBatch(&batch, 10)

	require.Len(t, chunks, 1)
	assert.Equal(t, 10, chunks[0].ItemCount())
	assert.Len(t, chunks[0].Containers, 2)
}

func TestSplitBatchRegroupsAcrossContainers(t *testing.T) {
	t.Parallel()

	// 12 + 3 items with chunk size 10: the second chunk straddles the
	// container boundary and must keep items grouped under their
	// original containers.
	batch := testBatch(12, 3)
	chunks := splitBatch(&batch, 10)

	require.Len(t, chunks, 2)

	require.Len(t, chunks[0].Containers, 1)
	assert.Equal(t, "g1", chunks[0].Containers[0].ID)
	assert.Equal(t, 10, chunks[0].ItemCount())

	require.Len(t, chunks[1].Containers, 2)
	assert.Equal(t, "g1", chunks[1].Containers[0].ID)
	assert.Len(t, chunks[1].Containers[0].Items, 2)
	assert.Equal(t, "g2", chunks[1].Containers[1].ID)
	assert.Len(t, chunks[1].Containers[1].Items, 3)

	// Container context survives the regroup.
	assert.Equal(t, "div.group-1", chunks[1].Containers[0].StructuralKey)
	assert.Equal(t, "group 2", chunks[1].Containers[1].TextExcerpt)
}

func TestSplitBatchPropagatesWindowKey(t *testing.T) {
	t.Parallel()

	batch := testBatch(25)
	chunks := splitBatch(&batch, 10)

	require.Len(t, chunks, 3)
	total := 0
	for _, chunk := range chunks {
		assert.Equal(t, "w:chunk", chunk.WindowKey)
		total += chunk.ItemCount()
	}
	assert.Equal(t, 25, total)
}
