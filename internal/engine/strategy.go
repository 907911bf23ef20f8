package engine

import (
	"context"
	"errors"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/reconcile"
	"github.com/sifthq/sift/internal/schedule"
)

// strategy orders and dispatches classification work for one cycle.
// Exactly one implementation is selected at session construction.
type strategy interface {
	name() string
	run(ctx context.Context, s *Session, cycleID string, direction hosttree.ScrollDirection) (reconcile.Delta, error)
}

// progressiveStrategy drains the scheduler: viewport first, then the
// scroll direction, then the comprehensive fallback, batch by batch
// until exhaustion, stall, or the per-run bound.
type progressiveStrategy struct{}

func (progressiveStrategy) name() string { return "progressive" }

func (progressiveStrategy) run(ctx context.Context, s *Session, cycleID string, direction hosttree.ScrollDirection) (reconcile.Delta, error) {
	var total reconcile.Delta

	maxBatches := s.scheduler.Config().MaxBatchesPerRun
	for i := 0; i < maxBatches; i++ {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		batch, err := s.scheduler.NextBatch(s.tree, s.containersSnapshot(), direction, s.scheduler.Config().MaxBatchSize)
		if errors.Is(err, schedule.ErrExhausted) {
			break
		}
		if errors.Is(err, schedule.ErrStalled) {
			// Abort this run only; fingerprint and coverage state
			// survive for the next explicit trigger.
			s.metrics.RecordStall()
			s.logger.Warn("scheduling run stalled", "cycle", cycleID, "batches", i)
			break
		}
		if err != nil {
			return total, err
		}
		if batch.IsEmpty() {
			break
		}

		delta, dispatchErr := s.dispatchBatch(ctx, cycleID, &batch)
		if dispatchErr != nil {
			return total, dispatchErr
		}
		total.Hidden += delta.Hidden
		total.Unhidden += delta.Unhidden
	}

	return total, nil
}

// naiveStrategy assembles every pending classifiable item into one
// comprehensive batch. Used when progressive scheduling is disabled.
type naiveStrategy struct{}

func (naiveStrategy) name() string { return "naive" }

func (naiveStrategy) run(ctx context.Context, s *Session, cycleID string, _ hosttree.ScrollDirection) (reconcile.Delta, error) {
	batch := s.assembleNaiveBatch()
	if batch.IsEmpty() {
		return reconcile.Delta{}, nil
	}
	return s.dispatchBatch(ctx, cycleID, &batch)
}

// assembleNaiveBatch collects all unclassified classifiable items
// across the known containers into a single batch.
func (s *Session) assembleNaiveBatch() domain.Batch {
	batch := domain.Batch{WindowKey: "naive"}

	for _, container := range s.containersSnapshot() {
		var pending []domain.Item
		for _, item := range container.ClassifiableItems() {
			if s.store.Register(&item) != fingerprint.StatusUnclassified {
				continue
			}
			pending = append(pending, item)
		}
		if len(pending) == 0 {
			continue
		}
		batch.Containers = append(batch.Containers, domain.Container{
			ID:            container.ID,
			TextExcerpt:   container.TextExcerpt,
			StructuralKey: container.StructuralKey,
			LocationRef:   container.LocationRef,
			Items:         pending,
		})
	}

	return batch
}

// newStrategy selects the strategy implementation once.
func newStrategy(progressive bool) strategy {
	if progressive {
		return progressiveStrategy{}
	}
	return naiveStrategy{}
}
