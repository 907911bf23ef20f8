package engine

import (
	"context"
	"fmt"

	"github.com/sifthq/sift/internal/classify"
	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/detect"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/metrics"
	"github.com/sifthq/sift/internal/mutation"
	"github.com/sifthq/sift/internal/reconcile"
	"github.com/sifthq/sift/internal/rules"
	"github.com/sifthq/sift/internal/schedule"
)

// BuildSession wires a full pipeline from configuration for one page.
// The document tree doubles as visibility applier via the shared
// tree-backed applier.
func BuildSession(ctx context.Context, cfg *config.Config, tree *hosttree.DocumentTree, confStore config.Store, pageURL string, log logger.Interface) (*Session, error) {
	detector, detectorErr := detect.NewDetector(detect.Config{
		MinChildren:         cfg.Detector.MinChildren,
		MinTextLength:       cfg.Detector.MinTextLength,
		ContainerExcerptLen: detect.DefaultConfig().ContainerExcerptLen,
		ItemExcerptLen:      detect.DefaultConfig().ItemExcerptLen,
	}, log)
	if detectorErr != nil {
		return nil, fmt.Errorf("failed to build detector: %w", detectorErr)
	}

	store := fingerprint.NewStore(log)

	active, rulesErr := confStore.GetActiveRules(ctx, pageURL)
	if rulesErr != nil {
		return nil, fmt.Errorf("failed to load initial rules: %w", rulesErr)
	}
	matcher := rules.NewMatcher(active, log)
	coverage := schedule.NewCoverageSet(matcher.Generation())

	scheduler, schedulerErr := schedule.NewScheduler(schedule.Config{
		MaxBatchSize:     cfg.Scheduler.MaxBatchSize,
		MaxBatchesPerRun: cfg.Scheduler.MaxBatchesPerRun,
		MaxEmptyBatches:  cfg.Scheduler.MaxEmptyBatches,
	}, store, coverage, log)
	if schedulerErr != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", schedulerErr)
	}

	classifierOpts := []classify.Option{
		classify.WithEndpoint(cfg.Classifier.Endpoint),
		classify.WithChunkSize(cfg.Classifier.ChunkSize),
		classify.WithRateLimit(cfg.Classifier.RateLimit),
	}
	if cfg.Classifier.Timeout > 0 {
		classifierOpts = append(classifierOpts, classify.WithTimeout(cfg.Classifier.Timeout))
	}
	if cfg.Classifier.APIKey != "" {
		classifierOpts = append(classifierOpts, classify.WithAPIKey(cfg.Classifier.APIKey))
	}
	classifier := classify.NewClient(log, classifierOpts...)

	var reporter reconcile.CountReporter
	if cfg.Classifier.ReportEndpoint != "" {
		reporter = metrics.NewHTTPReporter(cfg.Classifier.ReportEndpoint, cfg.App.ClientID, log)
	}

	applier := hosttree.NewDocumentApplier(tree)
	reconciler := reconcile.NewEngine(tree, applier, store, confStore.GetHidingMethod(), reporter, log)

	coalescer := mutation.NewCoalescer(log, mutation.WithQuietWindow(cfg.Engine.QuietWindow))

	return NewSession(pageURL, cfg.App.ClientID, cfg.Engine, Deps{
		Tree:       tree,
		Detector:   detector,
		Coalescer:  coalescer,
		Store:      store,
		Matcher:    matcher,
		Coverage:   coverage,
		Scheduler:  scheduler,
		Classifier: classifier,
		Reconciler: reconciler,
		ConfStore:  confStore,
		Metrics:    metrics.NewMetrics(),
		Notifier:   nil,
		Logger:     log,
	})
}
