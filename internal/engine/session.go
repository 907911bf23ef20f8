// Package engine orchestrates one page's filtering lifecycle: it
// funnels all trigger sources through a single-flight cycle gate,
// runs detection, rule matching, scheduling, classification, and
// reconciliation, and owns cycle identity.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sifthq/sift/internal/classify"
	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/detect"
	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/metrics"
	"github.com/sifthq/sift/internal/mutation"
	"github.com/sifthq/sift/internal/reconcile"
	"github.com/sifthq/sift/internal/rules"
	"github.com/sifthq/sift/internal/schedule"
)

// cycleGateKey collapses all concurrent triggers for one session into
// a single in-flight cycle.
const cycleGateKey = "cycle"

// Session is the explicit per-page context object. Every component is
// constructed once and handed in; nothing reaches for ambient state.
type Session struct {
	pageURL  string
	clientID string

	tree       hosttree.Tree
	detector   *detect.Detector
	coalescer  *mutation.Coalescer
	store      *fingerprint.Store
	matcher    *rules.Matcher
	coverage   *schedule.CoverageSet
	scheduler  *schedule.Scheduler
	classifier *classify.Client
	reconciler *reconcile.Engine
	confStore  config.Store
	metrics    *metrics.Metrics
	notifier   Notifier
	strategy   strategy
	logger     logger.Interface

	cycleTimeout     time.Duration
	failureThreshold int

	flight singleflight.Group

	mu         sync.Mutex
	containers []domain.Container
	items      map[string]domain.Item
	failures   int
	degraded   bool
}

// Deps bundles the session's collaborators.
type Deps struct {
	Tree       hosttree.Tree
	Detector   *detect.Detector
	Coalescer  *mutation.Coalescer
	Store      *fingerprint.Store
	Matcher    *rules.Matcher
	Coverage   *schedule.CoverageSet
	Scheduler  *schedule.Scheduler
	Classifier *classify.Client
	Reconciler *reconcile.Engine
	ConfStore  config.Store
	Metrics    *metrics.Metrics
	Notifier   Notifier
	Logger     logger.Interface
}

// NewSession creates a session for one page lifetime. The scheduling
// strategy is selected here once; no call site branches on it later.
func NewSession(pageURL, clientID string, cfg config.EngineConfig, deps Deps) (*Session, error) {
	if deps.Tree == nil || deps.Detector == nil || deps.Store == nil ||
		deps.Scheduler == nil || deps.Classifier == nil || deps.Reconciler == nil {
		return nil, fmt.Errorf("engine session missing required dependencies")
	}
	if deps.Notifier == nil {
		deps.Notifier = NoopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}

	s := &Session{
		pageURL:          pageURL,
		clientID:         clientID,
		tree:             deps.Tree,
		detector:         deps.Detector,
		coalescer:        deps.Coalescer,
		store:            deps.Store,
		matcher:          deps.Matcher,
		coverage:         deps.Coverage,
		scheduler:        deps.Scheduler,
		classifier:       deps.Classifier,
		reconciler:       deps.Reconciler,
		confStore:        deps.ConfStore,
		metrics:          deps.Metrics,
		notifier:         deps.Notifier,
		strategy:         newStrategy(cfg.Progressive),
		logger:           deps.Logger.WithComponent("engine"),
		cycleTimeout:     cfg.CycleTimeout,
		failureThreshold: cfg.FailureThreshold,
		items:            make(map[string]domain.Item),
	}
	s.metrics.SetCurrentPage(pageURL)

	return s, nil
}

// Start consumes coalesced tree changes and runs the periodic
// comprehensive rescan until the context is cancelled.
func (s *Session) Start(ctx context.Context, rescanInterval time.Duration) {
	if s.coalescer != nil {
		s.coalescer.Start(ctx)
	}

	go func() {
		var rescan <-chan time.Time
		if rescanInterval > 0 {
			ticker := time.NewTicker(rescanInterval)
			defer ticker.Stop()
			rescan = ticker.C
		}

		var changes <-chan mutation.ChangeSet
		if s.coalescer != nil {
			changes = s.coalescer.Changes()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case cs, ok := <-changes:
				if !ok {
					return
				}
				if err := s.Trigger(ctx, MutationTrigger{Changes: cs}); err != nil {
					s.logger.Error("mutation cycle failed", "error", err)
				}
			case <-rescan:
				if err := s.Trigger(ctx, ManualTrigger{}); err != nil {
					s.logger.Error("rescan cycle failed", "error", err)
				}
			}
		}
	}()
}

// Observe forwards a raw tree mutation to the coalescer.
func (s *Session) Observe(m hosttree.Mutation) {
	if s.coalescer != nil {
		s.coalescer.Observe(m)
	}
}

// Trigger runs one filtering cycle for the given trigger. Concurrent
// triggers collapse through the single-flight gate: callers arriving
// while a cycle is in flight share its outcome instead of racing.
func (s *Session) Trigger(ctx context.Context, trig Trigger) error {
	label, err := describeTrigger(trig)
	if err != nil {
		return err
	}

	_, cycleErr, shared := s.flight.Do(cycleGateKey, func() (any, error) {
		return nil, s.runCycle(ctx, trig, label)
	})
	if shared {
		s.logger.Debug("trigger collapsed into in-flight cycle", "trigger", label)
	}
	return cycleErr
}

// Preview toggles preview mode; returns the number of items whose
// visibility changed.
func (s *Session) Preview(on bool) int {
	return s.reconciler.SetPreview(on)
}

// Metrics exposes the session's counters.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// StrategyName reports the scheduling strategy selected at
// construction.
func (s *Session) StrategyName() string { return s.strategy.name() }

// runCycle is the single error boundary for one trigger cycle.
func (s *Session) runCycle(ctx context.Context, trig Trigger, label string) error {
	started := time.Now()
	cycleID := uuid.NewString()
	log := s.logger.WithCycle(cycleID)

	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	active, rulesErr := s.activeRules(ctx)
	if rulesErr != nil {
		return fmt.Errorf("failed to load active rules: %w", rulesErr)
	}

	s.reconciler.BeginCycle(cycleID, active)

	direction := hosttree.ScrollDown
	switch t := trig.(type) {
	case MutationTrigger:
		s.handleRemovals(t.Changes.RemovedRoots)
		s.detect(detectModeFor(t.Changes), t.Changes.Roots)
	case ScrollTrigger:
		direction = t.Direction
	case ManualTrigger:
		s.detect(detect.ModeComprehensive, nil)
	case RuleChangeTrigger:
		s.detect(detect.ModeComprehensive, nil)
		s.reevaluateHidden(cycleID, active)
	}

	cached := s.applyCachedVerdicts(cycleID, active)
	if !cached.IsZero() {
		s.metrics.RecordApply(cached.Hidden, cached.Unhidden)
	}

	delta, runErr := s.strategy.run(ctx, s, cycleID, direction)
	if runErr != nil {
		s.onCycleFailure(log, label, runErr)
		return fmt.Errorf("%s cycle failed: %w", label, runErr)
	}

	s.onCycleSuccess()

	hidden := delta.Hidden + cached.Hidden
	if hidden > 0 && s.confStore != nil && s.confStore.GetToastEnabled() {
		go s.notifier.Hidden(hidden)
	}

	s.metrics.RecordCycle(time.Since(started))
	s.metrics.SetTrackedRecords(s.store.Len())
	log.Info("cycle complete",
		"trigger", label,
		"hidden", hidden,
		"unhidden", delta.Unhidden+cached.Unhidden,
		"duration", time.Since(started),
	)
	return nil
}

// activeRules refreshes the matcher and coverage generation from the
// configuration store. Rules can change between cycles; coverage
// computed under an older generation is invalidated wholesale.
func (s *Session) activeRules(ctx context.Context) (domain.RuleSet, error) {
	if s.confStore == nil {
		return s.matcher.Active(), nil
	}

	active, err := s.confStore.GetActiveRules(ctx, s.pageURL)
	if err != nil {
		return domain.RuleSet{}, err
	}

	s.matcher.Update(active)
	s.coverage.SetGeneration(s.matcher.Generation())
	return active, nil
}

// detect runs container detection and refreshes the session's item
// index.
func (s *Session) detect(mode detect.Mode, roots []hosttree.NodeRef) {
	containers := s.detector.Detect(s.tree, mode, roots)

	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == detect.ModeComprehensive {
		s.containers = containers
	} else {
		s.containers = mergeContainers(s.containers, containers)
	}

	detected := 0
	for _, c := range s.containers {
		for _, item := range c.Items {
			if _, known := s.items[item.ID]; !known {
				detected++
			}
			s.items[item.ID] = item
		}
	}
	s.metrics.RecordDetection(detected)
}

// applyCachedVerdicts short-circuits items whose signatures already
// carry a judgement: auto-rule matches hide immediately with auto
// provenance, and cached removals re-apply without a classifier round
// trip.
func (s *Session) applyCachedVerdicts(cycleID string, active domain.RuleSet) reconcile.Delta {
	var total reconcile.Delta

	var cachedHides []domain.Instruction
	considered := make(map[string]domain.Item)

	for _, item := range s.itemsSnapshot() {
		if !item.Classifiable {
			continue
		}

		// Always-on rules win before any cache or classifier lookup.
		if rule, matched := s.matcher.MatchBlock(item.TextExcerpt); matched {
			delta := s.reconciler.HideAuto(&item, rule)
			total.Hidden += delta.Hidden
			continue
		}

		status, known := s.store.Query(&item)
		s.metrics.RecordCacheLookup(known)
		if !known {
			continue
		}

		switch status {
		case fingerprint.StatusRemovedAuto:
			delta := s.reconciler.HideAuto(&item, fingerprint.AutoReason)
			total.Hidden += delta.Hidden
		case fingerprint.StatusRemovedClassified:
			if !s.store.CheckForAutoDelete(&item, active) {
				// Lost its backing rule: re-judge under the current
				// rules instead of replaying the stale verdict.
				s.store.Invalidate(item.Signature)
				continue
			}
			cachedHides = append(cachedHides, domain.Instruction{
				ItemID: item.ID,
				Action: domain.ActionHide,
				Reason: "classified",
			})
			considered[item.ID] = item
		case fingerprint.StatusUnclassified, fingerprint.StatusKept:
		}
	}

	if len(cachedHides) > 0 {
		delta := s.reconciler.Apply(cycleID, cachedHides, considered)
		total.Hidden += delta.Hidden
		total.Unhidden += delta.Unhidden
	}

	return total
}

// reevaluateHidden unhides classified-hidden items whose stored
// classification no longer intersects an active block rule.
// Auto-removed items are never reconsidered.
func (s *Session) reevaluateHidden(cycleID string, active domain.RuleSet) {
	considered := make(map[string]domain.Item)
	for _, id := range s.reconciler.HiddenItems() {
		item, ok := s.lookupItem(id)
		if !ok {
			continue
		}
		if s.store.CheckForAutoDelete(&item, active) {
			continue
		}
		considered[id] = item
	}
	if len(considered) == 0 {
		return
	}

	// An empty instruction set against the considered scope drives the
	// unhide pass.
	delta := s.reconciler.Apply(cycleID, nil, considered)
	s.metrics.RecordApply(0, delta.Unhidden)
}

// dispatchBatch sends one batch to the classifier and reconciles the
// result. A failed batch un-retires its window and changes no item
// state.
func (s *Session) dispatchBatch(ctx context.Context, cycleID string, batch *domain.Batch) (reconcile.Delta, error) {
	items := make([]domain.Item, 0, batch.ItemCount())
	considered := make(map[string]domain.Item, batch.ItemCount())
	for _, c := range batch.Containers {
		for _, item := range c.Items {
			items = append(items, item)
			considered[item.ID] = item
		}
	}

	s.reconciler.MarkPending(items)
	s.reconciler.Stage(items)

	instructions, classifyErr := s.classifier.Classify(ctx, batch, s.pageURL, s.matcher.Active(), s.clientID)
	if classifyErr != nil {
		s.scheduler.OnBatchFailed(batch.WindowKey)
		s.reconciler.ClearStaged()
		s.metrics.RecordBatch(false, batch.ItemCount())
		return reconcile.Delta{}, classifyErr
	}

	delta := s.reconciler.Apply(cycleID, instructions, considered)
	s.scheduler.OnBatchApplied(batch.WindowKey)
	s.metrics.RecordBatch(true, batch.ItemCount())
	s.metrics.RecordApply(delta.Hidden, delta.Unhidden)

	return delta, nil
}

// handleRemovals expires state for containers destroyed by a
// mutation: fingerprint records, detector registry, and reconciler
// records for detached items.
func (s *Session) handleRemovals(removed []hosttree.NodeRef) {
	if len(removed) == 0 {
		return
	}

	for id, ref := range s.detector.KnownContainers() {
		if s.tree.Attached(ref) {
			continue
		}
		s.detector.DropContainer(id)
		expired := s.store.ExpireContainer(id)
		s.logger.Debug("container destroyed",
			"container_id", id,
			"records_expired", expired,
		)
	}

	dropped := s.reconciler.DropDetached()
	if dropped > 0 {
		s.logger.Debug("detached items dropped", "count", dropped)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.containers[:0]
	for _, c := range s.containers {
		if s.tree.Attached(hosttree.NodeRef(c.LocationRef)) {
			kept = append(kept, c)
			continue
		}
		for _, item := range c.Items {
			delete(s.items, item.ID)
		}
	}
	s.containers = kept
}

// onCycleFailure tracks consecutive classification failures and emits
// the degraded notification once per episode.
func (s *Session) onCycleFailure(log logger.Interface, label string, err error) {
	s.mu.Lock()
	s.failures++
	notify := s.failures >= s.failureThreshold && !s.degraded
	if notify {
		s.degraded = true
	}
	failures := s.failures
	s.mu.Unlock()

	log.Error("cycle failed", "trigger", label, "consecutive_failures", failures, "error", err)
	if notify {
		go s.notifier.Degraded("content filtering is temporarily degraded")
	}
}

// onCycleSuccess resets the failure episode.
func (s *Session) onCycleSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.degraded = false
	s.mu.Unlock()
}

// containersSnapshot returns the current container list.
func (s *Session) containersSnapshot() []domain.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Container(nil), s.containers...)
}

// itemsSnapshot returns the current item index values.
func (s *Session) itemsSnapshot() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out
}

// lookupItem finds an item by id in the session index.
func (s *Session) lookupItem(id string) (domain.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// detectModeFor maps a change set onto a detection mode.
func detectModeFor(cs mutation.ChangeSet) detect.Mode {
	if cs.Comprehensive {
		return detect.ModeComprehensive
	}
	return detect.ModeIncremental
}

// mergeContainers overlays incrementally detected containers onto the
// existing list, matching by container id.
func mergeContainers(existing, update []domain.Container) []domain.Container {
	if len(update) == 0 {
		return existing
	}

	index := make(map[string]int, len(existing))
	for i, c := range existing {
		index[c.ID] = i
	}

	merged := append([]domain.Container(nil), existing...)
	for _, c := range update {
		if i, ok := index[c.ID]; ok {
			merged[i] = c
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
