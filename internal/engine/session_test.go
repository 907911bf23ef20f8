package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sifthq/sift/internal/classify"
	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/detect"
	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/engine"
	"github.com/sifthq/sift/internal/fingerprint"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/metrics"
	"github.com/sifthq/sift/internal/mutation"
	"github.com/sifthq/sift/internal/reconcile"
	"github.com/sifthq/sift/internal/rules"
	"github.com/sifthq/sift/internal/schedule"
)

const sessionHTML = `<html><body>
<div class="feed">
  <article>fresh garden update for the weekend</article>
  <article>total spam giveaway click here now</article>
  <article>crypto pump signals exposed tonight</article>
  <article>quiet morning roundup of the block</article>
</div>
</body></html>`

const testPageURL = "https://example.com/feed"

// chanNotifier surfaces the session's async notifications to tests.
type chanNotifier struct {
	degraded chan string
	hidden   chan int
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		degraded: make(chan string, 8),
		hidden:   make(chan int, 8),
	}
}

func (n *chanNotifier) Degraded(reason string) { n.degraded <- reason }
func (n *chanNotifier) Hidden(count int)       { n.hidden <- count }

// spamClassifier hides items whose text mentions spam.
func spamClassifier(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req struct {
			Containers []struct {
				Items []struct {
					ID   string `json:"id"`
					Text string `json:"text"`
				} `json:"items"`
			} `json:"containers"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var instructions []map[string]string
		for _, c := range req.Containers {
			for _, item := range c.Items {
				action := "keep"
				if strings.Contains(item.Text, "spam") {
					action = "hide"
				}
				instructions = append(instructions, map[string]string{
					"itemId": item.ID,
					"action": action,
				})
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"instructions": instructions}))
	}
}

// ruleDrivenClassifier hides items whose text mentions spam, but only
// while the request carries the "junk" block rule. It lets tests watch
// verdicts change when the rules do.
func ruleDrivenClassifier(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req struct {
			Containers []struct {
				Items []struct {
					ID   string `json:"id"`
					Text string `json:"text"`
				} `json:"items"`
			} `json:"containers"`
			BlockRules []string `json:"blockRules"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		junkBlocked := false
		for _, rule := range req.BlockRules {
			if rule == "junk" {
				junkBlocked = true
			}
		}

		var instructions []map[string]string
		for _, c := range req.Containers {
			for _, item := range c.Items {
				action := "keep"
				if junkBlocked && strings.Contains(item.Text, "spam") {
					action = "hide"
				}
				instructions = append(instructions, map[string]string{
					"itemId": item.ID,
					"action": action,
				})
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"instructions": instructions}))
	}
}

type sessionFixture struct {
	session    *engine.Session
	tree       *hosttree.DocumentTree
	applier    *hosttree.DocumentApplier
	store      *fingerprint.Store
	confStore  *config.StaticStore
	reconciler *reconcile.Engine
	notifier   *chanNotifier
}

type fixtureConfig struct {
	html       string
	blockRules []string
	engineCfg  config.EngineConfig
	endpoint   string
	toastOn    bool
}

func newFixture(t *testing.T, fc fixtureConfig) *sessionFixture {
	t.Helper()

	if fc.html == "" {
		fc.html = sessionHTML
	}
	if fc.engineCfg.FailureThreshold == 0 {
		fc.engineCfg.FailureThreshold = 3
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fc.html))
	require.NoError(t, err)
	tree := hosttree.NewDocumentTree(doc)

	log := logger.NewNoOp()
	confStore := config.NewStaticStore(&config.Config{
		Engine: config.EngineConfig{
			ToastEnabled: fc.toastOn,
			HidingMethod: string(domain.HideMethodCollapse),
		},
		Rules: config.RulesConfig{
			Block: map[string][]string{"default": fc.blockRules},
		},
	})

	detector, err := detect.NewDetector(detect.DefaultConfig(), log)
	require.NoError(t, err)

	store := fingerprint.NewStore(log)
	matcher := rules.NewMatcher(domain.RuleSet{Block: fc.blockRules}, log)
	coverage := schedule.NewCoverageSet(matcher.Generation())
	scheduler, err := schedule.NewScheduler(schedule.DefaultConfig(), store, coverage, log)
	require.NoError(t, err)

	classifier := classify.NewClient(log,
		classify.WithEndpoint(fc.endpoint),
		classify.WithRateLimit(1000),
	)

	applier := hosttree.NewDocumentApplier(tree)
	reconciler := reconcile.NewEngine(tree, applier, store, domain.HideMethodCollapse, nil, log)

	notifier := newChanNotifier()
	session, err := engine.NewSession(testPageURL, "client-test", fc.engineCfg, engine.Deps{
		Tree:       tree,
		Detector:   detector,
		Store:      store,
		Matcher:    matcher,
		Coverage:   coverage,
		Scheduler:  scheduler,
		Classifier: classifier,
		Reconciler: reconciler,
		ConfStore:  confStore,
		Metrics:    metrics.NewMetrics(),
		Notifier:   notifier,
		Logger:     log,
	})
	require.NoError(t, err)

	return &sessionFixture{
		session:    session,
		tree:       tree,
		applier:    applier,
		store:      store,
		confStore:  confStore,
		reconciler: reconciler,
		notifier:   notifier,
	}
}

func TestSessionHidesClassifiedItems(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: true}})

	err := f.session.Trigger(context.Background(), engine.ManualTrigger{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.session.Metrics().GetItemsHidden())
	assert.Len(t, f.applier.MarkedHidden(), 1, "the spam item is hidden in the tree")
	assert.Len(t, f.reconciler.HiddenItems(), 1)
}

func TestSessionSecondCycleUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: true}})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	first := calls.Load()
	require.Positive(t, first)

	// Everything is judged; the rescan must not re-dispatch.
	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	assert.Equal(t, first, calls.Load(), "judged items never go back to the classifier")
	assert.Len(t, f.reconciler.HiddenItems(), 1, "hidden state survives the rescan")
}

func TestSessionAutoRuleHidesWithoutClassifier(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{
		endpoint:   srv.URL,
		blockRules: []string{"crypto"},
		engineCfg:  config.EngineConfig{Progressive: true},
	})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))

	// crypto post auto-hidden, spam post classified-hidden.
	assert.Len(t, f.reconciler.HiddenItems(), 2)
	assert.Equal(t, int64(2), f.session.Metrics().GetItemsHidden())

	// The auto-hidden item never reaches the classifier; the rest go
	// out as one batch.
	assert.Equal(t, int64(1), calls.Load())
}

func TestSessionDegradedNotificationAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{
		endpoint:  srv.URL,
		engineCfg: config.EngineConfig{Progressive: true, FailureThreshold: 2},
	})

	err := f.session.Trigger(context.Background(), engine.ManualTrigger{})
	require.Error(t, err)
	select {
	case <-f.notifier.degraded:
		t.Fatal("degraded notification before the threshold")
	default:
	}

	err = f.session.Trigger(context.Background(), engine.ManualTrigger{})
	require.Error(t, err)

	select {
	case reason := <-f.notifier.degraded:
		assert.NotEmpty(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("degraded notification never arrived")
	}

	// No item changed state across the failed cycles.
	assert.Empty(t, f.reconciler.HiddenItems())
	assert.Zero(t, f.session.Metrics().GetItemsHidden())
}

func TestSessionDegradedFiresOncePerEpisode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{
		endpoint:  srv.URL,
		engineCfg: config.EngineConfig{Progressive: true, FailureThreshold: 2},
	})

	require.Error(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	require.Error(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))

	select {
	case <-f.notifier.degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("degraded notification never arrived")
	}

	// A third failure in the same episode stays quiet.
	require.Error(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	select {
	case <-f.notifier.degraded:
		t.Fatal("degraded notification repeated within one episode")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionToastOnHiddenItems(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{
		endpoint:  srv.URL,
		toastOn:   true,
		engineCfg: config.EngineConfig{Progressive: true},
	})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))

	select {
	case count := <-f.notifier.hidden:
		assert.Equal(t, 1, count)
	case <-time.After(2 * time.Second):
		t.Fatal("hidden toast never arrived")
	}
}

func TestSessionRuleChangeUnhidesStaleItems(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(ruleDrivenClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{
		endpoint:   srv.URL,
		blockRules: []string{"crypto", "junk"},
		engineCfg:  config.EngineConfig{Progressive: true},
	})

	// crypto post auto-hidden, spam post classified-hidden under the
	// junk rule.
	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	require.Len(t, f.reconciler.HiddenItems(), 2)
	firstCalls := calls.Load()

	// Dropping all rules: auto removal is terminal for the page
	// lifetime, but the classified removal lost its backing rules, so
	// it is released and re-judged — and the classifier now keeps it.
	f.confStore.SetRules("default", domain.RuleSet{})
	require.NoError(t, f.session.Trigger(context.Background(), engine.RuleChangeTrigger{}))

	hidden := f.reconciler.HiddenItems()
	assert.Len(t, hidden, 1, "auto-hidden item stays hidden; classified one released")
	assert.Positive(t, f.session.Metrics().GetItemsUnhidden())
	assert.Greater(t, calls.Load(), firstCalls, "released item goes back to the classifier")
}

func TestSessionUnrelatedRuleChangeKeepsClassifiedHidden(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(ruleDrivenClassifier(t, &calls))
	defer srv.Close()

	// "junk" matches no article text, so nothing is auto-hidden; the
	// classifier hides the spam post while junk is blocked.
	f := newFixture(t, fixtureConfig{
		endpoint:   srv.URL,
		blockRules: []string{"junk"},
		engineCfg:  config.EngineConfig{Progressive: true},
	})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	require.Len(t, f.reconciler.HiddenItems(), 1)
	firstCalls := calls.Load()

	// Adding an unrelated rule keeps the backing rule active: the
	// hidden item must neither flicker visible nor be re-dispatched.
	f.confStore.SetRules("default", domain.RuleSet{Block: []string{"junk", "zzz-nothing"}})
	require.NoError(t, f.session.Trigger(context.Background(), engine.RuleChangeTrigger{}))

	assert.Len(t, f.reconciler.HiddenItems(), 1, "backed removal survives unrelated rule changes")
	assert.Zero(t, f.session.Metrics().GetItemsUnhidden())
	assert.Equal(t, firstCalls, calls.Load(), "still-backed verdicts replay from cache")
}

func TestSessionRuleChangeRejudgesClassifiedItems(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	// No block rules at hide time: the classified removal is stored
	// without backing rules and goes stale on the first rule change.
	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: true}})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	require.Len(t, f.reconciler.HiddenItems(), 1)
	firstCalls := calls.Load()

	f.confStore.SetRules("default", domain.RuleSet{Block: []string{"zzz-nothing"}})
	require.NoError(t, f.session.Trigger(context.Background(), engine.RuleChangeTrigger{}))

	// The stale removal is released, re-sent, and re-hidden within the
	// same cycle — the spam post never escapes judgement.
	assert.Greater(t, calls.Load(), firstCalls, "stale removal is re-sent to the classifier")
	assert.Len(t, f.reconciler.HiddenItems(), 1)
	assert.Positive(t, f.session.Metrics().GetItemsUnhidden())
}

func TestSessionPreviewToggle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: true}})

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	require.Len(t, f.applier.MarkedHidden(), 1)

	revealed := f.session.Preview(true)
	assert.Equal(t, 1, revealed)

	rehidden := f.session.Preview(false)
	assert.Equal(t, 1, rehidden)
	assert.Len(t, f.applier.MarkedHidden(), 1)
}

func TestSessionMutationTriggerIncrementalDetect(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: true}})

	// A comprehensive change set behaves like a manual trigger.
	err := f.session.Trigger(context.Background(), engine.MutationTrigger{
		Changes: mutation.ChangeSet{Comprehensive: true},
	})
	require.NoError(t, err)
	assert.Len(t, f.reconciler.HiddenItems(), 1)
}

func TestSessionNaiveStrategy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(spamClassifier(t, &calls))
	defer srv.Close()

	f := newFixture(t, fixtureConfig{endpoint: srv.URL, engineCfg: config.EngineConfig{Progressive: false}})
	assert.Equal(t, "naive", f.session.StrategyName())

	require.NoError(t, f.session.Trigger(context.Background(), engine.ManualTrigger{}))
	assert.Equal(t, int64(1), calls.Load(), "naive strategy dispatches one full-page batch")
	assert.Len(t, f.reconciler.HiddenItems(), 1)
}

func TestSessionRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := engine.NewSession(testPageURL, "c", config.EngineConfig{}, engine.Deps{})
	assert.Error(t, err)
}
