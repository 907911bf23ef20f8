// Package rules provides Aho-Corasick keyword matching over the
// active rule configuration. Block rules matched here drive auto
// removal without a classifier round trip; allow rules take
// precedence and suppress auto removal.
package rules

import (
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/logger"
)

// Matcher matches item text against the active rule set in a single
// O(n+m) pass. Safe for concurrent use; Update rebuilds the automaton
// atomically when rules change.
type Matcher struct {
	mu         sync.RWMutex
	active     domain.RuleSet
	generation string
	blockTrie  *ahocorasick.Matcher
	allowTrie  *ahocorasick.Matcher
	blockRules []string
	allowRules []string
	logger     logger.Interface
}

// NewMatcher builds a matcher from the active rule set.
func NewMatcher(active domain.RuleSet, log logger.Interface) *Matcher {
	m := &Matcher{logger: log.WithComponent("rules")}
	m.Update(active)
	return m
}

// Update hot-swaps the active rule set and rebuilds both automatons
// atomically.
func (m *Matcher) Update(active domain.RuleSet) {
	blockRules, blockTrie := buildTrie(active.Block)
	allowRules, allowTrie := buildTrie(active.Allow)

	m.mu.Lock()
	m.active = active
	m.generation = active.Generation()
	m.blockRules = blockRules
	m.blockTrie = blockTrie
	m.allowRules = allowRules
	m.allowTrie = allowTrie
	m.mu.Unlock()

	m.logger.Info("rule matcher updated",
		"block_rules", len(blockRules),
		"allow_rules", len(allowRules),
	)
}

// MatchBlock returns the first block rule the text matches, unless an
// allow rule also matches, in which case the allow wins.
func (m *Matcher) MatchBlock(text string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.blockTrie == nil {
		return "", false
	}

	normalized := []byte(normalizeText(text))

	if m.allowTrie != nil && len(m.allowTrie.Match(normalized)) > 0 {
		return "", false
	}

	hits := m.blockTrie.Match(normalized)
	if len(hits) == 0 {
		return "", false
	}

	idx := hits[0]
	if idx >= len(m.blockRules) {
		return "", false
	}
	return m.blockRules[idx], true
}

// Generation returns the stable key of the rule configuration the
// matcher was built under.
func (m *Matcher) Generation() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Active returns a copy of the active rule set.
func (m *Matcher) Active() domain.RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return domain.RuleSet{
		Allow: append([]string(nil), m.active.Allow...),
		Block: append([]string(nil), m.active.Block...),
	}
}

// buildTrie normalizes rules and constructs an automaton. Returns nil
// when no usable rules remain.
func buildTrie(rawRules []string) ([]string, *ahocorasick.Matcher) {
	normalized := make([]string, 0, len(rawRules))
	for _, rule := range rawRules {
		n := normalizeText(rule)
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		normalized = append(normalized, n)
	}

	if len(normalized) == 0 {
		return normalized, nil
	}
	return normalized, ahocorasick.NewStringMatcher(normalized)
}

// normalizeText lowercases and replaces non-alphanumeric runes with
// spaces, preserving word boundaries.
func normalizeText(text string) string {
	text = strings.ToLower(text)

	var result strings.Builder
	result.Grow(len(text))

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		} else {
			result.WriteByte(' ')
		}
	}

	return result.String()
}
