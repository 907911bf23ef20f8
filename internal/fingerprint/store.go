// Package fingerprint provides the content-addressed cache of item
// classification status. One record exists per distinct signature;
// records are updated in place, never duplicated.
package fingerprint

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/logger"
)

// Status is the classification status of a signature.
type Status string

const (
	// StatusUnclassified means the content has not been judged yet.
	StatusUnclassified Status = "unclassified"

	// StatusKept means the classifier judged the content visible.
	StatusKept Status = "kept"

	// StatusRemovedAuto means an always-on rule removed the content.
	// Terminal within a page lifetime.
	StatusRemovedAuto Status = "removed-auto"

	// StatusRemovedClassified means the classifier removed the content.
	StatusRemovedClassified Status = "removed-classified"
)

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusUnclassified, StatusKept, StatusRemovedAuto, StatusRemovedClassified:
		return true
	default:
		return false
	}
}

// AutoReason is the markRemoved reason that maps to removed-auto.
const AutoReason = "auto"

// Record holds the cached judgement for one signature. Rules is the
// block-rule snapshot active when a classified removal was stored; it
// is what CheckForAutoDelete intersects against later rule sets.
type Record struct {
	Signature  uint64
	Status     Status
	Reason     string
	Rules      []string
	LastSeenAt time.Time
}

// validTransitions encodes the status state machine. removed-auto is
// terminal: a signature once auto-removed never transitions back to
// kept within the page's lifetime.
var validTransitions = map[Status][]Status{
	StatusUnclassified: {StatusKept, StatusRemovedAuto, StatusRemovedClassified},
	StatusKept:         {StatusRemovedAuto, StatusRemovedClassified},
	StatusRemovedClassified: {
		StatusKept,         // rule removed between cycles
		StatusUnclassified, // invalidated: re-judge under new rules
		StatusRemovedAuto,
	},
	StatusRemovedAuto: {},
}

// ValidateTransition checks if a status transition is allowed.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("invalid status transition from %s to %s", from, to)
}

// Signature computes the stable content signature for an item:
// xxhash64 over normalized text plus structural path, so re-rendered
// but identical content is recognized without re-classification.
func Signature(normalizedText, structuralPath string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(normalizedText)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(structuralPath)
	return h.Sum64()
}

// Store is the fingerprint cache. Shared mutable state touched by
// multiple trigger paths; every mutation to a signature is atomic.
type Store struct {
	mu      sync.RWMutex
	records map[uint64]*Record
	// byContainer tracks which signatures each container contributed,
	// so entries expire when the container is permanently destroyed.
	byContainer map[string]map[uint64]struct{}
	logger      logger.Interface
}

// NewStore creates an empty fingerprint store.
func NewStore(log logger.Interface) *Store {
	return &Store{
		records:     make(map[uint64]*Record),
		byContainer: make(map[string]map[uint64]struct{}),
		logger:      log.WithComponent("fingerprint"),
	}
}

// Register records an item sighting and returns its current status.
// New signatures start unclassified.
func (s *Store) Register(item *domain.Item) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[item.Signature]
	if !ok {
		rec = &Record{
			Signature: item.Signature,
			Status:    StatusUnclassified,
		}
		s.records[item.Signature] = rec
	}

	if !rec.Status.IsValid() {
		s.resetLocked(rec.Status)
		rec = &Record{Signature: item.Signature, Status: StatusUnclassified}
		s.records[item.Signature] = rec
	}

	rec.LastSeenAt = time.Now()
	s.trackContainerLocked(item.ContainerID, item.Signature)

	return rec.Status
}

// Query returns the status for an item's signature, or false when the
// signature has never been registered.
func (s *Store) Query(item *domain.Item) (Status, bool) {
	s.mu.RLock()
	rec, ok := s.records[item.Signature]
	s.mu.RUnlock()

	if !ok {
		return StatusUnclassified, false
	}
	return rec.Status, true
}

// MarkRemoved records a removal judgement for an item. Reason
// AutoReason maps to removed-auto. Any other reason is a classified
// removal, and the removal stores a snapshot of the block rules the
// verdict was made under.
func (s *Store) MarkRemoved(item *domain.Item, reason string, active domain.RuleSet) error {
	to := StatusRemovedClassified
	var snapshot []string
	if reason == AutoReason {
		to = StatusRemovedAuto
	} else {
		snapshot = normalizeRules(active.Block)
	}
	return s.transition(item, to, reason, snapshot)
}

// MarkKept records a keep judgement for an item.
func (s *Store) MarkKept(item *domain.Item) error {
	return s.transition(item, StatusKept, "", nil)
}

// Invalidate returns a removed-classified record to unclassified so
// the content is re-judged under the current rules. Records in any
// other status are left alone.
func (s *Store) Invalidate(sig uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sig]
	if !ok || rec.Status != StatusRemovedClassified {
		return false
	}
	rec.Status = StatusUnclassified
	rec.Reason = ""
	rec.Rules = nil
	return true
}

// transition applies a validated read-modify-write on the item's
// record under the store lock. No lost transitions under concurrent
// trigger paths.
func (s *Store) transition(item *domain.Item, to Status, reason string, snapshot []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[item.Signature]
	if !ok {
		rec = &Record{Signature: item.Signature, Status: StatusUnclassified}
		s.records[item.Signature] = rec
		s.trackContainerLocked(item.ContainerID, item.Signature)
	}

	if !rec.Status.IsValid() {
		s.resetLocked(rec.Status)
		rec = &Record{Signature: item.Signature, Status: StatusUnclassified}
		s.records[item.Signature] = rec
	}

	if err := ValidateTransition(rec.Status, to); err != nil {
		return err
	}

	rec.Status = to
	if reason != "" {
		rec.Reason = reason
	}
	if to == StatusRemovedClassified {
		rec.Rules = snapshot
	}
	rec.LastSeenAt = time.Now()
	return nil
}

// CheckForAutoDelete re-evaluates a previously removed item against
// the current active rules. Auto-removed items are unconditionally
// blocked; classified removals stay blocked only while their stored
// rule snapshot still intersects an active block rule. A removal
// stored with no backing rules is stale the moment rules change, so
// it returns false and the caller routes the item back to
// re-classification.
func (s *Store) CheckForAutoDelete(item *domain.Item, active domain.RuleSet) bool {
	s.mu.RLock()
	rec, ok := s.records[item.Signature]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	switch rec.Status {
	case StatusRemovedAuto:
		return true
	case StatusRemovedClassified:
		for _, stored := range rec.Rules {
			for _, rule := range active.Block {
				if strings.EqualFold(strings.TrimSpace(rule), stored) {
					return true
				}
			}
		}
		return false
	case StatusUnclassified, StatusKept:
		return false
	default:
		return false
	}
}

// normalizeRules trims the snapshot and drops blanks.
func normalizeRules(block []string) []string {
	out := make([]string, 0, len(block))
	for _, rule := range block {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// ExpireContainer drops all records contributed solely by a container
// that was permanently destroyed. Signatures still referenced by a
// surviving container are kept.
func (s *Store) ExpireContainer(containerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sigs, ok := s.byContainer[containerID]
	if !ok {
		return 0
	}
	delete(s.byContainer, containerID)

	expired := 0
	for sig := range sigs {
		if s.referencedLocked(sig) {
			continue
		}
		delete(s.records, sig)
		expired++
	}
	return expired
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// trackContainerLocked associates a signature with its container.
func (s *Store) trackContainerLocked(containerID string, sig uint64) {
	if containerID == "" {
		return
	}
	set, ok := s.byContainer[containerID]
	if !ok {
		set = make(map[uint64]struct{})
		s.byContainer[containerID] = set
	}
	set[sig] = struct{}{}
}

// referencedLocked reports whether any container still references the
// signature.
func (s *Store) referencedLocked(sig uint64) bool {
	for _, set := range s.byContainer {
		if _, ok := set[sig]; ok {
			return true
		}
	}
	return false
}

// resetLocked clears the store after detecting a corrupt record. The
// only fatal condition; the engine restarts from an empty cache.
func (s *Store) resetLocked(bad Status) {
	s.logger.Error("fingerprint store corrupt, resetting",
		"bad_status", string(bad),
		"records_dropped", len(s.records),
	)
	s.records = make(map[uint64]*Record)
	s.byContainer = make(map[string]map[uint64]struct{})
}
