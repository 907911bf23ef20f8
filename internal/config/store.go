package config

import (
	"context"
	"net/url"
	"sync"

	"github.com/sifthq/sift/internal/domain"
)

// Store supplies the externally managed filtering settings: the
// active rules for a page and the user's display preferences. Rules
// can change between cycles; callers must re-read rather than cache.
type Store interface {
	// GetActiveRules returns the allow and block rules for a page URL.
	GetActiveRules(ctx context.Context, pageURL string) (domain.RuleSet, error)
	// GetHidingMethod returns the configured hiding method.
	GetHidingMethod() domain.HidingMethod
	// GetToastEnabled reports whether hide notifications are shown.
	GetToastEnabled() bool
}

// StaticStore serves rules from the loaded configuration, keyed by
// host with a "default" fallback. Mutable at runtime so the rules
// admin surface can swap rule sets without a restart.
type StaticStore struct {
	mu      sync.RWMutex
	allow   map[string][]string
	block   map[string][]string
	method  domain.HidingMethod
	toast   bool
	version int
}

// NewStaticStore creates a store from the loaded configuration.
func NewStaticStore(cfg *Config) *StaticStore {
	method := domain.HidingMethod(cfg.Engine.HidingMethod)
	if !method.IsValid() {
		method = domain.HideMethodCollapse
	}

	allow := make(map[string][]string, len(cfg.Rules.Allow))
	for host, rules := range cfg.Rules.Allow {
		allow[host] = append([]string(nil), rules...)
	}
	block := make(map[string][]string, len(cfg.Rules.Block))
	for host, rules := range cfg.Rules.Block {
		block[host] = append([]string(nil), rules...)
	}

	return &StaticStore{
		allow:  allow,
		block:  block,
		method: method,
		toast:  cfg.Engine.ToastEnabled,
	}
}

// GetActiveRules returns the rules for the page's host merged with
// the default rules.
func (s *StaticStore) GetActiveRules(_ context.Context, pageURL string) (domain.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host := hostOf(pageURL)
	rs := domain.RuleSet{
		Allow: append([]string(nil), s.allow["default"]...),
		Block: append([]string(nil), s.block["default"]...),
	}
	if host != "" && host != "default" {
		rs.Allow = append(rs.Allow, s.allow[host]...)
		rs.Block = append(rs.Block, s.block[host]...)
	}
	return rs, nil
}

// GetHidingMethod returns the configured hiding method.
func (s *StaticStore) GetHidingMethod() domain.HidingMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.method
}

// GetToastEnabled reports whether hide notifications are shown.
func (s *StaticStore) GetToastEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toast
}

// SetRules replaces the rules for one host and bumps the store
// version.
func (s *StaticStore) SetRules(host string, rules domain.RuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if host == "" {
		host = "default"
	}
	s.allow[host] = append([]string(nil), rules.Allow...)
	s.block[host] = append([]string(nil), rules.Block...)
	s.version++
}

// SetHidingMethod replaces the hiding method if valid.
func (s *StaticStore) SetHidingMethod(method domain.HidingMethod) {
	if !method.IsValid() {
		return
	}
	s.mu.Lock()
	s.method = method
	s.mu.Unlock()
}

// SetToastEnabled toggles hide notifications.
func (s *StaticStore) SetToastEnabled(enabled bool) {
	s.mu.Lock()
	s.toast = enabled
	s.mu.Unlock()
}

// Version returns the number of rule mutations since startup.
func (s *StaticStore) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// hostOf extracts the host from a page URL; a bare host passes
// through unchanged.
func hostOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Hostname()
	}
	return pageURL
}
