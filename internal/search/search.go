// Package search provides a pluggable web search interface for the agent.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes a single [Manager.Search] method that
// the search_web capability calls.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

// ErrUnavailable wraps every failure to obtain results, whether the
// provider is missing, unreachable or returned garbage.
var ErrUnavailable = errors.New("search unavailable")

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ProviderOption adjusts a provider's endpoint or HTTP client.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	endpoint   string
	httpClient *http.Client
}

// WithEndpoint overrides the provider's API URL.
func WithEndpoint(u string) ProviderOption {
	return func(c *providerConfig) { c.endpoint = u }
}

// WithHTTPClient overrides the provider's HTTP client.
func WithHTTPClient(hc *http.Client) ProviderOption {
	return func(c *providerConfig) { c.httpClient = hc }
}

func newProviderConfig(endpoint string, opts []ProviderOption) providerConfig {
	cfg := providerConfig{endpoint: endpoint}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRateLimitRetry(3, time.Second),
		)
	}
	return cfg
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger.With("component", "search"),
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider, then against the
// remaining providers in name order until one succeeds. Only the final
// failure is returned, wrapped in ErrUnavailable.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	order := m.fallbackOrder()
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrUnavailable, m.primary)
	}

	var lastErr error
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		results, err := m.SearchWith(ctx, name, query, opts)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if name != order[len(order)-1] {
			m.logger.Info("falling back to next search provider", "failed", name)
		}
	}
	return nil, lastErr
}

// fallbackOrder lists the primary first when registered, then the other
// providers sorted by name.
func (m *Manager) fallbackOrder() []string {
	var order []string
	if _, ok := m.providers[m.primary]; ok {
		order = append(order, m.primary)
	}
	for _, name := range m.Providers() {
		if name != m.primary {
			order = append(order, name)
		}
	}
	return order
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrUnavailable, provider)
	}

	start := time.Now()
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		m.logger.Warn("search failed", "provider", provider, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if opts.Count > 0 && len(results) > opts.Count {
		results = results[:opts.Count]
	}

	m.logger.Debug("search complete",
		"provider", provider,
		"results", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}

// Primary returns the name of the default provider.
func (m *Manager) Primary() string { return m.primary }

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults builds a human-readable result string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var buf []byte
	for i, r := range results {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, strconv.Itoa(i+1)...)
		buf = append(buf, ". "...)
		buf = append(buf, r.Title...)
		buf = append(buf, '\n')
		buf = append(buf, "   "...)
		buf = append(buf, r.URL...)
		if r.Snippet != "" {
			buf = append(buf, '\n')
			buf = append(buf, "   "...)
			buf = append(buf, r.Snippet...)
		}
	}
	return string(buf)
}
