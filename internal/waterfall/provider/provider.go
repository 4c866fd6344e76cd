// Package provider defines the adapter contract the waterfall calls data
// providers through, plus the built-in adapters.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// Request is the slice of a record a provider sees.
type Request struct {
	RecordID string         `json:"record_id"`
	TierID   string         `json:"tier_id"`
	Fields   map[string]any `json:"fields"`
	// Want lists the fields the tier targets that the record is missing.
	Want []string `json:"want"`
}

// FieldResult is a single field value returned by a provider.
type FieldResult struct {
	Field      string     `json:"field"`
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence,omitempty"`
	DataAsOf   *time.Time `json:"data_as_of,omitempty"`
}

// Result is a successful provider response.
type Result struct {
	Fields []FieldResult `json:"fields"`
	// CostUSD is what the provider reports it billed; zero means unreported.
	CostUSD float64 `json:"cost_usd"`
	// Confidence applies to any field that carries none of its own.
	Confidence float64 `json:"confidence"`
}

// Adapter wraps one data source. Failures are returned as
// *resilience.ProviderError so the caller only sees the failure kind.
type Adapter interface {
	Name() string
	Enrich(ctx context.Context, req Request) (*Result, error)
}

// Fail builds the failure envelope for an adapter.
func Fail(provider string, kind resilience.Kind, err error) error {
	return resilience.NewProviderError(provider, kind, err)
}

type funcAdapter struct {
	name string
	fn   func(ctx context.Context, req Request) (*Result, error)
}

func (f *funcAdapter) Name() string { return f.name }

func (f *funcAdapter) Enrich(ctx context.Context, req Request) (*Result, error) {
	return f.fn(ctx, req)
}

// AdapterFunc turns a function into a named Adapter.
func AdapterFunc(name string, fn func(ctx context.Context, req Request) (*Result, error)) Adapter {
	return &funcAdapter{name: name, fn: fn}
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Adapter
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Adapter),
	}
}

// Register adds a provider to the registry, replacing any with the same name.
func (r *Registry) Register(p Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
