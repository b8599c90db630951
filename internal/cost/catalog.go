package cost

import (
	"sort"
	"sync"
)

// DefaultConcurrency is used for providers missing from the catalog.
const DefaultConcurrency = 1

// ProviderLimits bounds how hard a single run may drive one provider.
type ProviderLimits struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	Provider string    `yaml:"provider" mapstructure:"provider"`
	Rate     ModelRate `yaml:"rate" mapstructure:"rate"`
}

// Catalog maps model id -> provider -> limits. It is safe for concurrent use
// and may be swapped at runtime when configuration reloads.
type Catalog struct {
	mu        sync.RWMutex
	models    map[string]ModelInfo
	providers map[string]ProviderLimits
}

// NewCatalog creates a catalog from model and provider tables.
func NewCatalog(models map[string]ModelInfo, providers map[string]ProviderLimits) *Catalog {
	c := &Catalog{}
	c.Replace(models, providers)
	return c
}

// Replace swaps both tables atomically.
func (c *Catalog) Replace(models map[string]ModelInfo, providers map[string]ProviderLimits) {
	m := make(map[string]ModelInfo, len(models))
	for k, v := range models {
		m[k] = v
	}
	p := make(map[string]ProviderLimits, len(providers))
	for k, v := range providers {
		p[k] = v
	}

	c.mu.Lock()
	c.models = m
	c.providers = p
	c.mu.Unlock()
}

// Lookup returns the model entry for id.
func (c *Catalog) Lookup(modelID string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.models[modelID]
	return info, ok
}

// Provider returns the provider serving modelID, or "" if unknown.
func (c *Catalog) Provider(modelID string) string {
	info, _ := c.Lookup(modelID)
	return info.Provider
}

// Limits returns the provider limits for the provider serving modelID.
// Unknown models and providers get DefaultConcurrency and no pacing.
func (c *Catalog) Limits(modelID string) ProviderLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limits := ProviderLimits{Concurrency: DefaultConcurrency}
	info, ok := c.models[modelID]
	if !ok {
		return limits
	}
	if p, ok := c.providers[info.Provider]; ok {
		limits = p
	}
	if limits.Concurrency <= 0 {
		limits.Concurrency = DefaultConcurrency
	}
	return limits
}

// Concurrency is the wave size for runs using modelID.
func (c *Catalog) Concurrency(modelID string) int {
	return c.Limits(modelID).Concurrency
}

// Cost prices usage for modelID. Unknown models cost 0.
func (c *Catalog) Cost(modelID string, u Usage) float64 {
	info, ok := c.Lookup(modelID)
	if !ok {
		return 0
	}
	return info.Rate.Price(u)
}

// Models lists the known model ids in sorted order.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.models))
	for id := range c.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DefaultModels returns the built-in model table.
func DefaultModels() map[string]ModelInfo {
	rate := func(in, out float64) ModelRate {
		return ModelRate{Input: in, Output: out, CacheWriteMul: 1.25, CacheReadMul: 0.1}
	}
	return map[string]ModelInfo{
		"claude-haiku-4-5-20251001":  {Provider: "anthropic", Rate: rate(0.80, 4.00)},
		"claude-sonnet-4-5-20250929": {Provider: "anthropic", Rate: rate(3.00, 15.00)},
		"claude-opus-4-6":            {Provider: "anthropic", Rate: rate(15.00, 75.00)},
	}
}

// DefaultProviders returns the built-in provider limits.
func DefaultProviders() map[string]ProviderLimits {
	return map[string]ProviderLimits{
		"anthropic": {Concurrency: 5, RequestsPerMinute: 50},
	}
}
