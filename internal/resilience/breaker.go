package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a provider's breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a provider breaker opens.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// that opens the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before letting a
	// probe through.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker policy for model providers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker is a consecutive-failure circuit breaker for one provider.
// Only transient failures count; a schema violation says nothing about
// provider health.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open. Once the reset
// timeout elapses calls are let through again; the next failure reopens it.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.cfg.FailureThreshold {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return nil
	}
	return ErrCircuitOpen
}

// Record folds a call result into the breaker.
func (b *Breaker) Record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		if b.failures >= b.cfg.FailureThreshold {
			zap.L().Info("circuit closed", zap.String("provider", b.name))
		}
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		if b.failures == b.cfg.FailureThreshold {
			zap.L().Warn("circuit opened",
				zap.String("provider", b.name),
				zap.Int("failures", b.failures),
			)
		}
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	return b.Allow() != nil
}

// Breakers hands out one breaker per provider.
type Breakers struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty per-provider registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for provider, creating it on first use.
func (r *Breakers) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(provider, r.cfg)
		r.breakers[provider] = b
	}
	return b
}
