package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings required by the given command mode:
// "run" (start/resume), "serve", or "store" (commands that only touch the
// database).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		errs = append(errs, c.validateStore()...)
	case "run":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateExtraction()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateExtraction()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, "store.batch_size must be > 0")
	}
	return errs
}

func (c *Config) validateExtraction() []string {
	var errs []string
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if c.Extraction.MaxAttempts < 1 {
		errs = append(errs, "extraction.max_attempts must be >= 1")
	}
	if c.Extraction.TimeoutSecs <= 0 {
		errs = append(errs, "extraction.timeout_secs must be > 0")
	}
	for name, p := range c.Providers {
		if p.Concurrency < 1 {
			errs = append(errs, fmt.Sprintf("providers.%s.concurrency must be >= 1", name))
		}
		if p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.requests_per_minute must be >= 0", name))
		}
	}
	for id, m := range c.Models {
		if m.Provider == "" {
			errs = append(errs, fmt.Sprintf("models.%s.provider is required", id))
		}
	}
	return errs
}
