package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/email-extract/internal/dispatch"
	"github.com/sells-group/email-extract/internal/extract"
	"github.com/sells-group/email-extract/internal/orchestrator"
	"github.com/sells-group/email-extract/internal/resilience"
	"github.com/sells-group/email-extract/internal/store"
	anthropicpkg "github.com/sells-group/email-extract/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "extract.db"
		}
		return store.NewSQLite(dsn, store.WithBatchSize(cfg.Store.BatchSize))
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:  cfg.Store.MaxConns,
			MinConns:  cfg.Store.MinConns,
			BatchSize: cfg.Store.BatchSize,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore initializes and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// extractEnv holds the store and the run manager used by the start,
// resume and serve commands.
type extractEnv struct {
	Store   store.Store
	Manager *orchestrator.Manager
}

// Close releases resources held by the environment.
func (e *extractEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initExtractor wires the model client, extraction processor, dispatcher
// and run manager. Callers should defer env.Close().
func initExtractor(ctx context.Context, mode string) (*extractEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	extractor := extract.NewAnthropicExtractor(client, extract.NewValidator(), cfg.Anthropic.MaxTokens)
	processor := extract.NewProcessor(extractor, catalog,
		resilience.NewBreakers(cfg.Extraction.Breaker()),
		extract.Config{
			Timeout: cfg.Extraction.Timeout(),
			Retry:   cfg.Extraction.Retry(),
		},
	)

	manager := orchestrator.New(st, processor, dispatch.New(catalog), dispatch.NewRegistry(),
		orchestrator.Config{StaleAfter: cfg.Extraction.StaleAfter()})

	return &extractEnv{Store: st, Manager: manager}, nil
}

// newControlManager builds a manager for commands that only change run
// state, such as cancel, and never execute items.
func newControlManager(st store.Store) *orchestrator.Manager {
	return orchestrator.New(st, nil, nil, nil, orchestrator.Config{StaleAfter: cfg.Extraction.StaleAfter()})
}
