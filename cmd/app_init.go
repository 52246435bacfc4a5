package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/stage"
	"github.com/sells-group/discovery-cli/internal/store"
	anthropicpkg "github.com/sells-group/discovery-cli/pkg/anthropic"
)

// appEnv holds everything the run/serve/worker commands need.
type appEnv struct {
	Store   store.Store
	Cache   *cache.Cache
	Ledger  *cost.Ledger
	Gateway *gateway.Gateway
	Catalog *catalog.Catalog
	Orch    *pipeline.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadCatalog reads catalog.path, or the built-in catalog when unset.
func loadCatalog() (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}
	return cat, nil
}

// initApp validates the config for mode and wires the orchestrator.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)

	calc := cost.NewCalculator(cfg.Rates())
	gw := gateway.New(client, calc, cfg.GatewayOptions())
	fc := cache.New(st, cfg.CacheOptions())
	ledger := cost.NewLedger(cfg.LedgerWindow())

	stages := stage.NewExecutors(cfg.StageConfig(), stage.Deps{
		Gateway:   gw,
		Cache:     fc,
		Budget:    ledger,
		Estimator: calc,
		Catalog:   cat,
	})
	orch := pipeline.New(st, stages, ledger, cfg.OrchestratorConfig())

	zap.L().Info("discovery pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("synthesis_model", cfg.Anthropic.SynthesisModel),
		zap.String("mapping_model", cfg.Anthropic.MappingModel),
		zap.Int("catalog_services", len(cat.Services())),
	)

	return &appEnv{
		Store:   st,
		Cache:   fc,
		Ledger:  ledger,
		Gateway: gw,
		Catalog: cat,
		Orch:    orch,
	}, nil
}

// initInspector wires an orchestrator without stage executors for commands
// that only read or abort runs, so they need no provider key.
func initInspector(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	orch := pipeline.New(st, stage.NewSet(), cost.NewLedger(cfg.LedgerWindow()), cfg.OrchestratorConfig())
	return &appEnv{Store: st, Orch: orch}, nil
}
