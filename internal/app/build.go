package app

import (
	"context"
	"fmt"
	"time"

	"github.com/friendapp/rtc/internal/billing"
	"github.com/friendapp/rtc/internal/config"
	"github.com/friendapp/rtc/internal/core"
	"github.com/friendapp/rtc/internal/directory"
	"github.com/friendapp/rtc/internal/httpapi"
	"github.com/friendapp/rtc/internal/match"
	"github.com/friendapp/rtc/internal/observability"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Engine    *core.Engine
	Directory directory.Store
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	dir, err := directory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("directory init failed: %w", err)
	}

	ledger := billing.NewLedger(dir, billing.Policy{
		CallCost:      cfg.CallCost,
		EarnRateUnits: cfg.EarnRateUnits,
		EarnBlock:     cfg.EarnBlock,
		PayerGender:   cfg.PayerGender,
	})

	engine := core.New(dir, ledger, metrics, cfg.RingTimeout, match.Policy{
		LanguageWildcard: cfg.LanguageWildcard,
	})

	api := httpapi.New(cfg, engine, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Engine:    engine,
		Directory: dir,
		Metrics:   metrics,
		Cleanup:   dir.Close,
	}, nil
}

// BuildTimeout bounds collaborator initialization at startup.
const BuildTimeout = 30 * time.Second
