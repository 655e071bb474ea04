package jobs

import (
	"context"
	"errors"
	"log/slog"

	"ledgermarket/internal/importer"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/store"
)

type Syncer interface {
	Sync(ctx context.Context, mode string, clearCache bool) (importer.Stats, error)
}

type HomeRateUpdater interface {
	UpdateHomeRate(ctx context.Context) (store.ExchangeRate, bool, error)
}

type PriceRefresher interface {
	RefreshPrice(ctx context.Context, holdingID int64) (store.Account, error)
}

// ImportMarketData runs a batch import.
type ImportMarketData struct {
	Importer   Syncer
	Mode       string
	ClearCache bool
}

func (j ImportMarketData) Name() string { return "import_market_data" }

func (j ImportMarketData) Run(ctx context.Context) error {
	_, err := j.Importer.Sync(ctx, j.Mode, j.ClearCache)
	return err
}

// RefreshHomeRate is the scheduled home-pair refresh. Provider failures are
// logged and absorbed; anything else is returned so the runner sees it.
type RefreshHomeRate struct {
	Importer HomeRateUpdater
	Log      *slog.Logger
}

func (j RefreshHomeRate) Name() string { return "refresh_home_rate" }

func (j RefreshHomeRate) Run(ctx context.Context) error {
	_, _, err := j.Importer.UpdateHomeRate(ctx)
	var perr *provider.Error
	if errors.As(err, &perr) {
		log := j.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("home rate refresh skipped", "provider", perr.Provider, "kind", provider.KindOf(err).Error(), "error", err)
		return nil
	}
	return err
}

// RefreshHolding fetches a fresh price for one holding and reconciles it.
type RefreshHolding struct {
	Reconciler PriceRefresher
	HoldingID  int64
}

func (j RefreshHolding) Name() string { return "refresh_holding" }

func (j RefreshHolding) Run(ctx context.Context) error {
	_, err := j.Reconciler.RefreshPrice(ctx, j.HoldingID)
	return err
}
