package app_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ledgermarket/internal/app"
	"ledgermarket/internal/config"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/alphavantage"
	"ledgermarket/internal/provider/finnhub"
	"ledgermarket/internal/provider/registry"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Store.DSN = "file::memory:"
	return cfg
}

func TestPolicy_PreferredStocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.PreferredStocks = alphavantage.Name
	cfg.Routes = map[string][]string{"securities/search": {alphavantage.Name}}

	p, err := app.Policy(cfg)

	require.NoError(t, err)
	require.Equal(t, []string{alphavantage.Name, finnhub.Name},
		p[registry.Route{Concept: provider.ConceptStockPrices, Operation: registry.OpCurrent}])
	require.Equal(t, []string{alphavantage.Name},
		p[registry.Route{Concept: provider.ConceptSecurities, Operation: registry.OpSearch}])
}

func TestPolicy_RejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.PreferredStocks = "yahoo"
	_, err := app.Policy(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Routes = map[string][]string{"stock_prices/weekly": {finnhub.Name}}
	_, err = app.Policy(cfg)
	require.Error(t, err)
}

func TestBuild_OnlyKeyedProvidersAreActive(t *testing.T) {
	t.Parallel()

	// Arrange
	cfg := testConfig()
	cfg.Providers.Finnhub.APIKey = "fh-key"

	// Act
	a, err := app.Build(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	// Assert
	reg := a.Router.Registry()
	require.Equal(t, []string{alphavantage.Name, finnhub.Name}, reg.Names())
	require.True(t, reg.Configured(finnhub.Name))
	require.False(t, reg.Configured(alphavantage.Name))

	sp, err := a.Router.StockPricer(registry.OpCurrent)
	require.NoError(t, err)
	require.Equal(t, finnhub.Name, sp.Name())

	_, err = a.Router.RateFetcher(registry.OpCurrent)
	require.ErrorIs(t, err, provider.ErrNotConfigured)
}

func TestBuild_RejectsBadSettings(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache.Backend = "memcached"
	_, err := app.Build(t.Context(), cfg, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Importer.Mode = "weekly"
	_, err = app.Build(t.Context(), cfg, nil)
	require.Error(t, err)
}
