package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))

	require.NoError(t, err)
	require.Equal(t, Default().Cache, cfg.Cache)
	require.Equal(t, "USD", cfg.Importer.HomeFrom)
	require.Empty(t, cfg.Providers.Finnhub.APIKey)
}

func TestLoad_YAML(t *testing.T) {
	path := write(t, "config.yaml", `
store:
  driver: postgres
  dsn: postgres://localhost/ledger
providers:
  finnhub:
    api_key: fh-key
    max_requests_per_minute: 30
routes:
  stock_prices/current: [alpha_vantage]
importer:
  mode: snapshot
  historical: true
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "fh-key", cfg.Providers.Finnhub.APIKey)
	require.Equal(t, 30, cfg.Providers.Finnhub.MaxRequestsPerMinute)
	require.Equal(t, []string{"alpha_vantage"}, cfg.Routes["stock_prices/current"])
	require.Equal(t, "snapshot", cfg.Importer.Mode)
	require.True(t, cfg.Importer.Historical)
	// untouched sections keep defaults
	require.Equal(t, 300, cfg.Cache.TTLSec)
}

func TestLoad_JSON(t *testing.T) {
	path := write(t, "config.json", `{"server":{"port":"9090"},"cache":{"backend":"redis"}}`)

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "redis", cfg.Cache.Backend)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(write(t, "config.json", `{"server":`))
	require.Error(t, err)
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("ALPHA_VANTAGE_API_KEY", "av-key")
	t.Setenv("PRICE_PROVIDER_STOCKS", "alpha_vantage")
	t.Setenv("DATABASE_URL", "postgres://db/ledger")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("HOME_CURRENCY_TO", "GBP")
	t.Setenv("REQUEST_TIMEOUT_SEC", "abc")

	cfg := Default()
	applyEnv(&cfg)

	require.Equal(t, "av-key", cfg.Providers.AlphaVantage.APIKey)
	require.Equal(t, "alpha_vantage", cfg.Providers.PreferredStocks)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "redis", cfg.Cache.Backend)
	require.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)
	require.Equal(t, "GBP", cfg.Importer.HomeTo)
	require.Equal(t, 10, cfg.Server.RequestTimeoutSec)
}
