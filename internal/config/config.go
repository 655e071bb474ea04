package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Store struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type Cache struct {
	Backend  string `json:"backend" yaml:"backend"`
	TTLSec   int    `json:"ttl_sec" yaml:"ttl_sec"`
	MaxItems int    `json:"max_items" yaml:"max_items"`
	Redis    Redis  `json:"redis" yaml:"redis"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// Provider configures one market data adapter. An empty APIKey leaves the
// adapter registered but not configured.
type Provider struct {
	APIKey               string `json:"api_key" yaml:"api_key"`
	BaseURL              string `json:"base_url" yaml:"base_url"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	Burst                int    `json:"burst" yaml:"burst"`
	MinRequestIntervalMs int    `json:"min_request_interval_ms" yaml:"min_request_interval_ms"`
}

type Providers struct {
	AlphaVantage Provider `json:"alpha_vantage" yaml:"alpha_vantage"`
	Finnhub      Provider `json:"finnhub" yaml:"finnhub"`
	// PreferredStocks moves one adapter to the front of every stock route.
	PreferredStocks string `json:"preferred_stocks" yaml:"preferred_stocks"`
}

type Importer struct {
	Mode        string `json:"mode" yaml:"mode"`
	HomeFrom    string `json:"home_from" yaml:"home_from"`
	HomeTo      string `json:"home_to" yaml:"home_to"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	Historical  bool   `json:"historical" yaml:"historical"`
}

type Jobs struct {
	Workers          int  `json:"workers" yaml:"workers"`
	MaxAttempts      int  `json:"max_attempts" yaml:"max_attempts"`
	RetryDelaySec    int  `json:"retry_delay_sec" yaml:"retry_delay_sec"`
	DailyRateRefresh bool `json:"daily_rate_refresh" yaml:"daily_rate_refresh"`
}

type Config struct {
	Server    Server    `json:"server" yaml:"server"`
	Log       Log       `json:"log" yaml:"log"`
	Store     Store     `json:"store" yaml:"store"`
	Cache     Cache     `json:"cache" yaml:"cache"`
	Providers Providers `json:"providers" yaml:"providers"`
	// Routes overrides adapter order per "<concept>/<operation>".
	Routes   map[string][]string `json:"routes" yaml:"routes"`
	Importer Importer            `json:"importer" yaml:"importer"`
	Jobs     Jobs                `json:"jobs" yaml:"jobs"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10},
		Log:    Log{Level: "info", Format: "json"},
		Store:  Store{Driver: "sqlite"},
		Cache: Cache{
			Backend:  "memory",
			TTLSec:   300,
			MaxItems: 10000,
			Redis:    Redis{Addr: "localhost:6379", Prefix: "ledgermarket:"},
		},
		Providers: Providers{
			// free tier: 25 requests a day, 5 a minute
			AlphaVantage: Provider{MaxRequestsPerMinute: 5, Burst: 1},
			Finnhub:      Provider{MaxRequestsPerMinute: 60, Burst: 5},
		},
		Importer: Importer{Mode: "full", HomeFrom: "USD", HomeTo: "EUR", Concurrency: 1},
		Jobs:     Jobs{Workers: 2, MaxAttempts: 3, RetryDelaySec: 30, DailyRateRefresh: true},
	}
}

// Load reads a JSON or YAML config from path, picked by extension. If path
// is empty, config.json or config.yaml in the working directory is used when
// present. Missing files yield defaults. Environment variables override
// select fields, notably API keys.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if x, ok := getenvInt("REQUEST_TIMEOUT_SEC"); ok && x > 0 {
		cfg.Server.RequestTimeoutSec = x
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
		cfg.Cache.Backend = "redis"
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("ALPHA_VANTAGE_API_KEY"); v != "" {
		cfg.Providers.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Providers.Finnhub.APIKey = v
	}
	if v := os.Getenv("PRICE_PROVIDER_STOCKS"); v != "" {
		cfg.Providers.PreferredStocks = v
	}
	if v := os.Getenv("IMPORTER_MODE"); v != "" {
		cfg.Importer.Mode = v
	}
	if v := os.Getenv("HOME_CURRENCY_FROM"); v != "" {
		cfg.Importer.HomeFrom = v
	}
	if v := os.Getenv("HOME_CURRENCY_TO"); v != "" {
		cfg.Importer.HomeTo = v
	}
}

func getenvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	var x int
	if _, err := fmt.Sscanf(v, "%d", &x); err != nil {
		return 0, false
	}
	return x, true
}
