package provider

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Concept is a category of market data served by one or more providers.
type Concept string

const (
	ConceptCryptoPrices  Concept = "crypto_prices"
	ConceptStockPrices   Concept = "stock_prices"
	ConceptExchangeRates Concept = "exchange_rates"
	ConceptSecurities    Concept = "securities"
)

// Concepts lists every known concept in a stable order.
var Concepts = []Concept{ConceptCryptoPrices, ConceptStockPrices, ConceptExchangeRates, ConceptSecurities}

// Price is the normalized shape returned by all price capabilities.
type Price struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
	Source   string          `json:"source,omitempty"`
}

// ExchangeRate converts one unit of From into Rate units of To on Date.
type ExchangeRate struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Rate   decimal.Decimal `json:"rate"`
	Date   time.Time       `json:"date"`
	Source string          `json:"source,omitempty"`
}

// SecurityInfo is the metadata a provider knows about a listed security.
type SecurityInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	LogoURL  string `json:"logo_url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Country  string `json:"country,omitempty"`
	Currency string `json:"currency,omitempty"`
	Type     string `json:"type,omitempty"`
}

type Provider interface {
	Name() string
}

type CryptoPricer interface {
	Provider
	FetchCryptoPrice(ctx context.Context, symbol, currency string) (Price, error)
}

type StockPricer interface {
	Provider
	FetchStockPrice(ctx context.Context, symbol, currency string) (Price, error)
}

type RateFetcher interface {
	Provider
	FetchExchangeRate(ctx context.Context, from, to string, date time.Time) (ExchangeRate, error)
}

type SecurityProvider interface {
	Provider
	FetchSecurityInfo(ctx context.Context, symbol, exchange string) (SecurityInfo, error)
	FetchSecurityPrice(ctx context.Context, symbol, exchange string, date time.Time) (Price, error)
	SearchSecurities(ctx context.Context, query string) ([]SecurityInfo, error)
}

// HealthChecker is implemented by adapters that can probe their upstream.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Normalize upper-cases symbols and currency codes so identity is case-insensitive.
func Normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsCurrent reports whether date is today or later relative to now.
func IsCurrent(date, now time.Time) bool {
	return date.IsZero() || !Day(date).Before(Day(now))
}

// Convert re-denominates p into the target currency by fetching a native->target
// rate through fx and multiplying. A price already in the target currency is
// returned untouched and fx is not called. A zero date asks for the current
// rate.
func Convert(ctx context.Context, fx RateFetcher, p Price, to string, date time.Time) (Price, error) {
	to = Normalize(to)
	if to == "" || p.Currency == to {
		return p, nil
	}
	if fx == nil {
		return Price{}, NotConfigured("fx")
	}
	rate, err := fx.FetchExchangeRate(ctx, p.Currency, to, date)
	if err != nil {
		return Price{}, err
	}
	p.Price = p.Price.Mul(rate.Rate)
	p.Currency = to
	return p, nil
}
