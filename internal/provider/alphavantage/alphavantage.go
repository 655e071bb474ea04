package alphavantage

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
)

const dateLayout = "2006-01-02"

// compactDays is how far back a "compact" daily series reaches.
const compactDays = 100

var (
	_ provider.CryptoPricer     = (*Client)(nil)
	_ provider.StockPricer      = (*Client)(nil)
	_ provider.RateFetcher      = (*Client)(nil)
	_ provider.SecurityProvider = (*Client)(nil)
	_ provider.HealthChecker    = (*Client)(nil)
)

// FetchCryptoPrice returns the latest daily close of symbol in currency.
func (c *Client) FetchCryptoPrice(ctx context.Context, symbol, currency string) (provider.Price, error) {
	symbol, currency = provider.Normalize(symbol), provider.Normalize(currency)
	body, err := c.query(ctx, url.Values{
		"function": {"DIGITAL_CURRENCY_DAILY"},
		"symbol":   {symbol},
		"market":   {currency},
	})
	if err != nil {
		return provider.Price{}, err
	}

	series, ok := body["Time Series (Digital Currency Daily)"].(map[string]any)
	if !ok || len(series) == 0 {
		return provider.Price{}, provider.InvalidData(Name, "no crypto series for %s/%s", symbol, currency)
	}
	latest := ""
	for date := range series {
		if date > latest {
			latest = date
		}
	}
	day, _ := series[latest].(map[string]any)
	raw, ok := day["4. close"]
	if !ok {
		raw, ok = day[fmt.Sprintf("4a. close (%s)", currency)]
	}
	if !ok {
		return provider.Price{}, provider.InvalidData(Name, "no close for %s on %s", symbol, latest)
	}
	price, err := positive(raw, "close")
	if err != nil {
		return provider.Price{}, err
	}
	asOf, err := time.Parse(dateLayout, latest)
	if err != nil {
		return provider.Price{}, provider.InvalidData(Name, "bad series date %q", latest)
	}
	return provider.Price{Symbol: symbol, Price: price, Currency: currency, AsOf: asOf, Source: Name}, nil
}

// FetchExchangeRate returns the from->to rate. Dates before today read the
// daily FX series, anything else the realtime endpoint.
func (c *Client) FetchExchangeRate(ctx context.Context, from, to string, date time.Time) (provider.ExchangeRate, error) {
	from, to = provider.Normalize(from), provider.Normalize(to)
	now := c.now()
	if from == to {
		return provider.ExchangeRate{From: from, To: to, Rate: decimal.NewFromInt(1), Date: provider.Day(dateOrNow(date, now)), Source: Name}, nil
	}
	if provider.IsCurrent(date, now) {
		return c.currentRate(ctx, from, to, now)
	}
	return c.historicalRate(ctx, from, to, provider.Day(date), now)
}

func (c *Client) currentRate(ctx context.Context, from, to string, now time.Time) (provider.ExchangeRate, error) {
	body, err := c.query(ctx, url.Values{
		"function":      {"CURRENCY_EXCHANGE_RATE"},
		"from_currency": {from},
		"to_currency":   {to},
	})
	if err != nil {
		return provider.ExchangeRate{}, err
	}
	raw, err := jsonpath.Get(`$["Realtime Currency Exchange Rate"]["5. Exchange Rate"]`, body)
	if err != nil {
		return provider.ExchangeRate{}, provider.InvalidData(Name, "no exchange rate for %s/%s", from, to)
	}
	rate, err := positive(raw, "exchange rate")
	if err != nil {
		return provider.ExchangeRate{}, err
	}
	date := provider.Day(now)
	if refreshed, err := jsonpath.Get(`$["Realtime Currency Exchange Rate"]["6. Last Refreshed"]`, body); err == nil {
		if s, ok := refreshed.(string); ok && len(s) >= len(dateLayout) {
			if d, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
				date = d
			}
		}
	}
	return provider.ExchangeRate{From: from, To: to, Rate: rate, Date: date, Source: Name}, nil
}

func (c *Client) historicalRate(ctx context.Context, from, to string, date, now time.Time) (provider.ExchangeRate, error) {
	body, err := c.query(ctx, url.Values{
		"function":    {"FX_DAILY"},
		"from_symbol": {from},
		"to_symbol":   {to},
		"outputsize":  {outputSize(date, now)},
	})
	if err != nil {
		return provider.ExchangeRate{}, err
	}
	key := date.Format(dateLayout)
	raw, err := jsonpath.Get(fmt.Sprintf(`$["Time Series FX (Daily)"]["%s"]["4. close"]`, key), body)
	if err != nil {
		return provider.ExchangeRate{}, provider.InvalidData(Name, "no %s/%s rate on %s", from, to, key)
	}
	rate, err := positive(raw, "exchange rate")
	if err != nil {
		return provider.ExchangeRate{}, err
	}
	return provider.ExchangeRate{From: from, To: to, Rate: rate, Date: date, Source: Name}, nil
}

// FetchStockPrice returns the latest quote of symbol converted into currency.
func (c *Client) FetchStockPrice(ctx context.Context, symbol, currency string) (provider.Price, error) {
	p, err := c.globalQuote(ctx, provider.Normalize(symbol))
	if err != nil {
		return provider.Price{}, err
	}
	return provider.Convert(ctx, c.rates(), p, currency, time.Time{})
}

// FetchSecurityPrice returns the native (USD) price of symbol on date.
func (c *Client) FetchSecurityPrice(ctx context.Context, symbol, _ string, date time.Time) (provider.Price, error) {
	symbol = provider.Normalize(symbol)
	now := c.now()
	if provider.IsCurrent(date, now) {
		return c.globalQuote(ctx, symbol)
	}
	day := provider.Day(date)
	body, err := c.query(ctx, url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {symbol},
		"outputsize": {outputSize(day, now)},
	})
	if err != nil {
		return provider.Price{}, err
	}
	key := day.Format(dateLayout)
	raw, err := jsonpath.Get(fmt.Sprintf(`$["Time Series (Daily)"]["%s"]["4. close"]`, key), body)
	if err != nil {
		return provider.Price{}, provider.InvalidData(Name, "no %s close on %s", symbol, key)
	}
	price, err := positive(raw, "close")
	if err != nil {
		return provider.Price{}, err
	}
	return provider.Price{Symbol: symbol, Price: price, Currency: "USD", AsOf: day, Source: Name}, nil
}

func (c *Client) globalQuote(ctx context.Context, symbol string) (provider.Price, error) {
	body, err := c.query(ctx, url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
	})
	if err != nil {
		return provider.Price{}, err
	}
	raw, err := jsonpath.Get(`$["Global Quote"]["05. price"]`, body)
	if err != nil {
		return provider.Price{}, provider.InvalidData(Name, "no quote for %s", symbol)
	}
	price, err := positive(raw, "price")
	if err != nil {
		return provider.Price{}, err
	}
	asOf := provider.Day(c.now())
	if day, err := jsonpath.Get(`$["Global Quote"]["07. latest trading day"]`, body); err == nil {
		if s, ok := day.(string); ok {
			if d, err := time.Parse(dateLayout, s); err == nil {
				asOf = d
			}
		}
	}
	return provider.Price{Symbol: symbol, Price: price, Currency: "USD", AsOf: asOf, Source: Name}, nil
}

// FetchSecurityInfo returns company metadata from the OVERVIEW endpoint.
func (c *Client) FetchSecurityInfo(ctx context.Context, symbol, _ string) (provider.SecurityInfo, error) {
	symbol = provider.Normalize(symbol)
	body, err := c.query(ctx, url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
	})
	if err != nil {
		return provider.SecurityInfo{}, err
	}
	name := str(body, "Name")
	if name == "" {
		return provider.SecurityInfo{}, provider.InvalidData(Name, "no overview for %s", symbol)
	}
	return provider.SecurityInfo{
		Symbol:   symbol,
		Name:     name,
		Exchange: str(body, "Exchange"),
		Country:  str(body, "Country"),
		Currency: provider.Normalize(str(body, "Currency")),
		Type:     str(body, "AssetType"),
	}, nil
}

// SearchSecurities lists the best symbol matches for query.
func (c *Client) SearchSecurities(ctx context.Context, query string) ([]provider.SecurityInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	body, err := c.query(ctx, url.Values{
		"function": {"SYMBOL_SEARCH"},
		"keywords": {query},
	})
	if err != nil {
		return nil, err
	}
	matches, ok := body["bestMatches"].([]any)
	if !ok {
		return nil, provider.InvalidData(Name, "no matches field for %q", query)
	}
	out := make([]provider.SecurityInfo, 0, len(matches))
	for _, m := range matches {
		match, ok := m.(map[string]any)
		if !ok {
			continue
		}
		symbol := provider.Normalize(str(match, "1. symbol"))
		if symbol == "" {
			continue
		}
		out = append(out, provider.SecurityInfo{
			Symbol:   symbol,
			Name:     str(match, "2. name"),
			Type:     str(match, "3. type"),
			Country:  str(match, "4. region"),
			Currency: provider.Normalize(str(match, "8. currency")),
		})
	}
	return slices.Clip(out), nil
}

// Healthy probes the crypto endpoint with BTC/USD.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.FetchCryptoPrice(ctx, "BTC", "USD")
	return err
}

func outputSize(date, now time.Time) string {
	if provider.Day(now).Sub(date) > compactDays*24*time.Hour {
		return "full"
	}
	return "compact"
}

func dateOrNow(date, now time.Time) time.Time {
	if date.IsZero() {
		return now
	}
	return date
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// positive parses a numeric field and rejects zero or negative values.
func positive(raw any, field string) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := raw.(type) {
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		d = decimal.NewFromFloat(v)
	default:
		err = fmt.Errorf("unexpected type %T", raw)
	}
	if err != nil {
		return decimal.Decimal{}, provider.InvalidData(Name, "parsing %s: %v", field, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, provider.InvalidData(Name, "%s must be positive, got %s", field, d)
	}
	return d, nil
}
