package finnhub

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
)

var (
	_ provider.CryptoPricer     = (*Client)(nil)
	_ provider.StockPricer      = (*Client)(nil)
	_ provider.SecurityProvider = (*Client)(nil)
	_ provider.HealthChecker    = (*Client)(nil)
)

type quote struct {
	Current       decimal.Decimal `json:"c"`
	PreviousClose decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"`
}

type profile struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Logo     string `json:"logo"`
	Exchange string `json:"exchange"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
}

type searchResult struct {
	Count  int `json:"count"`
	Result []struct {
		Description   string `json:"description"`
		DisplaySymbol string `json:"displaySymbol"`
		Symbol        string `json:"symbol"`
		Type          string `json:"type"`
	} `json:"result"`
}

// cryptoSymbol maps a bare coin symbol onto the Binance USDT market.
func cryptoSymbol(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return "BINANCE:" + symbol + "USDT"
}

func (c *Client) quote(ctx context.Context, symbol string) (provider.Price, error) {
	var q quote
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &q); err != nil {
		return provider.Price{}, err
	}
	if !q.Current.IsPositive() {
		return provider.Price{}, provider.InvalidData(Name, "no price for %s", symbol)
	}
	asOf := c.now().UTC()
	if q.Timestamp > 0 {
		asOf = time.Unix(q.Timestamp, 0).UTC()
	}
	return provider.Price{Price: q.Current, Currency: "USD", AsOf: asOf, Source: Name}, nil
}

// FetchCryptoPrice quotes symbol against USDT and converts into currency.
func (c *Client) FetchCryptoPrice(ctx context.Context, symbol, currency string) (provider.Price, error) {
	symbol = provider.Normalize(symbol)
	p, err := c.quote(ctx, cryptoSymbol(symbol))
	if err != nil {
		return provider.Price{}, err
	}
	p.Symbol = symbol
	return provider.Convert(ctx, c.fx, p, currency, time.Time{})
}

// FetchStockPrice returns the current quote converted into currency.
func (c *Client) FetchStockPrice(ctx context.Context, symbol, currency string) (provider.Price, error) {
	symbol = provider.Normalize(symbol)
	p, err := c.quote(ctx, symbol)
	if err != nil {
		return provider.Price{}, err
	}
	p.Symbol = symbol
	return provider.Convert(ctx, c.fx, p, currency, time.Time{})
}

// FetchSecurityPrice serves today only; candles are a paid endpoint.
func (c *Client) FetchSecurityPrice(ctx context.Context, symbol, _ string, date time.Time) (provider.Price, error) {
	symbol = provider.Normalize(symbol)
	if !provider.IsCurrent(date, c.now()) {
		return provider.Price{}, provider.InvalidData(Name, "no historical prices for %s", symbol)
	}
	p, err := c.quote(ctx, symbol)
	if err != nil {
		return provider.Price{}, err
	}
	p.Symbol = symbol
	return p, nil
}

// FetchSecurityInfo reads the company profile, which carries the logo.
func (c *Client) FetchSecurityInfo(ctx context.Context, symbol, _ string) (provider.SecurityInfo, error) {
	symbol = provider.Normalize(symbol)
	var p profile
	if err := c.get(ctx, "/stock/profile2", url.Values{"symbol": {symbol}}, &p); err != nil {
		return provider.SecurityInfo{}, err
	}
	if p.Name == "" {
		return provider.SecurityInfo{}, provider.InvalidData(Name, "no profile for %s", symbol)
	}
	return provider.SecurityInfo{
		Symbol:   symbol,
		Name:     p.Name,
		LogoURL:  p.Logo,
		Exchange: p.Exchange,
		Country:  p.Country,
		Currency: provider.Normalize(p.Currency),
	}, nil
}

func (c *Client) SearchSecurities(ctx context.Context, query string) ([]provider.SecurityInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var res searchResult
	if err := c.get(ctx, "/search", url.Values{"q": {query}}, &res); err != nil {
		return nil, err
	}
	out := make([]provider.SecurityInfo, 0, len(res.Result))
	for _, r := range res.Result {
		symbol := provider.Normalize(r.Symbol)
		if symbol == "" {
			continue
		}
		out = append(out, provider.SecurityInfo{Symbol: symbol, Name: r.Description, Type: r.Type})
	}
	return out, nil
}

// Healthy quotes AAPL.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.quote(ctx, "AAPL")
	return err
}
