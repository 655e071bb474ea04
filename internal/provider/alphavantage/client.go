package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgermarket/internal/provider"
)

// Name is the registry name of the Alpha Vantage adapter.
const Name = "alpha_vantage"

const baseURL = "https://www.alphavantage.co/query"

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=alphavantage_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Alpha Vantage API.
type Client struct {
	// key is the API key; an empty key makes every capability NotConfigured.
	key string
	// baseURL is the query endpoint.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// fx converts native-currency prices; nil means the client itself.
	fx provider.RateFetcher
	// now is the clock used for "current" decisions.
	now func() time.Time
}

// Option is a configuration option for the Alpha Vantage client.
type Option func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithRateFetcher sets the FX source used to re-denominate stock prices.
func WithRateFetcher(fx provider.RateFetcher) Option {
	return func(c *Client) {
		c.fx = fx
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new Alpha Vantage API client.
func NewClient(key string, options ...Option) (*Client, error) {
	var client = &Client{
		key:        strings.TrimSpace(key),
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		now:        time.Now,
	}
	for _, option := range options {
		option(client)
	}
	if _, err := url.Parse(client.baseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	return client, nil
}

func (c *Client) Name() string { return Name }

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.key != "" }

func (c *Client) rates() provider.RateFetcher {
	if c.fx != nil {
		return c.fx
	}
	return c
}

// query performs one GET against the query endpoint and returns the decoded
// JSON object after checking the provider's error envelope.
func (c *Client) query(ctx context.Context, params url.Values) (map[string]any, error) {
	if !c.Configured() {
		return nil, provider.NotConfigured(Name)
	}
	query := maps.Clone(params)
	query.Set("apikey", c.key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, provider.Transport(Name, fmt.Errorf("creating request: %w", err))
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.Transport(Name, fmt.Errorf("performing request: %w", err))
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		break

	case http.StatusTooManyRequests:
		return nil, provider.RateLimited(Name, "http 429")

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, provider.InvalidData(Name, "unauthorized")

	default:
		return nil, provider.Transport(Name, fmt.Errorf("unexpected status code: %d", res.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, provider.Transport(Name, fmt.Errorf("reading response: %w", err))
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, provider.InvalidData(Name, "decoding response: %v", err)
	}
	if err := envelopeError(body); err != nil {
		return nil, err
	}
	return body, nil
}

// envelopeError maps the messages Alpha Vantage sends with HTTP 200.
func envelopeError(body map[string]any) error {
	if msg, ok := body["Error Message"].(string); ok {
		return provider.InvalidData(Name, "alpha vantage error: %s", msg)
	}
	if msg, ok := body["Note"].(string); ok {
		return provider.RateLimited(Name, "alpha vantage rate limit exceeded: "+msg)
	}
	if msg, ok := body["Information"].(string); ok {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "requests per day") {
			return provider.RateLimited(Name, "alpha vantage rate limit exceeded: "+msg)
		}
		return provider.InvalidData(Name, "alpha vantage info: %s", msg)
	}
	return nil
}
