package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgermarket/internal/provider"
)

// Name is the registry name of the Finnhub adapter.
const Name = "finnhub"

const baseURL = "https://finnhub.io/api/v1"

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=finnhub_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Finnhub REST API.
type Client struct {
	key        string
	baseURL    *url.URL
	httpClient HTTPClient
	header     http.Header
	// fx converts USD quotes into other currencies. Finnhub's free tier has
	// no FX endpoint, so without one only USD requests succeed.
	fx  provider.RateFetcher
	now func() time.Time
}

type Option func(*Client) error

func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		u, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil {
			return fmt.Errorf("parsing base url: %w", err)
		}
		c.baseURL = u
		return nil
	}
}

func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) error {
		c.httpClient = httpClient
		return nil
	}
}

func WithHeader(header http.Header) Option {
	return func(c *Client) error {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
		return nil
	}
}

func WithRateFetcher(fx provider.RateFetcher) Option {
	return func(c *Client) error {
		c.fx = fx
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// NewClient creates a Finnhub client. An empty key is accepted; every call
// then reports NotConfigured.
func NewClient(key string, options ...Option) (*Client, error) {
	u, _ := url.Parse(baseURL)
	client := &Client{
		key:        strings.TrimSpace(key),
		baseURL:    u,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		now:        time.Now,
	}
	for _, option := range options {
		if err := option(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Configured() bool { return c.key != "" }

// get issues GET {base}{path}?{params}&token=key and decodes the JSON answer into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if !c.Configured() {
		return provider.NotConfigured(Name)
	}
	u := c.baseURL.JoinPath(path)
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("token", c.key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return provider.Transport(Name, fmt.Errorf("creating request: %w", err))
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transport(Name, fmt.Errorf("performing request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return provider.RateLimited(Name, "API limit reached")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return provider.InvalidData(Name, "unauthorized")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return provider.Transport(Name, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.InvalidData(Name, "decoding %s: %v", path, err)
	}
	return nil
}
