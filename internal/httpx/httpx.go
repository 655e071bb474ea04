package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry describes the transport-level retry schedule.
type Retry struct {
	MaxRetries          uint64
	InitialInterval     time.Duration
	RandomizationFactor float64
	Multiplier          float64
}

// DefaultRetry retries twice, starting at 50ms with +-50% jitter, doubling.
var DefaultRetry = Retry{MaxRetries: 2, InitialInterval: 50 * time.Millisecond, RandomizationFactor: 0.5, Multiplier: 2}

// StatusError is returned when the upstream kept answering 5xx.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string { return fmt.Sprintf("upstream status %s", e.Status) }

// Doer sends one request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a small wrapper around http.Client with sane defaults.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
	Retry     Retry
	// Send, when set, carries every attempt instead of HTTP, so a rate
	// limiter placed here also counts retries.
	Send Doer
}

// WithSend returns a copy of c whose attempts go through wrap(c.HTTP).
func (c *Client) WithSend(wrap func(Doer) Doer) *Client {
	cp := *c
	cp.Send = wrap(c.HTTP)
	return &cp
}

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		UserAgent: "ledgermarket/1.0",
		Retry:     DefaultRetry,
	}
}

// Do sends req, retrying connection errors and 5xx answers per c.Retry.
// Any other response, including 4xx, is returned to the caller as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	attempt := 0
	op := func() (*http.Response, error) {
		r := req
		if attempt > 0 {
			var err error
			if r, err = rewind(ctx, req); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		attempt++
		resp, err := c.sender().Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return resp, nil
	}
	return backoff.RetryWithData(op, c.schedule(ctx))
}

func (c *Client) sender() Doer {
	if c.Send != nil {
		return c.Send
	}
	return c.HTTP
}

func (c *Client) schedule(ctx context.Context) backoff.BackOff {
	r := c.Retry
	if r.InitialInterval <= 0 {
		r = DefaultRetry
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.RandomizationFactor = r.RandomizationFactor
	b.Multiplier = r.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)
}

func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind body: %w", err)
	}
	r.Body = body
	return r, nil
}
