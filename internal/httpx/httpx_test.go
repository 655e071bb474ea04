package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgermarket/internal/httpx"
)

func fastClient() *httpx.Client {
	c := httpx.New(2 * time.Second)
	c.Retry = httpx.Retry{MaxRetries: 2, InitialInterval: time.Millisecond, RandomizationFactor: 0.5, Multiplier: 2}
	return c
}

func TestDo_RetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	// Arrange: fail twice with 503, then answer.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	// Act
	resp, err := fastClient().Do(req)

	// Assert
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestDo_GivesUpAfterTwoRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	_, err = fastClient().Do(req)
	var se *httpx.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := fastClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestDo_SetsUserAgentAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ledgermarket/1.0", r.Header.Get("User-Agent"))
		require.Equal(t, "bar", r.Header.Get("X-Foo"))
	}))
	defer srv.Close()

	c := fastClient()
	c.Headers = map[string]string{"X-Foo": "bar"}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_TimeoutIsBounded(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := fastClient()
	c.HTTP.Timeout = 20 * time.Millisecond
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Do(req)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

type countingDoer struct {
	next  httpx.Doer
	calls atomic.Int32
}

func (c *countingDoer) Do(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.Do(req)
}

func TestDo_SendSeesEveryAttempt(t *testing.T) {
	t.Parallel()

	// Arrange
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	counter := &countingDoer{}
	client := fastClient().WithSend(func(next httpx.Doer) httpx.Doer {
		counter.next = next
		return counter
	})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	// Act
	_, err = client.Do(req)

	// Assert
	var status *httpx.StatusError
	require.ErrorAs(t, err, &status)
	require.EqualValues(t, 3, counter.calls.Load())
}
