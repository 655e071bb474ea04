package ratelimit

import (
	"net/http"
	"sync"
	"time"
)

// Doer is the HTTP client shape adapters depend on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MinInterval wraps a Doer and enforces a minimum time between requests.
// Concurrent calls wait until the interval has elapsed since the last call,
// or return early if the request context is canceled.
type MinInterval struct {
	Next     Doer
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func (m *MinInterval) Do(req *http.Request) (*http.Response, error) {
	if m.Interval > 0 {
		// reserve the next slot under the lock so concurrent callers queue up
		m.mu.Lock()
		slot := m.last.Add(m.Interval)
		now := time.Now()
		if slot.Before(now) {
			slot = now
		}
		m.last = slot
		m.mu.Unlock()
		if wait := time.Until(slot); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-t.C:
			}
		}
	}
	return m.Next.Do(req)
}
