package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgermarket/internal/provider"
)

const (
	// DefaultTTL is how long a successful fetch is served from cache.
	DefaultTTL = 5 * time.Minute
	// DefaultFlightTimeout bounds one shared fetch.
	DefaultFlightTimeout = 30 * time.Second
)

// Key identifies a cached value. Symbol and currency are normalized so keys
// are case-insensitive and never collide across concepts.
type Key struct {
	Concept  provider.Concept
	Symbol   string
	Currency string
}

func NewKey(concept provider.Concept, symbol, currency string) Key {
	return Key{Concept: concept, Symbol: provider.Normalize(symbol), Currency: provider.Normalize(currency)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Concept, k.Symbol, k.Currency)
}

// Store is the shared byte store behind a Layer. Expiry is enforced by the
// Layer; ttl is a hint for stores that can evict on their own.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

// Layer caches successful provider fetches for a fixed TTL.
type Layer struct {
	store         Store
	ttl           time.Duration
	flightTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger

	group singleflight.Group
}

type Option func(*Layer)

func WithTTL(ttl time.Duration) Option {
	return func(l *Layer) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithFlightTimeout bounds a shared fetch, which outlives the cancellation
// of the caller that started it.
func WithFlightTimeout(d time.Duration) Option {
	return func(l *Layer) {
		if d > 0 {
			l.flightTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Layer) {
		if log != nil {
			l.log = log
		}
	}
}

// New returns a Layer over store. A nil store gets a MemoryStore.
func New(store Store, opts ...Option) *Layer {
	if store == nil {
		store = NewMemoryStore(DefaultMaxItems)
	}
	l := &Layer{store: store, ttl: DefaultTTL, flightTimeout: DefaultFlightTimeout, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) TTL() time.Duration { return l.ttl }

// Clear drops every entry.
func (l *Layer) Clear(ctx context.Context) error {
	return l.store.Clear(ctx)
}

// Invalidate drops one entry.
func (l *Layer) Invalidate(ctx context.Context, key Key) error {
	return l.store.Delete(ctx, key.String())
}

func lookup[T any](ctx context.Context, l *Layer, key Key) (T, bool) {
	var zero T
	raw, ok, err := l.store.Get(ctx, key.String())
	if err != nil {
		l.log.Warn("cache read failed", "key", key.String(), "error", err)
		return zero, false
	}
	if !ok || len(raw) == 0 {
		return zero, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false
	}
	if !l.now().Before(env.ExpiresAt) {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return zero, false
	}
	return v, true
}

func save[T any](ctx context.Context, l *Layer, key Key, v T) {
	value, err := json.Marshal(v)
	if err != nil {
		l.log.Warn("cache encode failed", "key", key.String(), "error", err)
		return
	}
	raw, err := json.Marshal(envelope{ExpiresAt: l.now().Add(l.ttl), Value: value})
	if err != nil {
		return
	}
	if err := l.store.Set(ctx, key.String(), raw, l.ttl); err != nil {
		l.log.Warn("cache write failed", "key", key.String(), "error", err)
	}
}

// Fetch returns the cached value for key or calls fn. Only successes are
// stored, so a failed fetch is retried by the next caller. Concurrent misses
// on the same key share one call to fn. The shared call is not cancelled
// with any one caller's ctx; a caller whose ctx ends stops waiting for it.
func Fetch[T any](ctx context.Context, l *Layer, key Key, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := lookup[T](ctx, l, key); ok {
		return v, nil
	}

	var zero T
	flight := fmt.Sprintf("%T|%s", zero, key)
	ch := l.group.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.flightTimeout)
		defer cancel()
		if v, ok := lookup[T](fctx, l, key); ok {
			return v, nil
		}
		v, err := fn(fctx)
		if err != nil {
			return nil, err
		}
		save(fctx, l, key, v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// GetOrFetch is Fetch for callers that treat any failure as "no data".
// The failure is logged by kind and never cached.
func GetOrFetch[T any](ctx context.Context, l *Layer, key Key, fn func(context.Context) (T, error)) (T, bool) {
	v, err := Fetch(ctx, l, key, fn)
	if err == nil {
		return v, true
	}
	attrs := []any{"key", key.String(), "error", err}
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		l.log.Debug("no provider configured, skipping", attrs...)
	case errors.Is(err, context.Canceled):
		l.log.Debug("fetch canceled", attrs...)
	default:
		l.log.Warn("fetch failed", append(attrs, "kind", provider.KindOf(err).Error())...)
	}
	return v, false
}
