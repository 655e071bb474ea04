package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"ledgermarket/internal/aggregate"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/store"
)

// SnapshotDays covers the default one-month chart view.
const SnapshotDays = 31

// recentRateDays is how stale a stored home-pair rate may be and still be used.
const recentRateDays = 7

type Mode string

const (
	ModeFull     Mode = "full"
	ModeSnapshot Mode = "snapshot"
)

var ErrInvalidMode = errors.New("invalid import mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFull, ModeSnapshot:
		return m, nil
	case "":
		return ModeFull, nil
	default:
		return "", fmt.Errorf("%w: can only be full or snapshot, but was %q", ErrInvalidMode, s)
	}
}

// Store is the persistence the importer needs.
type Store interface {
	ListOnlineSecurities(ctx context.Context) ([]store.Security, error)
	UpdateSecurityDetails(ctx context.Context, ticker string, info provider.SecurityInfo) error
	UpsertSecurityPrice(ctx context.Context, p store.SecurityPrice) (bool, error)
	FindSecurityPrice(ctx context.Context, ticker string, date time.Time) (store.SecurityPrice, error)
	FirstTradeDate(ctx context.Context, ticker string) (time.Time, bool, error)
	UpsertExchangeRate(ctx context.Context, r store.ExchangeRate) (bool, error)
	FindExchangeRate(ctx context.Context, from, to string, date time.Time) (store.ExchangeRate, error)
	LatestExchangeRate(ctx context.Context, from, to string, since time.Time) (store.ExchangeRate, error)
	EntryCurrencyPairs(ctx context.Context) ([]aggregate.Need, error)
	AccountCurrencyPairs(ctx context.Context) ([]store.AccountPair, error)
}

// Stats counts what a run did.
type Stats struct {
	Fetched   int `json:"fetched"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (s *Stats) Add(o Stats) {
	s.Fetched += o.Fetched
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

type Importer struct {
	store  Store
	router *registry.Router
	cache  *cache.Layer
	log    *slog.Logger
	now    func() time.Time

	mode        Mode
	clearCache  bool
	homeFrom    string
	homeTo      string
	concurrency int
	historical  bool
}

type Option func(*Importer)

func WithMode(m Mode) Option { return func(i *Importer) { i.mode = m } }

func WithClearCache(clear bool) Option { return func(i *Importer) { i.clearCache = clear } }

// WithHomePair sets the one pair ImportExchangeRates keeps current.
func WithHomePair(from, to string) Option {
	return func(i *Importer) {
		if from != "" && to != "" {
			i.homeFrom, i.homeTo = provider.Normalize(from), provider.Normalize(to)
		}
	}
}

// WithConcurrency bounds parallel security imports.
func WithConcurrency(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithHistorical enables the backfill paths.
func WithHistorical(on bool) Option { return func(i *Importer) { i.historical = on } }

func WithClock(now func() time.Time) Option { return func(i *Importer) { i.now = now } }

func WithLogger(log *slog.Logger) Option {
	return func(i *Importer) {
		if log != nil {
			i.log = log
		}
	}
}

func WithCache(l *cache.Layer) Option { return func(i *Importer) { i.cache = l } }

func New(st Store, router *registry.Router, opts ...Option) *Importer {
	i := &Importer{
		store:       st,
		router:      router,
		log:         slog.Default(),
		now:         time.Now,
		mode:        ModeFull,
		homeFrom:    "USD",
		homeTo:      "EUR",
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.cache == nil {
		i.cache = cache.New(nil, cache.WithClock(i.now), cache.WithLogger(i.log))
	}
	return i
}

func (i *Importer) Mode() Mode { return i.mode }

func (i *Importer) snapshot() bool { return i.mode == ModeSnapshot }

var newYork = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EndDate is today on the US east coast, where the providers' trading day ends.
func (i *Importer) EndDate() time.Time {
	y, m, d := i.now().In(newYork).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DefaultStartDate is SnapshotDays before today.
func (i *Importer) DefaultStartDate() time.Time {
	return provider.Day(i.now()).AddDate(0, 0, -SnapshotDays)
}

// Sync is the batch entrypoint: validate mode, optionally drop the cache,
// then import everything.
func (i *Importer) Sync(ctx context.Context, mode string, clearCache bool) (Stats, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return Stats{}, err
	}
	run := *i
	run.mode = m
	run.clearCache = clearCache
	if clearCache {
		if err := run.cache.Clear(ctx); err != nil {
			run.log.Warn("clearing cache failed", "error", err)
		}
	}
	return run.ImportAll(ctx)
}

// ImportAll imports security prices then exchange rates, and the historical
// backfill when enabled. One concept failing never stops the other.
func (i *Importer) ImportAll(ctx context.Context) (Stats, error) {
	var total Stats
	steps := []func(context.Context) (Stats, error){i.ImportSecurityPrices, i.ImportExchangeRates}
	if i.historical {
		steps = append(steps, i.ImportHistoricalExchangeRates, i.ImportHistoricalSecurityPrices)
	}
	for _, step := range steps {
		st, err := step(ctx)
		total.Add(st)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			i.log.Error("import step failed", "error", err)
		}
	}
	i.log.Info("market data import finished", "mode", i.mode,
		"fetched", total.Fetched, "updated", total.Updated, "unchanged", total.Unchanged,
		"skipped", total.Skipped, "failed", total.Failed)
	return total, nil
}

// RequiredExchangeRatePairs returns every (from, to) the ledger needs with
// the earliest date any entry or account needs it from. Account-level needs
// start no later than DefaultStartDate.
func (i *Importer) RequiredExchangeRatePairs(ctx context.Context) ([]aggregate.Need, error) {
	needs, err := i.store.EntryCurrencyPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("entry currency pairs: %w", err)
	}
	accounts, err := i.store.AccountCurrencyPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("account currency pairs: %w", err)
	}
	floor := i.DefaultStartDate()
	for _, a := range accounts {
		needs = append(needs, aggregate.Need{From: a.From, To: a.To, Date: aggregate.Cap(a.FirstEntry, floor)})
	}
	return aggregate.EarliestByPair(needs), nil
}

// logFailure records a swallowed provider error and reports whether it was
// a skip (no provider) rather than a failure.
func (i *Importer) logFailure(msg string, err error, attrs ...any) (skipped bool) {
	attrs = append(attrs, "error", err)
	if errors.Is(err, provider.ErrNotConfigured) {
		i.log.Debug(msg+", no provider configured, skipping", attrs...)
		return true
	}
	i.log.Warn(msg, append(attrs, "kind", provider.KindOf(err).Error())...)
	return false
}

type tally struct {
	mu sync.Mutex
	Stats
}

func (t *tally) add(s Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Add(s)
}
