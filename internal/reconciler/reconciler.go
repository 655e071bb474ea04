package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/store"
)

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidKind     = errors.New("invalid holding kind")
)

// Store is the persistence the reconciler needs.
type Store interface {
	GetFamily(ctx context.Context, id int64) (store.Family, error)
	GetAccount(ctx context.Context, id int64) (store.Account, error)
	SetCurrentBalance(ctx context.Context, accountID int64, amount decimal.Decimal, date time.Time) (store.Account, error)
	UpsertSecurity(ctx context.Context, sec store.Security) (store.Security, error)
	AddToHolding(ctx context.Context, acct store.Account, kind, symbol string, delta decimal.Decimal) (store.Holding, bool, error)
	GetHolding(ctx context.Context, id int64) (store.Holding, error)
	SetHoldingQuantity(ctx context.Context, id int64, qty decimal.Decimal) (store.Holding, error)
	SetHoldingSpot(ctx context.Context, id int64, sp store.SpotPrice) (store.Holding, error)
}

// HoldingRequest adds Quantity units of Symbol to a family's position.
type HoldingRequest struct {
	FamilyID int64           `json:"family_id"`
	Kind     string          `json:"kind"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	// Currency of a newly created account; the family's currency when empty.
	Currency string `json:"currency,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Reconciler owns the derived balance of crypto and stock accounts.
type Reconciler struct {
	store  Store
	cache  *cache.Layer
	router *registry.Router
	log    *slog.Logger
	now    func() time.Time

	// account ID -> *sync.Mutex, serializes balance writes per account
	locks sync.Map
}

type Option func(*Reconciler)

func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(st Store, layer *cache.Layer, router *registry.Router, opts ...Option) *Reconciler {
	r := &Reconciler{store: st, cache: layer, router: router, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = cache.New(nil, cache.WithClock(r.now), cache.WithLogger(r.log))
	}
	return r
}

// CreateOrUpdateHolding adds req.Quantity to an existing position or opens
// a new account and holding. A failed price lookup leaves the holding
// without a spot price; it never fails the call.
func (r *Reconciler) CreateOrUpdateHolding(ctx context.Context, req HoldingRequest) (store.Account, error) {
	symbol := provider.Normalize(req.Symbol)
	if symbol == "" {
		return store.Account{}, ErrInvalidSymbol
	}
	if req.Quantity.IsNegative() {
		return store.Account{}, fmt.Errorf("%w: %s", ErrInvalidQuantity, req.Quantity)
	}
	if req.Kind != store.KindCrypto && req.Kind != store.KindStock {
		return store.Account{}, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}

	code := provider.Normalize(req.Currency)
	if code == "" {
		fam, err := r.store.GetFamily(ctx, req.FamilyID)
		if err != nil {
			return store.Account{}, fmt.Errorf("family %d: %w", req.FamilyID, err)
		}
		code = fam.Currency
	}
	name := req.Name
	if name == "" {
		name = symbol
	}

	h, created, err := r.store.AddToHolding(ctx,
		store.Account{FamilyID: req.FamilyID, Name: name, Currency: code}, req.Kind, symbol, req.Quantity)
	if err != nil {
		return store.Account{}, err
	}
	if created {
		// register the instrument so batch imports keep its price current
		if _, err := r.store.UpsertSecurity(ctx, store.Security{Ticker: symbol, Kind: req.Kind, Currency: code}); err != nil {
			r.log.Warn("registering security failed", "symbol", symbol, "error", err)
		}
	}
	if err := r.updateSpot(ctx, h); err != nil {
		return store.Account{}, err
	}
	return r.Reconcile(ctx, h.ID)
}

// updateSpot fetches and stores a spot price for h. A failed lookup is not
// an error.
func (r *Reconciler) updateSpot(ctx context.Context, h store.Holding) error {
	acct, err := r.store.GetAccount(ctx, h.AccountID)
	if err != nil {
		return err
	}
	spot, ok := r.fetchSpot(ctx, h, acct.Currency)
	if !ok {
		return nil
	}
	_, err = r.store.SetHoldingSpot(ctx, h.ID, spot)
	return err
}

// SetQuantity replaces a holding's quantity.
func (r *Reconciler) SetQuantity(ctx context.Context, holdingID int64, qty decimal.Decimal) (store.Account, error) {
	if qty.IsNegative() {
		return store.Account{}, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if _, err := r.store.SetHoldingQuantity(ctx, holdingID, qty); err != nil {
		return store.Account{}, err
	}
	return r.Reconcile(ctx, holdingID)
}

// RefreshPrice fetches a fresh spot price on demand. On failure the old
// price and balance stay.
func (r *Reconciler) RefreshPrice(ctx context.Context, holdingID int64) (store.Account, error) {
	h, err := r.store.GetHolding(ctx, holdingID)
	if err != nil {
		return store.Account{}, err
	}
	if err := r.updateSpot(ctx, h); err != nil {
		return store.Account{}, err
	}
	return r.Reconcile(ctx, holdingID)
}

func (r *Reconciler) fetchSpot(ctx context.Context, h store.Holding, code string) (store.SpotPrice, bool) {
	var (
		p  provider.Price
		ok bool
	)
	switch h.Kind {
	case store.KindCrypto:
		cp, err := r.router.CryptoPricer(registry.OpCurrent)
		if err != nil {
			r.log.Debug("no crypto provider configured, skipping price", "symbol", h.Symbol)
			return store.SpotPrice{}, false
		}
		p, ok = cache.GetOrFetch(ctx, r.cache, cache.NewKey(provider.ConceptCryptoPrices, h.Symbol, code),
			func(ctx context.Context) (provider.Price, error) {
				return cp.FetchCryptoPrice(ctx, h.Symbol, code)
			})
	default:
		sp, err := r.router.StockPricer(registry.OpCurrent)
		if err != nil {
			r.log.Debug("no stock provider configured, skipping price", "symbol", h.Symbol)
			return store.SpotPrice{}, false
		}
		p, ok = cache.GetOrFetch(ctx, r.cache, cache.NewKey(provider.ConceptStockPrices, h.Symbol, code),
			func(ctx context.Context) (provider.Price, error) {
				return sp.FetchStockPrice(ctx, h.Symbol, code)
			})
	}
	if !ok {
		return store.SpotPrice{}, false
	}
	asOf := p.AsOf
	if asOf.IsZero() {
		asOf = r.now()
	}
	return store.SpotPrice{Price: p.Price, Currency: p.Currency, AsOf: asOf}, true
}

// Reconcile sets the account balance to the stored quantity x spot price,
// converted to the account currency and rounded to its minor unit. Without
// a spot price, or when conversion fails, the balance is left alone.
func (r *Reconciler) Reconcile(ctx context.Context, holdingID int64) (store.Account, error) {
	h, err := r.store.GetHolding(ctx, holdingID)
	if err != nil {
		return store.Account{}, err
	}
	defer r.lock(h.AccountID)()
	// reread under the lock so the last writer sees the last quantity
	if h, err = r.store.GetHolding(ctx, holdingID); err != nil {
		return store.Account{}, err
	}
	acct, err := r.store.GetAccount(ctx, h.AccountID)
	if err != nil {
		return store.Account{}, err
	}
	if h.Spot == nil {
		r.log.Debug("no spot price yet, balance unchanged", "holding", h.ID, "symbol", h.Symbol)
		return acct, nil
	}

	value := provider.Price{Symbol: h.Symbol, Price: h.Quantity.Mul(h.Spot.Price), Currency: provider.Normalize(h.Spot.Currency)}
	converted, err := provider.Convert(ctx, r.router.FX(), value, acct.Currency, time.Time{})
	if err != nil {
		r.log.Warn("converting holding value failed, balance unchanged",
			"holding", h.ID, "from", value.Currency, "to", acct.Currency, "error", err)
		return acct, nil
	}

	balance := RoundToMinor(converted.Price, acct.Currency)
	if balance.Equal(acct.Balance) {
		return acct, nil
	}
	acct, err = r.store.SetCurrentBalance(ctx, acct.ID, balance, r.now())
	if err != nil {
		return store.Account{}, fmt.Errorf("set balance of account %d: %w", h.AccountID, err)
	}
	r.log.Info("reconciled holding balance", "holding", h.ID, "symbol", h.Symbol,
		"quantity", h.Quantity.String(), "balance", Format(balance, acct.Currency))
	return acct, nil
}

func (r *Reconciler) lock(accountID int64) (unlock func()) {
	v, _ := r.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
