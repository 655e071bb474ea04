package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/importer"
	"ledgermarket/internal/jobs"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/reconciler"
	"ledgermarket/internal/store"
)

type server struct {
	log        *slog.Logger
	store      *store.Store
	cache      *cache.Layer
	router     *registry.Router
	importer   *importer.Importer
	reconciler *reconciler.Reconciler
	jobs       jobs.Enqueuer
	timeout    time.Duration
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/prices/crypto", s.handleCryptoPrice)
	mux.HandleFunc("GET /api/prices/stock", s.handleStockPrice)
	mux.HandleFunc("GET /api/rates", s.handleRate)
	mux.HandleFunc("GET /api/securities/search", s.handleSearch)
	mux.HandleFunc("POST /api/holdings", s.handleCreateHolding)
	mux.HandleFunc("PUT /api/holdings/{id}/quantity", s.handleSetQuantity)
	mux.HandleFunc("POST /api/holdings/{id}/refresh", s.handleRefreshHolding)
	mux.HandleFunc("PUT /api/accounts/{id}/balance", s.handleSetBalance)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	return mux
}

func (s *server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

type providerStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Healthy    *bool  `json:"healthy,omitempty"`
	Error      string `json:"error,omitempty"`
}

type providersResponse struct {
	Providers []providerStatus       `json:"providers"`
	Routes    []registry.RouteStatus `json:"routes"`
}

// handleProviders lists adapters and routes; ?check=1 also probes each
// configured adapter, which spends provider quota.
func (s *server) handleProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	check := r.URL.Query().Get("check") != ""
	reg := s.router.Registry()

	resp := providersResponse{Routes: s.router.Status()}
	for _, name := range reg.Names() {
		st := providerStatus{Name: name, Configured: reg.Configured(name)}
		if a, ok := reg.Get(name); ok && check && st.Configured {
			if hc, ok := a.(provider.HealthChecker); ok {
				err := hc.Healthy(ctx)
				healthy := err == nil
				st.Healthy = &healthy
				if err != nil {
					st.Error = err.Error()
				}
			}
		}
		resp.Providers = append(resp.Providers, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCryptoPrice(w http.ResponseWriter, r *http.Request) {
	symbol, currency, ok := priceQuery(w, r)
	if !ok {
		return
	}
	cp, err := s.router.CryptoPricer(registry.OpCurrent)
	if err != nil {
		writeError(w, http.StatusNotFound, "no crypto price provider configured")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	p, found := cache.GetOrFetch(ctx, s.cache, cache.NewKey(provider.ConceptCryptoPrices, symbol, currency),
		func(ctx context.Context) (provider.Price, error) { return cp.FetchCryptoPrice(ctx, symbol, currency) })
	if !found {
		writeError(w, http.StatusNotFound, "no price available for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleStockPrice(w http.ResponseWriter, r *http.Request) {
	symbol, currency, ok := priceQuery(w, r)
	if !ok {
		return
	}
	sp, err := s.router.StockPricer(registry.OpCurrent)
	if err != nil {
		writeError(w, http.StatusNotFound, "no stock price provider configured")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	p, found := cache.GetOrFetch(ctx, s.cache, cache.NewKey(provider.ConceptStockPrices, symbol, currency),
		func(ctx context.Context) (provider.Price, error) { return sp.FetchStockPrice(ctx, symbol, currency) })
	if !found {
		writeError(w, http.StatusNotFound, "no price available for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func priceQuery(w http.ResponseWriter, r *http.Request) (symbol, currency string, ok bool) {
	q := r.URL.Query()
	symbol = provider.Normalize(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return "", "", false
	}
	currency = provider.Normalize(q.Get("currency"))
	if currency == "" {
		currency = "USD"
	}
	return symbol, currency, true
}

func (s *server) handleRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := provider.Normalize(q.Get("from")), provider.Normalize(q.Get("to"))
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	date := s.importer.EndDate()
	if v := q.Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	rate, found, err := s.importer.FindOrFetchRate(ctx, from, to, date, false)
	if err != nil {
		s.log.Error("rate lookup failed", "from", from, "to", to, "error", err)
		writeError(w, http.StatusInternalServerError, "rate lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no rate available for "+from+"/"+to)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

type searchResponse struct {
	Results []provider.SecurityInfo `json:"results"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing q query param")
		return
	}
	sp, err := s.router.SecurityProvider(registry.OpSearch)
	if err != nil {
		writeError(w, http.StatusNotFound, "no securities provider configured")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	results, _ := cache.GetOrFetch(ctx, s.cache, cache.NewKey(provider.ConceptSecurities, query, "search"),
		func(ctx context.Context) ([]provider.SecurityInfo, error) { return sp.SearchSecurities(ctx, query) })
	if results == nil {
		results = []provider.SecurityInfo{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *server) handleCreateHolding(w http.ResponseWriter, r *http.Request) {
	var req reconciler.HoldingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	acct, err := s.reconciler.CreateOrUpdateHolding(ctx, req)
	if err != nil {
		s.writeDomainError(w, "create holding failed", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type quantityBody struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (s *server) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body quantityBody
	if !decodeBody(w, r, &body) {
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	acct, err := s.reconciler.SetQuantity(ctx, id, body.Quantity)
	if err != nil {
		s.writeDomainError(w, "set quantity failed", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type enqueuedResponse struct {
	JobID string `json:"job_id"`
}

// handleRefreshHolding refreshes inline, or in the background with ?async=1.
func (s *server) handleRefreshHolding(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("async") != "" {
		jobID, err := s.jobs.Enqueue(r.Context(), jobs.RefreshHolding{Reconciler: s.reconciler, HoldingID: id})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, enqueuedResponse{JobID: jobID})
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	acct, err := s.reconciler.RefreshPrice(ctx, id)
	if err != nil {
		s.writeDomainError(w, "refresh holding failed", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type balanceBody struct {
	Balance decimal.Decimal `json:"balance"`
	Date    string          `json:"date,omitempty"`
}

// handleSetBalance is the manual balance path. Holding accounts are
// balanced by the reconciler only.
func (s *server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body balanceBody
	if !decodeBody(w, r, &body) {
		return
	}
	date := s.importer.EndDate()
	if body.Date != "" {
		d, err := time.Parse(time.DateOnly, body.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.writeDomainError(w, "load account failed", err)
		return
	}
	if acct.Kind == store.KindCrypto || acct.Kind == store.KindStock {
		writeError(w, http.StatusConflict, "balance of a "+acct.Kind+" account follows its holding")
		return
	}
	acct, err = s.store.SetCurrentBalance(ctx, id, body.Balance, date)
	if err != nil {
		s.writeDomainError(w, "set balance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type syncBody struct {
	Mode       string `json:"mode"`
	ClearCache bool   `json:"clear_cache"`
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	// an empty body means a full import
	var body syncBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := importer.ParseMode(body.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.jobs.Enqueue(r.Context(), jobs.ImportMarketData{Importer: s.importer, Mode: body.Mode, ClearCache: body.ClearCache})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{JobID: jobID})
}

func (s *server) writeDomainError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, reconciler.ErrInvalidSymbol),
		errors.Is(err, reconciler.ErrInvalidQuantity),
		errors.Is(err, reconciler.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.log.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
