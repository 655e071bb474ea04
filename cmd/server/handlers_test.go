package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/importer"
	"ledgermarket/internal/jobs"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/alphavantage"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/reconciler"
	"ledgermarket/internal/store"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fakeProvider struct{ prices map[string]string }

func (f fakeProvider) Name() string { return alphavantage.Name }

func (f fakeProvider) price(symbol, currency string) (provider.Price, error) {
	v, ok := f.prices[symbol]
	if !ok {
		return provider.Price{}, provider.InvalidData(alphavantage.Name, "no price for %s", symbol)
	}
	return provider.Price{Symbol: symbol, Price: decimal.RequireFromString(v), Currency: currency, AsOf: now}, nil
}

func (f fakeProvider) FetchCryptoPrice(_ context.Context, symbol, currency string) (provider.Price, error) {
	return f.price(symbol, currency)
}

func (f fakeProvider) FetchStockPrice(_ context.Context, symbol, currency string) (provider.Price, error) {
	return f.price(symbol, currency)
}

func (f fakeProvider) FetchExchangeRate(_ context.Context, from, to string, date time.Time) (provider.ExchangeRate, error) {
	return provider.ExchangeRate{From: from, To: to, Rate: decimal.RequireFromString("0.92"), Date: provider.Day(date)}, nil
}

func (f fakeProvider) FetchSecurityInfo(_ context.Context, symbol, _ string) (provider.SecurityInfo, error) {
	return provider.SecurityInfo{Symbol: symbol}, nil
}

func (f fakeProvider) FetchSecurityPrice(_ context.Context, symbol, _ string, _ time.Time) (provider.Price, error) {
	return f.price(symbol, "USD")
}

func (f fakeProvider) SearchSecurities(_ context.Context, q string) ([]provider.SecurityInfo, error) {
	return []provider.SecurityInfo{{Symbol: strings.ToUpper(q), Name: "Apple Inc"}}, nil
}

type fakeQueue struct{ jobs []jobs.Job }

func (q *fakeQueue) Enqueue(_ context.Context, j jobs.Job) (string, error) {
	q.jobs = append(q.jobs, j)
	return "job-1", nil
}

func newTestServer(t *testing.T, configured bool) (*server, *fakeQueue) {
	t.Helper()
	st, err := store.Open(t.Context(), store.DriverSQLite, "file::memory:", store.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := fakeProvider{prices: map[string]string{"BTC": "67340.21", "AAPL": "236.85"}}
	router := registry.NewRouter(registry.New(registry.StaticCredentials{alphavantage.Name: configured}, fake), nil)
	layer := cache.New(nil, cache.WithClock(clock))
	q := &fakeQueue{}
	return &server{
		log:        slog.Default(),
		store:      st,
		cache:      layer,
		router:     router,
		importer:   importer.New(st, router, importer.WithCache(layer), importer.WithClock(clock)),
		reconciler: reconciler.New(st, layer, router, reconciler.WithClock(clock)),
		jobs:       q,
	}, q
}

func do(t *testing.T, s *server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	withJSONHeaders(recoverPanic(s.log, limitBody(s.routes()))).ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v body=%s", err, rr.Body.String())
	}
	return v
}

func TestCryptoPrice_ServedAndNormalized(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/api/prices/crypto?symbol=btc&currency=usd", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	p := decode[provider.Price](t, rr)
	if p.Symbol != "BTC" || p.Currency != "USD" || !p.Price.Equal(decimal.RequireFromString("67340.21")) {
		t.Fatalf("unexpected: %+v", p)
	}
}

func TestPrice_NoDataIs404(t *testing.T) {
	s, _ := newTestServer(t, true)

	if rr := do(t, s, http.MethodGet, "/api/prices/stock?symbol=NOPE", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown symbol: status=%d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/prices/stock", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing symbol: status=%d", rr.Code)
	}

	unconfigured, _ := newTestServer(t, false)
	rr := do(t, unconfigured, http.MethodGet, "/api/prices/crypto?symbol=BTC", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("no provider: status=%d body=%s", rr.Code, rr.Body.String())
	}
	if e := decode[errorResponse](t, rr); e.Error == "" {
		t.Fatalf("want error body, got %s", rr.Body.String())
	}
}

func TestRates(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/api/rates?from=usd&to=eur", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	r := decode[store.ExchangeRate](t, rr)
	if r.From != "USD" || r.To != "EUR" || r.Rate.String() != "0.92" {
		t.Fatalf("unexpected: %+v", r)
	}

	if rr := do(t, s, http.MethodGet, "/api/rates?from=USD&to=EUR&date=14/10/2026", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad date: status=%d", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/api/securities/search?q=aapl", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	resp := decode[searchResponse](t, rr)
	if len(resp.Results) != 1 || resp.Results[0].Symbol != "AAPL" {
		t.Fatalf("unexpected: %+v", resp.Results)
	}
}

func TestHoldings_CreateEditRefresh(t *testing.T) {
	s, _ := newTestServer(t, true)
	fam, err := s.store.CreateFamily(t.Context(), "Doe", "USD")
	if err != nil {
		t.Fatalf("family: %v", err)
	}

	body := `{"family_id":` + decimal.NewFromInt(fam.ID).String() + `,"kind":"crypto","symbol":"btc","quantity":"0.5"}`
	rr := do(t, s, http.MethodPost, "/api/holdings", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("create: status=%d body=%s", rr.Code, rr.Body.String())
	}
	acct := decode[store.Account](t, rr)
	if acct.Balance.StringFixed(2) != "33670.11" {
		t.Fatalf("balance=%s", acct.Balance)
	}

	h, err := s.store.FindHolding(t.Context(), fam.ID, store.KindCrypto, "BTC")
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	id := decimal.NewFromInt(h.ID).String()
	rr = do(t, s, http.MethodPut, "/api/holdings/"+id+"/quantity", `{"quantity":"2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("quantity: status=%d body=%s", rr.Code, rr.Body.String())
	}
	if acct := decode[store.Account](t, rr); acct.Balance.StringFixed(2) != "134680.42" {
		t.Fatalf("balance after edit=%s", acct.Balance)
	}

	if rr := do(t, s, http.MethodPost, "/api/holdings/"+id+"/refresh", ""); rr.Code != http.StatusOK {
		t.Fatalf("refresh: status=%d body=%s", rr.Code, rr.Body.String())
	}

	// a holding account is not balanced by hand
	rr = do(t, s, http.MethodPut, "/api/accounts/"+decimal.NewFromInt(acct.ID).String()+"/balance", `{"balance":"1"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("manual balance on holding: status=%d", rr.Code)
	}
}

func TestHoldings_Validation(t *testing.T) {
	s, _ := newTestServer(t, true)

	cases := map[string]string{
		"bad json":     `{"symbol":`,
		"unknown":      `{"symbol":"BTC","colour":"red"}`,
		"negative":     `{"kind":"crypto","symbol":"BTC","quantity":"-1"}`,
		"missing kind": `{"symbol":"BTC","quantity":"1"}`,
	}
	for name, body := range cases {
		if rr := do(t, s, http.MethodPost, "/api/holdings", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", name, rr.Code, rr.Body.String())
		}
	}
	if rr := do(t, s, http.MethodPut, "/api/holdings/abc/quantity", `{"quantity":"1"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status=%d", rr.Code)
	}
	if rr := do(t, s, http.MethodPut, "/api/holdings/99/quantity", `{"quantity":"1"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("missing holding: status=%d", rr.Code)
	}
}

func TestSetBalance_ManualAccount(t *testing.T) {
	s, _ := newTestServer(t, true)
	fam, err := s.store.CreateFamily(t.Context(), "Doe", "USD")
	if err != nil {
		t.Fatalf("family: %v", err)
	}
	acct, err := s.store.CreateAccount(t.Context(), store.Account{FamilyID: fam.ID, Name: "Checking", Kind: store.KindDepository, Currency: "USD"})
	if err != nil {
		t.Fatalf("account: %v", err)
	}

	rr := do(t, s, http.MethodPut, "/api/accounts/"+decimal.NewFromInt(acct.ID).String()+"/balance", `{"balance":"1250.40","date":"2026-10-01"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[store.Account](t, rr); !got.Balance.Equal(decimal.RequireFromString("1250.40")) {
		t.Fatalf("balance=%s", got.Balance)
	}
}

func TestSync_Enqueues(t *testing.T) {
	s, q := newTestServer(t, true)

	rr := do(t, s, http.MethodPost, "/api/sync", `{"mode":"snapshot","clear_cache":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decode[enqueuedResponse](t, rr); resp.JobID != "job-1" {
		t.Fatalf("job id=%q", resp.JobID)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(q.jobs))
	}
	job, ok := q.jobs[0].(jobs.ImportMarketData)
	if !ok || job.Mode != "snapshot" || !job.ClearCache {
		t.Fatalf("unexpected job: %#v", q.jobs[0])
	}

	if rr := do(t, s, http.MethodPost, "/api/sync", `{"mode":"weekly"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: status=%d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/sync", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("empty body: status=%d", rr.Code)
	}
}

func TestProviders_ListsRoutes(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/api/providers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	resp := decode[providersResponse](t, rr)
	if len(resp.Providers) != 1 || !resp.Providers[0].Configured {
		t.Fatalf("providers: %+v", resp.Providers)
	}
	for _, route := range resp.Routes {
		if route.Route == "exchange_rates/current" && route.Active != alphavantage.Name {
			t.Fatalf("route: %+v", route)
		}
	}
}
