package store_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgermarket/internal/provider"
	"ledgermarket/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func openStore(t *testing.T) (*store.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	s, err := store.Open(t.Context(), store.DriverSQLite, "file::memory:", store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := store.Open(t.Context(), "mysql", "x")
	require.Error(t, err)
	_, err = store.Open(t.Context(), store.DriverPostgres, "")
	require.Error(t, err)
}

func TestUpsertExchangeRate_OnlyRewritesOnChange(t *testing.T) {
	t.Parallel()

	// Arrange
	s, clk := openStore(t)
	ctx := t.Context()
	today := day(2026, 10, 14)
	rate := store.ExchangeRate{From: "usd", To: "eur", Date: today, Rate: decimal.RequireFromString("0.92")}

	// Act: insert, then the same value again later
	inserted, err := s.UpsertExchangeRate(ctx, rate)
	require.NoError(t, err)
	first, err := s.FindExchangeRate(ctx, "USD", "EUR", today)
	require.NoError(t, err)

	clk.now = clk.now.Add(time.Hour)
	rate.Rate = decimal.RequireFromString("0.920")
	same, err := s.UpsertExchangeRate(ctx, rate)
	require.NoError(t, err)
	unchanged, err := s.FindExchangeRate(ctx, "USD", "EUR", today)
	require.NoError(t, err)

	clk.now = clk.now.Add(time.Hour)
	rate.Rate = decimal.RequireFromString("0.93")
	updated, err := s.UpsertExchangeRate(ctx, rate)
	require.NoError(t, err)
	last, err := s.FindExchangeRate(ctx, "USD", "EUR", today)
	require.NoError(t, err)

	// Assert
	require.True(t, inserted)
	require.False(t, same)
	require.Equal(t, first.UpdatedAt, unchanged.UpdatedAt)
	require.True(t, updated)
	require.True(t, last.Rate.Equal(decimal.RequireFromString("0.93")))
	require.True(t, last.UpdatedAt.After(first.UpdatedAt))

	n, err := s.CountExchangeRates(ctx, "USD", "EUR")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFindExchangeRate_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	_, err := s.FindExchangeRate(t.Context(), "USD", "JPY", day(2026, 1, 1))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatestExchangeRate_WithinWindow(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	for i, v := range []string{"0.90", "0.91", "0.95"} {
		_, err := s.UpsertExchangeRate(ctx, store.ExchangeRate{From: "USD", To: "EUR", Date: day(2026, 10, 1+i*5), Rate: decimal.RequireFromString(v)})
		require.NoError(t, err)
	}

	got, err := s.LatestExchangeRate(ctx, "USD", "EUR", day(2026, 10, 7))
	require.NoError(t, err)
	require.Equal(t, day(2026, 10, 11), got.Date)

	_, err = s.LatestExchangeRate(ctx, "USD", "EUR", day(2026, 10, 12))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSecurities(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()

	aapl, err := s.UpsertSecurity(ctx, store.Security{Ticker: "aapl", Kind: store.KindStock})
	require.NoError(t, err)
	again, err := s.UpsertSecurity(ctx, store.Security{Ticker: "AAPL", Kind: store.KindStock, Name: "ignored"})
	require.NoError(t, err)
	require.Equal(t, aapl.ID, again.ID)
	require.Empty(t, again.Name)
	require.Equal(t, "USD", again.Currency)

	_, err = s.UpsertSecurity(ctx, store.Security{Ticker: "PRIV", Kind: store.KindStock, Offline: true})
	require.NoError(t, err)

	online, err := s.ListOnlineSecurities(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	require.Equal(t, "AAPL", online[0].Ticker)

	require.NoError(t, s.UpdateSecurityDetails(ctx, "AAPL", provider.SecurityInfo{Name: "Apple Inc", LogoURL: "https://logo"}))
	require.NoError(t, s.UpdateSecurityDetails(ctx, "AAPL", provider.SecurityInfo{Exchange: "NASDAQ"}))
	got, err := s.GetSecurity(ctx, "aapl")
	require.NoError(t, err)
	require.Equal(t, "Apple Inc", got.Name)
	require.Equal(t, "https://logo", got.LogoURL)
	require.Equal(t, "NASDAQ", got.Exchange)

	require.NoError(t, s.SetSecurityOffline(ctx, "AAPL", true))
	online, err = s.ListOnlineSecurities(ctx)
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestUpsertSecurityPrice_NoDuplicates(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	p := store.SecurityPrice{Ticker: "AAPL", Date: day(2026, 10, 14), Price: decimal.RequireFromString("236.85"), Currency: "USD"}

	for range 3 {
		_, err := s.UpsertSecurityPrice(ctx, p)
		require.NoError(t, err)
	}
	n, err := s.CountSecurityPrices(ctx, "AAPL")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p.Price = decimal.RequireFromString("240")
	changed, err := s.UpsertSecurityPrice(ctx, p)
	require.NoError(t, err)
	require.True(t, changed)
	got, err := s.FindSecurityPrice(ctx, "aapl", day(2026, 10, 14))
	require.NoError(t, err)
	require.True(t, got.Price.Equal(decimal.NewFromInt(240)))
}

func TestCurrencyPairs(t *testing.T) {
	t.Parallel()

	// Arrange: a EUR family with a USD account and a EUR account
	s, _ := openStore(t)
	ctx := t.Context()
	fam, err := s.CreateFamily(ctx, "Doe", "eur")
	require.NoError(t, err)
	usd, err := s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "Brokerage", Kind: store.KindDepository, Currency: "USD"})
	require.NoError(t, err)
	eur, err := s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "Checking", Kind: store.KindDepository, Currency: "EUR"})
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "Empty GBP", Kind: store.KindDepository, Currency: "GBP"})
	require.NoError(t, err)

	for _, e := range []store.Entry{
		{AccountID: usd.ID, Date: day(2025, 2, 1), Amount: decimal.NewFromInt(10), Currency: "USD"},
		{AccountID: eur.ID, Date: day(2025, 3, 1), Amount: decimal.NewFromInt(10), Currency: "GBP"},
		{AccountID: eur.ID, Date: day(2025, 1, 15), Amount: decimal.NewFromInt(10), Currency: "GBP"},
		{AccountID: eur.ID, Date: day(2025, 1, 1), Amount: decimal.NewFromInt(10), Currency: "EUR"},
	} {
		_, err := s.CreateEntry(ctx, e)
		require.NoError(t, err)
	}

	// Act
	entryPairs, err := s.EntryCurrencyPairs(ctx)
	require.NoError(t, err)
	accountPairs, err := s.AccountCurrencyPairs(ctx)
	require.NoError(t, err)

	// Assert
	require.Len(t, entryPairs, 1)
	require.Equal(t, "GBP", entryPairs[0].From)
	require.Equal(t, "EUR", entryPairs[0].To)
	require.Equal(t, day(2025, 1, 15), entryPairs[0].Date)

	require.Len(t, accountPairs, 2)
	require.Equal(t, "USD", accountPairs[0].From)
	require.Equal(t, "EUR", accountPairs[0].To)
	require.Equal(t, day(2025, 2, 1), accountPairs[0].FirstEntry)
	require.Equal(t, "GBP", accountPairs[1].From)
	require.True(t, accountPairs[1].FirstEntry.IsZero())
}

func TestFirstTradeDate(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	fam, err := s.CreateFamily(ctx, "Doe", "USD")
	require.NoError(t, err)
	acct, err := s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "Broker", Kind: store.KindDepository, Currency: "USD"})
	require.NoError(t, err)

	_, ok, err := s.FirstTradeDate(ctx, "AAPL")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.CreateEntry(ctx, store.Entry{AccountID: acct.ID, Date: day(2024, 5, 2), Amount: decimal.NewFromInt(-100), Currency: "USD", Ticker: "aapl"})
	require.NoError(t, err)
	first, ok, err := s.FirstTradeDate(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, day(2024, 5, 2), first)
}

func TestSetCurrentBalance_RecordsValuation(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	fam, err := s.CreateFamily(ctx, "Doe", "USD")
	require.NoError(t, err)
	acct, err := s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "Cash", Kind: store.KindDepository, Currency: "USD"})
	require.NoError(t, err)

	_, err = s.SetCurrentBalance(ctx, acct.ID, decimal.RequireFromString("100.50"), day(2026, 10, 14))
	require.NoError(t, err)
	got, err := s.SetCurrentBalance(ctx, acct.ID, decimal.RequireFromString("120"), day(2026, 10, 14))
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(decimal.NewFromInt(120)))

	reread, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, reread.Balance.Equal(decimal.NewFromInt(120)))

	vals, err := s.ListValuations(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.True(t, vals[0].Amount.Equal(decimal.NewFromInt(120)))

	_, err = s.SetCurrentBalance(ctx, 999, decimal.Zero, day(2026, 10, 14))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHoldings(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	fam, err := s.CreateFamily(ctx, "Doe", "USD")
	require.NoError(t, err)
	acct, err := s.CreateAccount(ctx, store.Account{FamilyID: fam.ID, Name: "BTC", Kind: store.KindCrypto, Currency: "USD"})
	require.NoError(t, err)

	h, err := s.CreateHolding(ctx, store.Holding{AccountID: acct.ID, FamilyID: fam.ID, Kind: store.KindCrypto, Symbol: "btc", Quantity: decimal.RequireFromString("0.5")})
	require.NoError(t, err)
	require.Nil(t, h.Spot)

	found, err := s.FindHolding(ctx, fam.ID, store.KindCrypto, "BTC")
	require.NoError(t, err)
	require.Equal(t, h.ID, found.ID)
	require.Nil(t, found.Spot)

	asOf := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	found.Spot = &store.SpotPrice{Price: decimal.RequireFromString("67340.21"), Currency: "usd", AsOf: asOf}
	found.Quantity = decimal.RequireFromString("0.75")
	_, err = s.UpdateHolding(ctx, found)
	require.NoError(t, err)

	got, err := s.GetHolding(ctx, h.ID)
	require.NoError(t, err)
	require.True(t, got.Quantity.Equal(decimal.RequireFromString("0.75")))
	require.NotNil(t, got.Spot)
	require.Equal(t, "USD", got.Spot.Currency)
	require.Equal(t, asOf, got.Spot.AsOf)

	all, err := s.ListHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.CreateHolding(ctx, store.Holding{AccountID: acct.ID, FamilyID: fam.ID, Kind: store.KindCrypto, Symbol: "BTC", Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)

	_, err = s.GetHolding(ctx, 42)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UpdateHolding(ctx, store.Holding{ID: 42})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddToHolding(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := t.Context()
	fam, err := s.CreateFamily(ctx, "Doe", "USD")
	require.NoError(t, err)
	acct := store.Account{FamilyID: fam.ID, Name: "Apple", Currency: "usd"}

	h, created, err := s.AddToHolding(ctx, acct, store.KindStock, "aapl", decimal.NewFromInt(3))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "AAPL", h.Symbol)

	opened, err := s.GetAccount(ctx, h.AccountID)
	require.NoError(t, err)
	require.Equal(t, store.KindStock, opened.Kind)
	require.Equal(t, "USD", opened.Currency)

	again, created, err := s.AddToHolding(ctx, acct, store.KindStock, "AAPL", decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, h.ID, again.ID)
	require.True(t, again.Quantity.Equal(decimal.RequireFromString("4.5")), again.Quantity.String())

	asOf := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	priced, err := s.SetHoldingSpot(ctx, h.ID, store.SpotPrice{Price: decimal.NewFromInt(200), Currency: "USD", AsOf: asOf})
	require.NoError(t, err)
	require.True(t, priced.Quantity.Equal(decimal.RequireFromString("4.5")))
	require.NotNil(t, priced.Spot)
	require.Equal(t, asOf, priced.Spot.AsOf)

	set, err := s.SetHoldingQuantity(ctx, h.ID, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, set.Quantity.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, set.Spot)

	_, err = s.SetHoldingQuantity(ctx, 42, decimal.NewFromInt(1))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.SetHoldingSpot(ctx, 42, store.SpotPrice{Price: decimal.NewFromInt(1), Currency: "USD"})
	require.ErrorIs(t, err, store.ErrNotFound)
}
