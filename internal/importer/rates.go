package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgermarket/internal/aggregate"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/store"
)

// ImportExchangeRates keeps only the home pair current. Rate-limit and
// transport failures are logged, not returned.
func (i *Importer) ImportExchangeRates(ctx context.Context) (Stats, error) {
	if _, err := i.router.RateFetcher(registry.OpCurrent); err != nil {
		i.log.Warn("no provider configured for exchange rates, skipping sync")
		return Stats{Skipped: 1}, nil
	}
	var st Stats
	_, changed, err := i.UpdateHomeRate(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if i.logFailure("home rate refresh failed", err, "from", i.homeFrom, "to", i.homeTo) {
			st.Skipped++
		} else {
			st.Failed++
		}
	case changed:
		st.Fetched++
		st.Updated++
	default:
		st.Fetched++
		st.Unchanged++
	}
	return st, nil
}

// UpdateHomeRate forces a fresh home-pair rate and stores it under the
// provider's date. An existing row is rewritten only if the rate differs.
func (i *Importer) UpdateHomeRate(ctx context.Context) (store.ExchangeRate, bool, error) {
	fx, err := i.router.RateFetcher(registry.OpCurrent)
	if err != nil {
		return store.ExchangeRate{}, false, err
	}
	i.log.Info("forcing home exchange rate update", "from", i.homeFrom, "to", i.homeTo)

	// a zero date is "current" whatever calendar the provider keeps
	r, err := fx.FetchExchangeRate(ctx, i.homeFrom, i.homeTo, time.Time{})
	if err != nil {
		return store.ExchangeRate{}, false, err
	}
	rec := toRecord(r, i.now())
	changed, err := i.store.UpsertExchangeRate(ctx, rec)
	if err != nil {
		return store.ExchangeRate{}, false, fmt.Errorf("store home rate: %w", err)
	}
	if changed {
		i.log.Info("updated home exchange rate", "from", rec.From, "to", rec.To, "date", rec.Date.Format(time.DateOnly), "rate", rec.Rate.String())
	}
	return rec, changed, nil
}

// FindOrFetchRate answers from the store when it can: the exact date first,
// then for the home pair any rate from the last week, and only then the
// provider. found is false when no rate is available; provider failures are
// logged and reported that way. With persist the fetched rate is stored.
func (i *Importer) FindOrFetchRate(ctx context.Context, from, to string, date time.Time, persist bool) (store.ExchangeRate, bool, error) {
	from, to = provider.Normalize(from), provider.Normalize(to)
	day := provider.Day(date)

	rate, err := i.store.FindExchangeRate(ctx, from, to, day)
	if err == nil {
		return rate, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ExchangeRate{}, false, err
	}

	if from == i.homeFrom && to == i.homeTo {
		recent, err := i.store.LatestExchangeRate(ctx, from, to, provider.Day(i.now()).AddDate(0, 0, -recentRateDays))
		if err == nil {
			i.log.Info("using recent exchange rate", "from", from, "to", to,
				"rate_date", recent.Date.Format(time.DateOnly), "requested", day.Format(time.DateOnly))
			return recent, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.ExchangeRate{}, false, err
		}
	}

	op := registry.OpHistorical
	if provider.IsCurrent(day, i.now()) {
		op = registry.OpCurrent
	}
	fx, err := i.router.RateFetcher(op)
	if err != nil {
		i.logFailure("exchange rate lookup", err, "from", from, "to", to)
		return store.ExchangeRate{}, false, nil
	}

	fetch := func(ctx context.Context) (provider.ExchangeRate, error) {
		return fx.FetchExchangeRate(ctx, from, to, day)
	}
	var (
		r  provider.ExchangeRate
		ok bool
	)
	if op == registry.OpCurrent {
		r, ok = cache.GetOrFetch(ctx, i.cache, cache.NewKey(provider.ConceptExchangeRates, from, to), fetch)
	} else if r, err = fetch(ctx); err == nil {
		ok = true
	} else {
		i.logFailure("historical exchange rate fetch failed", err, "from", from, "to", to, "date", day.Format(time.DateOnly))
	}
	if !ok {
		return store.ExchangeRate{}, false, nil
	}

	rec := toRecord(r, day)
	if persist {
		if _, err := i.store.UpsertExchangeRate(ctx, rec); err != nil {
			return rec, true, fmt.Errorf("store exchange rate: %w", err)
		}
	}
	return rec, true, nil
}

// ImportHistoricalExchangeRates backfills every required pair from its start
// date (full mode) or the snapshot window. A rate-limited pair stops at the
// first refusal. Disabled unless WithHistorical is set.
func (i *Importer) ImportHistoricalExchangeRates(ctx context.Context) (Stats, error) {
	if !i.historical {
		i.log.Info("historical exchange rates disabled, skipping")
		return Stats{}, nil
	}
	fx, err := i.router.RateFetcher(registry.OpHistorical)
	if err != nil {
		i.logFailure("historical exchange rates skipped", err)
		return Stats{}, nil
	}
	pairs, err := i.RequiredExchangeRatePairs(ctx)
	if err != nil {
		return Stats{}, err
	}

	var total Stats
	end := i.EndDate()
	for _, pair := range pairs {
		start := pair.Date
		if i.snapshot() {
			start = i.DefaultStartDate()
		}
		st, err := i.backfillPair(ctx, fx, pair, start, end)
		total.Add(st)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (i *Importer) backfillPair(ctx context.Context, fx provider.RateFetcher, pair aggregate.Need, start, end time.Time) (Stats, error) {
	var st Stats
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if _, err := i.store.FindExchangeRate(ctx, pair.From, pair.To, d); err == nil {
			st.Unchanged++
			continue
		}
		r, err := fx.FetchExchangeRate(ctx, pair.From, pair.To, d)
		if errors.Is(err, provider.ErrInvalidData) {
			st.Skipped++
			continue
		}
		if err != nil {
			i.logFailure("historical rate fetch failed, stopping pair", err, "from", pair.From, "to", pair.To, "date", d.Format(time.DateOnly))
			st.Failed++
			return st, nil
		}
		st.Fetched++
		changed, err := i.store.UpsertExchangeRate(ctx, toRecord(r, d))
		if err != nil {
			return st, err
		}
		if changed {
			st.Updated++
		} else {
			st.Unchanged++
		}
	}
	return st, nil
}

func toRecord(r provider.ExchangeRate, fallback time.Time) store.ExchangeRate {
	date := r.Date
	if date.IsZero() {
		date = fallback
	}
	return store.ExchangeRate{From: provider.Normalize(r.From), To: provider.Normalize(r.To), Date: provider.Day(date), Rate: r.Rate}
}
