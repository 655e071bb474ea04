package importer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/store"
)

// ImportSecurityPrices fetches today's price for every online security and
// refreshes missing details. Historical dates are never requested here.
func (i *Importer) ImportSecurityPrices(ctx context.Context) (Stats, error) {
	if i.router.Registry().ProviderFor(provider.ConceptSecurities) == nil &&
		i.router.Registry().ProviderFor(provider.ConceptCryptoPrices) == nil {
		i.log.Warn("no provider configured for security prices, skipping sync")
		return Stats{}, nil
	}

	secs, err := i.store.ListOnlineSecurities(ctx)
	if err != nil {
		return Stats{}, err
	}
	i.log.Info("importing current security prices", "securities", len(secs))

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for _, sec := range secs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			t.add(i.importSecurity(gctx, sec))
			return nil
		})
	}
	err = g.Wait()
	return t.Stats, err
}

func (i *Importer) importSecurity(ctx context.Context, sec store.Security) Stats {
	var st Stats
	today := i.EndDate()

	if _, err := i.store.FindSecurityPrice(ctx, sec.Ticker, today); err == nil && !i.clearCache {
		st.Unchanged++
	} else {
		p, err := i.fetchCurrentPrice(ctx, sec, today)
		switch {
		case err != nil:
			if i.logFailure("security price fetch failed", err, "symbol", sec.Ticker) {
				st.Skipped++
			} else {
				st.Failed++
			}
		default:
			st.Fetched++
			changed, err := i.store.UpsertSecurityPrice(ctx, store.SecurityPrice{
				Ticker: sec.Ticker, Date: today, Price: p.Price, Currency: p.Currency,
			})
			switch {
			case err != nil:
				i.log.Error("storing security price failed", "symbol", sec.Ticker, "error", err)
				st.Failed++
			case changed:
				st.Updated++
				i.log.Info("updated current price", "symbol", sec.Ticker, "price", p.Price.String(), "currency", p.Currency)
			default:
				st.Unchanged++
			}
		}
	}

	i.importDetails(ctx, sec)
	return st
}

func (i *Importer) fetchCurrentPrice(ctx context.Context, sec store.Security, today time.Time) (provider.Price, error) {
	if sec.Kind == store.KindCrypto {
		cp, err := i.router.CryptoPricer(registry.OpCurrent)
		if err != nil {
			return provider.Price{}, err
		}
		key := cache.NewKey(provider.ConceptCryptoPrices, sec.Ticker, sec.Currency)
		return cache.Fetch(ctx, i.cache, key, func(ctx context.Context) (provider.Price, error) {
			return cp.FetchCryptoPrice(ctx, sec.Ticker, sec.Currency)
		})
	}
	sp, err := i.router.SecurityProvider(registry.OpCurrent)
	if err != nil {
		return provider.Price{}, err
	}
	key := cache.NewKey(provider.ConceptSecurities, sec.Ticker, "")
	return cache.Fetch(ctx, i.cache, key, func(ctx context.Context) (provider.Price, error) {
		return sp.FetchSecurityPrice(ctx, sec.Ticker, sec.Exchange, today)
	})
}

// importDetails fetches name and logo once; clearCache forces a refetch.
func (i *Importer) importDetails(ctx context.Context, sec store.Security) {
	if sec.Kind == store.KindCrypto {
		return
	}
	if sec.Name != "" && sec.LogoURL != "" && !i.clearCache {
		return
	}
	sp, err := i.router.SecurityProvider(registry.OpInfo)
	if err != nil {
		i.logFailure("security details skipped", err, "symbol", sec.Ticker)
		return
	}
	info, err := sp.FetchSecurityInfo(ctx, sec.Ticker, sec.Exchange)
	if err != nil {
		i.logFailure("security details fetch failed", err, "symbol", sec.Ticker)
		return
	}
	if err := i.store.UpdateSecurityDetails(ctx, sec.Ticker, info); err != nil {
		i.log.Error("storing security details failed", "symbol", sec.Ticker, "error", err)
	}
}

// ImportHistoricalSecurityPrices backfills daily prices from each security's
// first trade (full mode) or the snapshot window. Disabled unless
// WithHistorical is set.
func (i *Importer) ImportHistoricalSecurityPrices(ctx context.Context) (Stats, error) {
	if !i.historical {
		i.log.Info("historical security prices disabled, skipping")
		return Stats{}, nil
	}
	sp, err := i.router.SecurityProvider(registry.OpHistorical)
	if err != nil {
		i.logFailure("historical security prices skipped", err)
		return Stats{}, nil
	}
	secs, err := i.store.ListOnlineSecurities(ctx)
	if err != nil {
		return Stats{}, err
	}

	var total Stats
	end := i.EndDate()
	for _, sec := range secs {
		if sec.Kind == store.KindCrypto {
			continue
		}
		start := i.DefaultStartDate()
		if !i.snapshot() {
			if first, ok, err := i.store.FirstTradeDate(ctx, sec.Ticker); err == nil && ok {
				start = first
			}
		}
		st, err := i.backfillSecurity(ctx, sp, sec, start, end)
		total.Add(st)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (i *Importer) backfillSecurity(ctx context.Context, sp provider.SecurityProvider, sec store.Security, start, end time.Time) (Stats, error) {
	var st Stats
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if _, err := i.store.FindSecurityPrice(ctx, sec.Ticker, d); err == nil {
			st.Unchanged++
			continue
		}
		p, err := sp.FetchSecurityPrice(ctx, sec.Ticker, sec.Exchange, d)
		if errors.Is(err, provider.ErrInvalidData) {
			// non-trading day
			st.Skipped++
			continue
		}
		if err != nil {
			i.logFailure("historical price fetch failed, stopping symbol", err, "symbol", sec.Ticker, "date", d.Format(time.DateOnly))
			st.Failed++
			return st, nil
		}
		st.Fetched++
		changed, err := i.store.UpsertSecurityPrice(ctx, store.SecurityPrice{Ticker: sec.Ticker, Date: d, Price: p.Price, Currency: p.Currency})
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
