package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"ledgermarket/internal/app"
	"ledgermarket/internal/config"
	"ledgermarket/internal/importer"
	"ledgermarket/internal/logger"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/reconciler"
	"ledgermarket/internal/store"
)

var commands = []subcommands.Command{
	&priceCmd{},
	&rateCmd{},
	&searchCmd{},
	&syncCmd{},
	&refreshRateCmd{},
	&holdingCmd{},
}

// open loads the config, lets the command adjust it, and builds the stack.
func open(ctx context.Context, adjust func(*config.Config)) (*app.App, error) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	return app.Build(ctx, cfg, logger.New(level, "text"))
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

type priceCmd struct {
	kind     string
	currency string
}

func (*priceCmd) Name() string     { return "price" }
func (*priceCmd) Synopsis() string { return "fetch current prices for crypto or stock symbols" }
func (*priceCmd) Usage() string {
	return `price [-kind crypto|stock] [-currency USD] SYMBOL...

  Prints the current price of every symbol through the configured routing.
`
}

func (c *priceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", store.KindCrypto, "Instrument kind: crypto or stock")
	f.StringVar(&c.currency, "currency", "USD", "Currency to quote in")
}

func (c *priceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one symbol is required.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	var fetch func(ctx context.Context, symbol, currency string) (provider.Price, error)
	concept := provider.ConceptCryptoPrices
	switch c.kind {
	case store.KindCrypto:
		cp, err := a.Router.CryptoPricer(registry.OpCurrent)
		if err != nil {
			return fail("no crypto price provider configured")
		}
		fetch = cp.FetchCryptoPrice
	case store.KindStock:
		sp, err := a.Router.StockPricer(registry.OpCurrent)
		if err != nil {
			return fail("no stock price provider configured")
		}
		fetch, concept = sp.FetchStockPrice, provider.ConceptStockPrices
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown kind %q\n", c.kind)
		return subcommands.ExitUsageError
	}

	status := subcommands.ExitSuccess
	for _, symbol := range f.Args() {
		symbol := provider.Normalize(symbol)
		p, err := cache.Fetch(ctx, a.Cache, cache.NewKey(concept, symbol, c.currency),
			func(ctx context.Context) (provider.Price, error) { return fetch(ctx, symbol, c.currency) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", symbol, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-8s %s %s\t%s\n", p.Symbol, p.Price.String(), p.Currency, p.AsOf.Format(time.DateOnly))
	}
	return status
}

type rateCmd struct {
	from, to, date string
}

func (*rateCmd) Name() string     { return "rate" }
func (*rateCmd) Synopsis() string { return "look up an exchange rate, fetching it if needed" }
func (*rateCmd) Usage() string {
	return `rate -from USD -to EUR [-date YYYY-MM-DD]

  Answers from the local store when possible, otherwise fetches and stores the rate.
`
}

func (c *rateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.from, "from", "", "Source currency (required)")
	f.StringVar(&c.to, "to", "", "Target currency (required)")
	f.StringVar(&c.date, "date", "", "Rate date, today when empty")
}

func (c *rateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.from == "" || c.to == "" {
		fmt.Fprintln(os.Stderr, "Error: -from and -to are required.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	date := a.Importer.EndDate()
	if c.date != "" {
		if date, err = time.Parse(time.DateOnly, c.date); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid date %q\n", c.date)
			return subcommands.ExitUsageError
		}
	}
	rate, found, err := a.Importer.FindOrFetchRate(ctx, c.from, c.to, date, true)
	if err != nil {
		return fail("%v", err)
	}
	if !found {
		return fail("no rate available for %s/%s on %s", c.from, c.to, date.Format(time.DateOnly))
	}
	fmt.Printf("%s/%s %s %s\n", rate.From, rate.To, rate.Date.Format(time.DateOnly), rate.Rate.String())
	return subcommands.ExitSuccess
}

type searchCmd struct{}

func (*searchCmd) Name() string             { return "search" }
func (*searchCmd) Synopsis() string         { return "search listed securities" }
func (*searchCmd) Usage() string            { return "search QUERY\n" }
func (*searchCmd) SetFlags(_ *flag.FlagSet) {}

func (*searchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	query := strings.TrimSpace(strings.Join(f.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "Error: a query is required.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	sp, err := a.Router.SecurityProvider(registry.OpSearch)
	if err != nil {
		return fail("no securities provider configured")
	}
	results, err := sp.SearchSecurities(ctx, query)
	if err != nil {
		return fail("%v", err)
	}
	for _, r := range results {
		fmt.Printf("%-10s %-8s %-4s %s\n", r.Symbol, r.Exchange, r.Currency, r.Name)
	}
	return subcommands.ExitSuccess
}

type syncCmd struct {
	mode       string
	clearCache bool
	historical bool
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "import security prices and exchange rates" }
func (*syncCmd) Usage() string {
	return `sync [-mode full|snapshot] [-clear-cache] [-historical]

  Fetches today's prices for every tracked security and refreshes the home
  exchange rate. With -historical it also backfills missing history, which
  costs one provider call per symbol or pair.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.mode, "mode", "", "Import mode: full or snapshot (config default when empty)")
	f.BoolVar(&c.clearCache, "clear-cache", false, "Drop cached provider answers and refetch details")
	f.BoolVar(&c.historical, "historical", false, "Backfill historical prices and rates")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mode := c.mode
	a, err := open(ctx, func(cfg *config.Config) {
		if c.historical {
			cfg.Importer.Historical = true
		}
		if mode == "" {
			mode = cfg.Importer.Mode
		}
	})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	st, err := a.Importer.Sync(ctx, mode, c.clearCache)
	if errors.Is(err, importer.ErrInvalidMode) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("fetched %d, updated %d, unchanged %d, skipped %d, failed %d\n",
		st.Fetched, st.Updated, st.Unchanged, st.Skipped, st.Failed)
	return subcommands.ExitSuccess
}

type refreshRateCmd struct{}

func (*refreshRateCmd) Name() string             { return "refresh-rate" }
func (*refreshRateCmd) Synopsis() string         { return "force a fresh home exchange rate" }
func (*refreshRateCmd) Usage() string            { return "refresh-rate\n" }
func (*refreshRateCmd) SetFlags(_ *flag.FlagSet) {}

func (*refreshRateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	rate, changed, err := a.Importer.UpdateHomeRate(ctx)
	if err != nil {
		return fail("%v", err)
	}
	state := "unchanged"
	if changed {
		state = "updated"
	}
	fmt.Printf("%s/%s %s %s (%s)\n", rate.From, rate.To, rate.Date.Format(time.DateOnly), rate.Rate.String(), state)
	return subcommands.ExitSuccess
}

type holdingCmd struct {
	family   int64
	kind     string
	symbol   string
	quantity string
	currency string
	set      bool
}

func (*holdingCmd) Name() string     { return "holding" }
func (*holdingCmd) Synopsis() string { return "add to or set a crypto or stock position" }
func (*holdingCmd) Usage() string {
	return `holding -family ID -kind crypto|stock -symbol SYM -quantity Q [-set] [-currency CUR]

  Without -set the quantity is added to the existing position, creating the
  account on first use. With -set the position's quantity is replaced.
`
}

func (c *holdingCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.family, "family", 0, "Family ID (required)")
	f.StringVar(&c.kind, "kind", store.KindCrypto, "Instrument kind: crypto or stock")
	f.StringVar(&c.symbol, "symbol", "", "Symbol or ticker (required)")
	f.StringVar(&c.quantity, "quantity", "", "Quantity (required)")
	f.StringVar(&c.currency, "currency", "", "Currency of a new account, the family's when empty")
	f.BoolVar(&c.set, "set", false, "Replace the quantity instead of adding to it")
}

func (c *holdingCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	qty, err := decimal.NewFromString(c.quantity)
	if err != nil || c.family <= 0 || c.symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: -family, -symbol and a numeric -quantity are required.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	var acct store.Account
	if c.set {
		h, ferr := a.Store.FindHolding(ctx, c.family, c.kind, provider.Normalize(c.symbol))
		if ferr != nil {
			return fail("find holding: %v", ferr)
		}
		acct, err = a.Reconciler.SetQuantity(ctx, h.ID, qty)
	} else {
		acct, err = a.Reconciler.CreateOrUpdateHolding(ctx, reconciler.HoldingRequest{
			FamilyID: c.family,
			Kind:     c.kind,
			Symbol:   c.symbol,
			Quantity: qty,
			Currency: c.currency,
		})
	}
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("account %d %q balance %s\n", acct.ID, acct.Name, reconciler.Format(acct.Balance, acct.Currency))
	return subcommands.ExitSuccess
}
