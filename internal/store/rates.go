package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
)

// UpsertExchangeRate stores r under (from, to, date). An existing row is
// rewritten only when the rate differs; changed reports whether any row
// was inserted or updated.
func (s *Store) UpsertExchangeRate(ctx context.Context, r ExchangeRate) (bool, error) {
	now := s.stamp()
	res, err := s.exec(ctx, `
		INSERT INTO exchange_rates (from_currency, to_currency, date, rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_currency, to_currency, date) DO UPDATE
			SET rate = excluded.rate, updated_at = excluded.updated_at
			WHERE exchange_rates.rate <> excluded.rate`,
		provider.Normalize(r.From), provider.Normalize(r.To), formatDate(r.Date), r.Rate.String(), now, now)
	if err != nil {
		return false, fmt.Errorf("upsert exchange rate %s/%s: %w", r.From, r.To, err)
	}
	return changed(res)
}

// FindExchangeRate returns the rate stored for exactly date.
func (s *Store) FindExchangeRate(ctx context.Context, from, to string, date time.Time) (ExchangeRate, error) {
	row := s.queryRow(ctx, `
		SELECT from_currency, to_currency, date, rate, updated_at
		FROM exchange_rates WHERE from_currency = ? AND to_currency = ? AND date = ?`,
		provider.Normalize(from), provider.Normalize(to), formatDate(date))
	return scanRate(row)
}

// LatestExchangeRate returns the most recent rate dated on or after since.
func (s *Store) LatestExchangeRate(ctx context.Context, from, to string, since time.Time) (ExchangeRate, error) {
	row := s.queryRow(ctx, `
		SELECT from_currency, to_currency, date, rate, updated_at
		FROM exchange_rates WHERE from_currency = ? AND to_currency = ? AND date >= ?
		ORDER BY date DESC LIMIT 1`,
		provider.Normalize(from), provider.Normalize(to), formatDate(since))
	return scanRate(row)
}

// CountExchangeRates counts stored rows for a pair.
func (s *Store) CountExchangeRates(ctx context.Context, from, to string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM exchange_rates WHERE from_currency = ? AND to_currency = ?`,
		provider.Normalize(from), provider.Normalize(to)).Scan(&n)
	return n, err
}

func scanRate(row *sql.Row) (ExchangeRate, error) {
	var (
		r                ExchangeRate
		date, rate, upAt string
	)
	if err := row.Scan(&r.From, &r.To, &date, &rate, &upAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExchangeRate{}, ErrNotFound
		}
		return ExchangeRate{}, err
	}
	var err error
	if r.Date, err = parseDate(date); err != nil {
		return ExchangeRate{}, fmt.Errorf("exchange rate date %q: %w", date, err)
	}
	if r.Rate, err = decimal.NewFromString(rate); err != nil {
		return ExchangeRate{}, fmt.Errorf("exchange rate value %q: %w", rate, err)
	}
	r.UpdatedAt = parseStamp(upAt)
	return r, nil
}
