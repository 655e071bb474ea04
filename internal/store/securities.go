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

// UpsertSecurity registers a security by ticker and returns the stored row.
// An existing row keeps its details.
func (s *Store) UpsertSecurity(ctx context.Context, sec Security) (Security, error) {
	now := s.stamp()
	ticker := provider.Normalize(sec.Ticker)
	currency := provider.Normalize(sec.Currency)
	if currency == "" {
		currency = "USD"
	}
	if _, err := s.exec(ctx, `
		INSERT INTO securities (ticker, kind, exchange, name, logo_url, currency, offline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker) DO NOTHING`,
		ticker, sec.Kind, sec.Exchange, sec.Name, sec.LogoURL, currency, boolInt(sec.Offline), now, now); err != nil {
		return Security{}, fmt.Errorf("upsert security %s: %w", ticker, err)
	}
	return s.GetSecurity(ctx, ticker)
}

func (s *Store) GetSecurity(ctx context.Context, ticker string) (Security, error) {
	row := s.queryRow(ctx, `
		SELECT id, ticker, kind, exchange, name, logo_url, currency, offline
		FROM securities WHERE ticker = ?`, provider.Normalize(ticker))
	sec, err := scanSecurity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Security{}, ErrNotFound
	}
	return sec, err
}

// ListOnlineSecurities returns every security a provider can serve, by ticker.
func (s *Store) ListOnlineSecurities(ctx context.Context) ([]Security, error) {
	rows, err := s.query(ctx, `
		SELECT id, ticker, kind, exchange, name, logo_url, currency, offline
		FROM securities WHERE offline = 0 ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// UpdateSecurityDetails overwrites name, logo and exchange; empty values keep
// what is stored.
func (s *Store) UpdateSecurityDetails(ctx context.Context, ticker string, info provider.SecurityInfo) error {
	_, err := s.exec(ctx, `
		UPDATE securities SET
			name = CASE WHEN ? <> '' THEN ? ELSE name END,
			logo_url = CASE WHEN ? <> '' THEN ? ELSE logo_url END,
			exchange = CASE WHEN ? <> '' THEN ? ELSE exchange END,
			updated_at = ?
		WHERE ticker = ?`,
		info.Name, info.Name, info.LogoURL, info.LogoURL, info.Exchange, info.Exchange, s.stamp(), provider.Normalize(ticker))
	return err
}

// SetSecurityOffline marks a security the providers do not know.
func (s *Store) SetSecurityOffline(ctx context.Context, ticker string, offline bool) error {
	_, err := s.exec(ctx, `UPDATE securities SET offline = ?, updated_at = ? WHERE ticker = ?`,
		boolInt(offline), s.stamp(), provider.Normalize(ticker))
	return err
}

// UpsertSecurityPrice stores p under (ticker, date), rewriting only on change.
func (s *Store) UpsertSecurityPrice(ctx context.Context, p SecurityPrice) (bool, error) {
	now := s.stamp()
	res, err := s.exec(ctx, `
		INSERT INTO security_prices (ticker, date, price, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, date) DO UPDATE
			SET price = excluded.price, currency = excluded.currency, updated_at = excluded.updated_at
			WHERE security_prices.price <> excluded.price OR security_prices.currency <> excluded.currency`,
		provider.Normalize(p.Ticker), formatDate(p.Date), p.Price.String(), provider.Normalize(p.Currency), now, now)
	if err != nil {
		return false, fmt.Errorf("upsert security price %s: %w", p.Ticker, err)
	}
	return changed(res)
}

func (s *Store) FindSecurityPrice(ctx context.Context, ticker string, date time.Time) (SecurityPrice, error) {
	var (
		p                 SecurityPrice
		day, price, upAt string
	)
	err := s.queryRow(ctx, `
		SELECT ticker, date, price, currency, updated_at
		FROM security_prices WHERE ticker = ? AND date = ?`,
		provider.Normalize(ticker), formatDate(date)).Scan(&p.Ticker, &day, &price, &p.Currency, &upAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SecurityPrice{}, ErrNotFound
	}
	if err != nil {
		return SecurityPrice{}, err
	}
	if p.Date, err = parseDate(day); err != nil {
		return SecurityPrice{}, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return SecurityPrice{}, err
	}
	p.UpdatedAt = parseStamp(upAt)
	return p, nil
}

// CountSecurityPrices counts stored rows for ticker.
func (s *Store) CountSecurityPrices(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM security_prices WHERE ticker = ?`, provider.Normalize(ticker)).Scan(&n)
	return n, err
}

// FirstTradeDate is the earliest trade entry for ticker; ok is false when
// there are none.
func (s *Store) FirstTradeDate(ctx context.Context, ticker string) (time.Time, bool, error) {
	var first sql.NullString
	if err := s.queryRow(ctx, `SELECT MIN(date) FROM entries WHERE ticker = ?`, provider.Normalize(ticker)).Scan(&first); err != nil {
		return time.Time{}, false, err
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	d, err := parseDate(first.String)
	return d, err == nil, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSecurity(row scanner) (Security, error) {
	var (
		sec     Security
		offline int
	)
	if err := row.Scan(&sec.ID, &sec.Ticker, &sec.Kind, &sec.Exchange, &sec.Name, &sec.LogoURL, &sec.Currency, &offline); err != nil {
		return Security{}, err
	}
	sec.Offline = offline != 0
	return sec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
