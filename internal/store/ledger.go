package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/aggregate"
	"ledgermarket/internal/provider"
)

func (s *Store) CreateFamily(ctx context.Context, name, currency string) (Family, error) {
	f := Family{Name: name, Currency: provider.Normalize(currency)}
	err := s.queryRow(ctx, `INSERT INTO families (name, currency, created_at) VALUES (?, ?, ?) RETURNING id`,
		f.Name, f.Currency, s.stamp()).Scan(&f.ID)
	if err != nil {
		return Family{}, fmt.Errorf("create family: %w", err)
	}
	return f, nil
}

func (s *Store) GetFamily(ctx context.Context, id int64) (Family, error) {
	var f Family
	err := s.queryRow(ctx, `SELECT id, name, currency FROM families WHERE id = ?`, id).Scan(&f.ID, &f.Name, &f.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return Family{}, ErrNotFound
	}
	return f, err
}

func (s *Store) CreateAccount(ctx context.Context, a Account) (Account, error) {
	return s.createAccount(ctx, s.db, a)
}

func (s *Store) createAccount(ctx context.Context, q querier, a Account) (Account, error) {
	now := s.stamp()
	a.Currency = provider.Normalize(a.Currency)
	err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO accounts (family_id, name, kind, currency, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		a.FamilyID, a.Name, a.Kind, a.Currency, a.Balance.String(), now, now).Scan(&a.ID)
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	a.UpdatedAt = parseStamp(now)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (Account, error) {
	var (
		a             Account
		balance, upAt string
	)
	err := s.queryRow(ctx, `
		SELECT id, family_id, name, kind, currency, balance, updated_at
		FROM accounts WHERE id = ?`, id).Scan(&a.ID, &a.FamilyID, &a.Name, &a.Kind, &a.Currency, &balance, &upAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("account %d balance %q: %w", id, balance, err)
	}
	a.UpdatedAt = parseStamp(upAt)
	return a, nil
}

// SetCurrentBalance is the one way a balance changes: it records a
// valuation for (account, date) and moves the account balance to amount.
func (s *Store) SetCurrentBalance(ctx context.Context, accountID int64, amount decimal.Decimal, date time.Time) (Account, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback()

	now := s.stamp()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO valuations (account_id, date, amount, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, date) DO UPDATE
			SET amount = excluded.amount, currency = excluded.currency, updated_at = excluded.updated_at`),
		accountID, formatDate(date), amount.String(), acct.Currency, now, now); err != nil {
		return Account{}, fmt.Errorf("record valuation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`),
		amount.String(), now, accountID); err != nil {
		return Account{}, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, err
	}

	acct.Balance = amount
	acct.UpdatedAt = parseStamp(now)
	return acct, nil
}

func (s *Store) ListValuations(ctx context.Context, accountID int64) ([]Valuation, error) {
	rows, err := s.query(ctx, `
		SELECT account_id, date, amount, currency, updated_at
		FROM valuations WHERE account_id = ? ORDER BY date`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Valuation
	for rows.Next() {
		var (
			v                  Valuation
			date, amount, upAt string
		)
		if err := rows.Scan(&v.AccountID, &date, &amount, &v.Currency, &upAt); err != nil {
			return nil, err
		}
		if v.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		if v.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		v.UpdatedAt = parseStamp(upAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) CreateEntry(ctx context.Context, e Entry) (Entry, error) {
	e.Currency = provider.Normalize(e.Currency)
	e.Ticker = provider.Normalize(e.Ticker)
	err := s.queryRow(ctx, `
		INSERT INTO entries (account_id, date, name, amount, currency, ticker, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.AccountID, formatDate(e.Date), e.Name, e.Amount.String(), e.Currency, e.Ticker, s.stamp()).Scan(&e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("create entry: %w", err)
	}
	return e, nil
}

// EntryCurrencyPairs returns, per (entry currency, account currency), the
// earliest entry date among entries not in their account's currency.
func (s *Store) EntryCurrencyPairs(ctx context.Context) ([]aggregate.Need, error) {
	rows, err := s.query(ctx, `
		SELECT e.currency, a.currency, MIN(e.date)
		FROM entries e JOIN accounts a ON a.id = e.account_id
		WHERE e.currency <> a.currency
		GROUP BY e.currency, a.currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []aggregate.Need
	for rows.Next() {
		var (
			n    aggregate.Need
			date string
		)
		if err := rows.Scan(&n.From, &n.To, &date); err != nil {
			return nil, err
		}
		if n.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AccountCurrencyPairs lists accounts held in a currency other than their
// family's, with each account's first entry date.
func (s *Store) AccountCurrencyPairs(ctx context.Context) ([]AccountPair, error) {
	rows, err := s.query(ctx, `
		SELECT a.id, a.currency, f.currency, (SELECT MIN(e.date) FROM entries e WHERE e.account_id = a.id)
		FROM accounts a JOIN families f ON f.id = a.family_id
		WHERE a.currency <> f.currency
		ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountPair
	for rows.Next() {
		var (
			p     AccountPair
			first sql.NullString
		)
		if err := rows.Scan(&p.AccountID, &p.From, &p.To, &first); err != nil {
			return nil, err
		}
		if first.Valid {
			if p.FirstEntry, err = parseDate(first.String); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
