package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
)

const holdingColumns = `id, account_id, family_id, kind, symbol, quantity, spot_price, spot_currency, spot_as_of, updated_at`

// errLostInsert means a concurrent writer created the same holding first.
var errLostInsert = errors.New("holding created concurrently")

func (s *Store) CreateHolding(ctx context.Context, h Holding) (Holding, error) {
	now := s.stamp()
	h.Symbol = provider.Normalize(h.Symbol)
	price, currency, asOf := spotColumns(h.Spot)
	err := s.queryRow(ctx, `
		INSERT INTO holdings (account_id, family_id, kind, symbol, quantity, spot_price, spot_currency, spot_as_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		h.AccountID, h.FamilyID, h.Kind, h.Symbol, h.Quantity.String(), price, currency, asOf, now, now).Scan(&h.ID)
	if err != nil {
		return Holding{}, fmt.Errorf("create holding %s: %w", h.Symbol, err)
	}
	h.UpdatedAt = parseStamp(now)
	return h, nil
}

func (s *Store) GetHolding(ctx context.Context, id int64) (Holding, error) {
	return scanHolding(s.queryRow(ctx, `SELECT `+holdingColumns+` FROM holdings WHERE id = ?`, id))
}

// FindHolding looks a holding up by its natural key.
func (s *Store) FindHolding(ctx context.Context, familyID int64, kind, symbol string) (Holding, error) {
	return scanHolding(s.queryRow(ctx, `SELECT `+holdingColumns+` FROM holdings WHERE family_id = ? AND kind = ? AND symbol = ?`,
		familyID, kind, provider.Normalize(symbol)))
}

// AddToHolding adds delta units to the holding keyed by (family, kind,
// symbol). When there is none, acct and a holding of delta units are created
// in one transaction. created reports which of the two happened.
func (s *Store) AddToHolding(ctx context.Context, acct Account, kind, symbol string, delta decimal.Decimal) (h Holding, created bool, err error) {
	symbol = provider.Normalize(symbol)
	acct.Kind = kind
	// a lost insert means the row now exists, so the second pass adds to it
	for range 2 {
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			h, created, txErr = s.addToHolding(ctx, tx, acct, kind, symbol, delta)
			return txErr
		})
		if !errors.Is(err, errLostInsert) {
			break
		}
	}
	if err != nil {
		return Holding{}, false, fmt.Errorf("add to holding %s: %w", symbol, err)
	}
	return h, created, nil
}

func (s *Store) addToHolding(ctx context.Context, tx *sql.Tx, acct Account, kind, symbol string, delta decimal.Decimal) (Holding, bool, error) {
	find := `SELECT ` + holdingColumns + ` FROM holdings WHERE family_id = ? AND kind = ? AND symbol = ?`
	if s.driver == DriverPostgres {
		find += ` FOR UPDATE`
	}
	h, err := scanHolding(tx.QueryRowContext(ctx, s.rebind(find), acct.FamilyID, kind, symbol))
	switch {
	case err == nil:
		now := s.stamp()
		h.Quantity = h.Quantity.Add(delta)
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE holdings SET quantity = ?, updated_at = ? WHERE id = ?`),
			h.Quantity.String(), now, h.ID); err != nil {
			return Holding{}, false, err
		}
		h.UpdatedAt = parseStamp(now)
		return h, false, nil
	case !errors.Is(err, ErrNotFound):
		return Holding{}, false, err
	}

	acct, err = s.createAccount(ctx, tx, acct)
	if err != nil {
		return Holding{}, false, err
	}
	now := s.stamp()
	h = Holding{AccountID: acct.ID, FamilyID: acct.FamilyID, Kind: kind, Symbol: symbol, Quantity: delta}
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO holdings (account_id, family_id, kind, symbol, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (family_id, kind, symbol) DO NOTHING RETURNING id`),
		h.AccountID, h.FamilyID, h.Kind, h.Symbol, h.Quantity.String(), now, now).Scan(&h.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Holding{}, false, errLostInsert
	}
	if err != nil {
		return Holding{}, false, err
	}
	h.UpdatedAt = parseStamp(now)
	return h, true, nil
}

// SetHoldingQuantity replaces a holding's quantity and returns the stored row.
func (s *Store) SetHoldingQuantity(ctx context.Context, id int64, qty decimal.Decimal) (Holding, error) {
	return scanHolding(s.queryRow(ctx, `UPDATE holdings SET quantity = ?, updated_at = ? WHERE id = ? RETURNING `+holdingColumns,
		qty.String(), s.stamp(), id))
}

// SetHoldingSpot records a spot price without touching the quantity.
func (s *Store) SetHoldingSpot(ctx context.Context, id int64, sp SpotPrice) (Holding, error) {
	price, currency, asOf := spotColumns(&sp)
	return scanHolding(s.queryRow(ctx, `
		UPDATE holdings SET spot_price = ?, spot_currency = ?, spot_as_of = ?, updated_at = ?
		WHERE id = ? RETURNING `+holdingColumns,
		price, currency, asOf, s.stamp(), id))
}

// UpdateHolding writes quantity and spot price.
func (s *Store) UpdateHolding(ctx context.Context, h Holding) (Holding, error) {
	now := s.stamp()
	price, currency, asOf := spotColumns(h.Spot)
	res, err := s.exec(ctx, `
		UPDATE holdings SET quantity = ?, spot_price = ?, spot_currency = ?, spot_as_of = ?, updated_at = ?
		WHERE id = ?`,
		h.Quantity.String(), price, currency, asOf, now, h.ID)
	if err != nil {
		return Holding{}, fmt.Errorf("update holding %d: %w", h.ID, err)
	}
	if ok, err := changed(res); err != nil {
		return Holding{}, err
	} else if !ok {
		return Holding{}, ErrNotFound
	}
	h.UpdatedAt = parseStamp(now)
	return h, nil
}

func (s *Store) ListHoldings(ctx context.Context) ([]Holding, error) {
	rows, err := s.query(ctx, `SELECT `+holdingColumns+` FROM holdings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func spotColumns(sp *SpotPrice) (price, currency, asOf sql.NullString) {
	if sp == nil {
		return
	}
	price = sql.NullString{String: sp.Price.String(), Valid: true}
	currency = sql.NullString{String: provider.Normalize(sp.Currency), Valid: true}
	if !sp.AsOf.IsZero() {
		asOf = sql.NullString{String: sp.AsOf.UTC().Format(tsLayout), Valid: true}
	}
	return
}

func scanHolding(row scanner) (Holding, error) {
	var (
		h                     Holding
		qty, upAt             string
		price, currency, asOf sql.NullString
	)
	err := row.Scan(&h.ID, &h.AccountID, &h.FamilyID, &h.Kind, &h.Symbol, &qty, &price, &currency, &asOf, &upAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Holding{}, ErrNotFound
	}
	if err != nil {
		return Holding{}, err
	}
	if h.Quantity, err = decimal.NewFromString(qty); err != nil {
		return Holding{}, fmt.Errorf("holding %d quantity %q: %w", h.ID, qty, err)
	}
	if price.Valid {
		sp := &SpotPrice{Currency: currency.String}
		if sp.Price, err = decimal.NewFromString(price.String); err != nil {
			return Holding{}, fmt.Errorf("holding %d spot %q: %w", h.ID, price.String, err)
		}
		if asOf.Valid {
			sp.AsOf = parseStamp(asOf.String)
		}
		h.Spot = sp
	}
	h.UpdatedAt = parseStamp(upAt)
	return h, nil
}
