package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account kinds. Crypto and stock accounts carry a Holding whose balance is
// derived; every other kind is balanced manually.
const (
	KindCrypto     = "crypto"
	KindStock      = "stock"
	KindDepository = "depository"
)

type Family struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type Account struct {
	ID        int64           `json:"id"`
	FamilyID  int64           `json:"family_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Entry struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"account_id"`
	Date      time.Time       `json:"date"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	// Ticker is set on trade entries.
	Ticker string `json:"ticker,omitempty"`
}

type Valuation struct {
	AccountID int64           `json:"account_id"`
	Date      time.Time       `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Security struct {
	ID       int64  `json:"id"`
	Ticker   string `json:"ticker"`
	Kind     string `json:"kind"`
	Exchange string `json:"exchange,omitempty"`
	Name     string `json:"name,omitempty"`
	LogoURL  string `json:"logo_url,omitempty"`
	Currency string `json:"currency"`
	// Offline securities are not served by any provider and are skipped on import.
	Offline bool `json:"offline"`
}

type SecurityPrice struct {
	Ticker    string          `json:"ticker"`
	Date      time.Time       `json:"date"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ExchangeRate struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Date      time.Time       `json:"date"`
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SpotPrice is the last known price of a holding's instrument.
type SpotPrice struct {
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
}

type Holding struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"account_id"`
	FamilyID  int64           `json:"family_id"`
	Kind      string          `json:"kind"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Spot      *SpotPrice      `json:"spot_price,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountPair is an account whose currency differs from its family's.
type AccountPair struct {
	AccountID int64
	From      string
	To        string
	// FirstEntry is zero when the account has no entries.
	FirstEntry time.Time
}
