package domain

import "time"

// OpeningBalanceDescription labels the entry written when an account is
// provisioned with a non-zero balance.
const OpeningBalanceDescription = "Opening balance"

// Account carries the prepaid credit balance of a user.
type Account struct {
	ID               string
	Credits          int
	LastCreditUpdate time.Time
}

// LedgerEntry is an immutable balance movement. Positive amounts are grants,
// negative amounts are consumption.
type LedgerEntry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Amount      int       `json:"amount"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// AccountLedger is an account balance with its entries, newest first.
type AccountLedger struct {
	AccountID string        `json:"accountId"`
	Credits   int           `json:"credits"`
	Entries   []LedgerEntry `json:"entries"`
}
