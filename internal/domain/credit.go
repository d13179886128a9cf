package domain

import "time"

// TxType classifies a credit ledger transaction.
type TxType string

const (
	TxGrant TxType = "GRANT" // quota added by an operator
	TxSpend TxType = "SPEND" // consumed by a task
	TxReset TxType = "RESET" // scheduled quota refill
)

// EntryType is the side of a double-entry posting.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Ledger accounts. Every transaction debits one and credits the other, so
// SUM(debits) == SUM(credits) across both.
const (
	AccountPool    = "quota_pool"
	AccountBalance = "quota_balance"
)

// LedgerEntry is one side of a credit transaction.
type LedgerEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        TxType    `json:"type"`
	EntryType   EntryType `json:"entry_type"`
	Account     string    `json:"account"`
	Amount      int64     `json:"amount"`
	TaskID      string    `json:"task_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Balance     int64     `json:"balance"` // account balance after this entry
}
