package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Credit Ledger ──────────────────────────────────────────────────────────

// InsertLedgerEntry adds a credit ledger entry.
func (d *DB) InsertLedgerEntry(entry domain.LedgerEntry) (int64, error) {
	result, err := d.db.Exec(insertLedgerSQL, ledgerArgs(entry)...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertLedgerEntries writes both sides of a transaction atomically.
func (d *DB) InsertLedgerEntries(entries ...domain.LedgerEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(insertLedgerSQL, ledgerArgs(e)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s %s: %w", e.EntryType, e.Account, err)
		}
	}
	return tx.Commit()
}

const insertLedgerSQL = `INSERT INTO credit_ledger (timestamp, type, entry_type, account, amount, task_id, description, balance)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func ledgerArgs(e domain.LedgerEntry) []any {
	return []any{
		e.Timestamp.UnixMilli(), string(e.Type), string(e.EntryType),
		e.Account, e.Amount, nullStr(e.TaskID), nullStr(e.Description), e.Balance,
	}
}

// CreditBalance returns the current balance for an account.
func (d *DB) CreditBalance(account string) (int64, error) {
	var balance sql.NullInt64
	err := d.db.QueryRow(
		`SELECT balance FROM credit_ledger WHERE account = ? ORDER BY id DESC LIMIT 1`,
		account,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Int64, nil
}

// LedgerEntries returns recent ledger entries for an account, newest first.
func (d *DB) LedgerEntries(account string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, timestamp, type, entry_type, account, amount, task_id, description, balance
		 FROM credit_ledger WHERE account = ? ORDER BY id DESC LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerTotals returns SUM(amount) per entry type across all accounts.
// A balanced ledger has debits == credits.
func (d *DB) LedgerTotals() (debits, credits int64, err error) {
	err = d.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN entry_type = 'DEBIT'  THEN amount END), 0),
			COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount END), 0)
		 FROM credit_ledger`,
	).Scan(&debits, &credits)
	return debits, credits, err
}

func scanLedgerEntry(s scanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var ts int64
	var taskID, desc sql.NullString
	err := s.Scan(&e.ID, &ts, &e.Type, &e.EntryType, &e.Account,
		&e.Amount, &taskID, &desc, &e.Balance)
	if err != nil {
		return e, err
	}
	e.Timestamp = fromUnixMilli(ts)
	e.TaskID = taskID.String
	e.Description = desc.String
	return e, nil
}
