package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"metered-assistant/internal/domain"
)

func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var (
		acct    domain.Account
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credits, last_credit_update FROM accounts WHERE id = ?`, accountID,
	).Scan(&acct.ID, &acct.Credits, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("sqlstore: account %q: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("sqlstore: get account: %w", err)
	}
	acct.LastCreditUpdate = fromUnixNano(updated)
	return acct, nil
}

// PutAccount provisions a new account; a non-zero balance is recorded as an
// opening entry in the same transaction.
func (s *Store) PutAccount(ctx context.Context, acct domain.Account) error {
	if strings.TrimSpace(acct.ID) == "" {
		return errors.New("sqlstore: account id is required")
	}
	if acct.Credits < 0 {
		return fmt.Errorf("sqlstore: negative opening balance %d", acct.Credits)
	}
	if acct.LastCreditUpdate.IsZero() {
		acct.LastCreditUpdate = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := insertNew(ctx, tx,
			`INSERT INTO accounts (id, credits, last_credit_update) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			acct.ID, acct.Credits, unixNano(acct.LastCreditUpdate))
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("account %q: %w", acct.ID, domain.ErrAlreadyExists)
		}
		if acct.Credits == 0 {
			return nil
		}
		_, err = insertEntry(ctx, tx, domain.LedgerEntry{
			ID:          uuid.NewString(),
			AccountID:   acct.ID,
			Amount:      acct.Credits,
			Description: domain.OpeningBalanceDescription,
			Timestamp:   acct.LastCreditUpdate,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlstore: put account: %w", err)
	}
	return nil
}

func (s *Store) ApplyEntry(ctx context.Context, entry domain.LedgerEntry, enforceBalance bool) error {
	if entry.ID == "" || entry.AccountID == "" {
		return errors.New("sqlstore: entry id and account id are required")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := moveBalance(ctx, tx, entry, enforceBalance); err != nil {
			return err
		}
		created, err := insertEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("entry %q: %w", entry.ID, domain.ErrAlreadyExists)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: apply entry: %w", err)
	}
	return nil
}

// ListEntries returns the account's entries, oldest first.
func (s *Store) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, description, created_at
		   FROM ledger_entries
		  WHERE account_id = ?
		  ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e  domain.LedgerEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Description, &ts); err != nil {
			return nil, fmt.Errorf("sqlstore: scan entry: %w", err)
		}
		e.Timestamp = fromUnixNano(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list entries: %w", err)
	}
	return entries, nil
}

// moveBalance adds entry.Amount to the account balance. With enforce, a debit
// only applies while the balance covers it.
func moveBalance(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry, enforce bool) error {
	query := `UPDATE accounts SET credits = credits + ?, last_credit_update = ? WHERE id = ?`
	args := []any{entry.Amount, unixNano(entry.Timestamp), entry.AccountID}
	if enforce && entry.Amount < 0 {
		query += ` AND credits >= ?`
		args = append(args, -entry.Amount)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, entry.AccountID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("account %q: %w", entry.AccountID, domain.ErrNotFound)
	}
	return fmt.Errorf("account %q: %w", entry.AccountID, domain.ErrInsufficientCredits)
}

func insertEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) (bool, error) {
	return insertNew(ctx, tx,
		`INSERT INTO ledger_entries (id, account_id, amount, description, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AccountID, e.Amount, e.Description, unixNano(e.Timestamp))
}
