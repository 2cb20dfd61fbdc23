// Package ledger owns every mutation of an account's credit balance. Each
// mutation appends an entry in the same store transaction so the entries of an
// account always sum to its balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metered-assistant/internal/domain"
)

// ErrInvalidAmount is returned for amounts the operation cannot accept.
var ErrInvalidAmount = errors.New("ledger: invalid amount")

// Store persists balances and entries. ApplyEntry must change the balance by
// entry.Amount and append entry atomically; with enforceBalance it must fail
// with domain.ErrInsufficientCredits instead of driving the balance negative.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
	ApplyEntry(ctx context.Context, entry domain.LedgerEntry, enforceBalance bool) error
	ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
}

// Service is the credit ledger.
type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a ledger Service.
func New(store Store, log zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	return &Service{
		store: store,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// HasEnoughCredits is a read-only balance check. A missing account has no
// credits.
func (s *Service) HasEnoughCredits(ctx context.Context, accountID string, required int) (bool, error) {
	if required < 0 {
		return false, fmt.Errorf("%w: required %d", ErrInvalidAmount, required)
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: get account: %w", err)
	}
	return acct.Credits >= required, nil
}

// ConsumeCredits debits amount if the balance covers it. It returns false
// without error when the balance is insufficient or the account is missing.
func (s *Service) ConsumeCredits(ctx context.Context, accountID string, amount int, reason string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: consume %d", ErrInvalidAmount, amount)
	}
	return s.apply(ctx, NewEntry(accountID, -amount, reason, s.now()), true)
}

// AddCredits grants amount. It returns false without error when the account
// is missing.
func (s *Service) AddCredits(ctx context.Context, accountID string, amount int, reason string) (bool, error) {
	if amount == 0 {
		return false, fmt.Errorf("%w: add 0", ErrInvalidAmount)
	}
	return s.apply(ctx, NewEntry(accountID, amount, reason, s.now()), false)
}

func (s *Service) apply(ctx context.Context, entry domain.LedgerEntry, enforce bool) (bool, error) {
	err := s.store.ApplyEntry(ctx, entry, enforce)
	switch {
	case err == nil:
		s.log.Info().
			Str("account_id", entry.AccountID).
			Int("amount", entry.Amount).
			Str("entry_id", entry.ID).
			Msg("ledger entry applied")
		return true, nil
	case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, domain.ErrNotFound):
		s.log.Info().
			Str("account_id", entry.AccountID).
			Int("amount", entry.Amount).
			AnErr("reason", err).
			Msg("ledger entry rejected")
		return false, nil
	default:
		return false, fmt.Errorf("ledger: apply entry: %w", err)
	}
}

// GetAccountLedger returns the balance with entries newest first.
func (s *Service) GetAccountLedger(ctx context.Context, accountID string) (domain.AccountLedger, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.AccountLedger{}, fmt.Errorf("ledger: get account: %w", err)
	}
	entries, err := s.store.ListEntries(ctx, accountID)
	if err != nil {
		return domain.AccountLedger{}, fmt.Errorf("ledger: list entries: %w", err)
	}
	SortNewestFirst(entries)
	return domain.AccountLedger{
		AccountID: acct.ID,
		Credits:   acct.Credits,
		Entries:   entries,
	}, nil
}

// NewEntry builds a ledger entry with a fresh ID.
func NewEntry(accountID string, amount int, description string, ts time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		Description: strings.TrimSpace(description),
		Timestamp:   ts.UTC(),
	}
}

// TurnDebitDescription is the description recorded for a turn debit.
func TurnDebitDescription(estimatedTokens int) string {
	return fmt.Sprintf("Message sent (estimated tokens: %d)", estimatedTokens)
}

// SortNewestFirst orders entries by timestamp descending, ties by ID.
func SortNewestFirst(entries []domain.LedgerEntry) {
	slices.SortStableFunc(entries, func(a, b domain.LedgerEntry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
