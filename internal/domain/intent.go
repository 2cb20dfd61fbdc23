package domain

import (
	"errors"
	"fmt"
	"time"
)

// IntentStatus tracks a turn attempt through the charge-after-delivery saga.
type IntentStatus string

const (
	IntentPending      IntentStatus = "pending"
	IntentReplyFetched IntentStatus = "reply_fetched"
	IntentFulfilled    IntentStatus = "fulfilled"
	IntentFailed       IntentStatus = "failed"
	IntentAbandoned    IntentStatus = "abandoned"
)

// Settled reports whether no further transition is allowed.
func (s IntentStatus) Settled() bool {
	switch s {
	case IntentFulfilled, IntentFailed, IntentAbandoned:
		return true
	}
	return false
}

// TurnIntent is recorded before the engine is called and settled once the
// turn pair and debit are written (or the attempt is given up).
type TurnIntent struct {
	ID                        string
	ConversationID            string
	AccountID                 string
	RunID                     string
	Content                   string
	Reply                     string
	PromptTokens              int
	EstimatedCompletionTokens int
	Credits                   int
	EstimatedCostUSD          string
	Status                    IntentStatus
	FailureReason             string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// TurnCommit is the unit written atomically once a reply is available:
// both turns, the debit entry and the intent settlement.
type TurnCommit struct {
	Intent        TurnIntent
	UserTurn      Turn
	AssistantTurn Turn
	Debit         LedgerEntry
}

// Validate checks that the commit is internally consistent: the debit is
// keyed by the intent, charges the intent's account, and the turns form a
// user/assistant pair on the intent's conversation.
func (c TurnCommit) Validate() error {
	switch {
	case c.Intent.ID == "":
		return errors.New("commit: intent id is required")
	case c.Debit.ID != c.Intent.ID:
		return fmt.Errorf("commit: debit id %q does not match intent %q", c.Debit.ID, c.Intent.ID)
	case c.Debit.Amount >= 0:
		return fmt.Errorf("commit: debit amount must be negative, got %d", c.Debit.Amount)
	case c.Debit.AccountID != c.Intent.AccountID:
		return errors.New("commit: debit account does not match intent")
	case c.UserTurn.Role != RoleUser || c.AssistantTurn.Role != RoleAssistant:
		return errors.New("commit: turns must be a user/assistant pair")
	case c.UserTurn.ID == "" || c.AssistantTurn.ID == "":
		return errors.New("commit: turn ids are required")
	case c.UserTurn.ConversationID != c.Intent.ConversationID || c.AssistantTurn.ConversationID != c.Intent.ConversationID:
		return errors.New("commit: turns belong to another conversation")
	}
	return nil
}
