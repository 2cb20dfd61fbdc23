package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"metered-assistant/internal/domain"
)

const intentColumns = `id, conversation_id, account_id, run_id, content, reply, prompt_tokens,
	estimated_completion_tokens, credits, estimated_cost_usd, status, failure_reason, created_at, updated_at`

func (s *Store) CreateIntent(ctx context.Context, intent domain.TurnIntent) error {
	if intent.ID == "" {
		return errors.New("sqlstore: intent id is required")
	}
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := insertNew(ctx, tx,
			`INSERT INTO turn_intents (`+intentColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			intent.ID, intent.ConversationID, intent.AccountID, intent.RunID, intent.Content, intent.Reply,
			intent.PromptTokens, intent.EstimatedCompletionTokens, intent.Credits, intent.EstimatedCostUSD,
			string(intent.Status), intent.FailureReason, unixNano(intent.CreatedAt), unixNano(intent.UpdatedAt))
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("intent %q: %w", intent.ID, domain.ErrAlreadyExists)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: create intent: %w", err)
	}
	return nil
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (domain.TurnIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM turn_intents WHERE id = ?`, intentID)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TurnIntent{}, fmt.Errorf("sqlstore: intent %q: %w", intentID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TurnIntent{}, fmt.Errorf("sqlstore: get intent: %w", err)
	}
	return intent, nil
}

// UpdateIntent replaces an unsettled intent; settled intents yield
// domain.ErrIntentSettled.
func (s *Store) UpdateIntent(ctx context.Context, intent domain.TurnIntent) error {
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return updateUnsettled(ctx, tx, intent)
	})
	if err != nil {
		return fmt.Errorf("sqlstore: update intent: %w", err)
	}
	return nil
}

// ListIntents returns intents in any of statuses created before the cutoff,
// oldest first.
func (s *Store) ListIntents(ctx context.Context, statuses []domain.IntentStatus, createdBefore time.Time) ([]domain.TurnIntent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, unixNano(createdBefore))
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+`
		   FROM turn_intents
		  WHERE status IN (`+placeholders+`) AND created_at < ?
		  ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.TurnIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list intents: %w", err)
	}
	return intents, nil
}

// CommitTurn writes the debit, both turns and the fulfilled intent in one
// transaction. A replay of a committed intent yields domain.ErrIntentSettled.
func (s *Store) CommitTurn(ctx context.Context, commit domain.TurnCommit) error {
	if err := commit.Validate(); err != nil {
		return fmt.Errorf("sqlstore: commit turn: %w", err)
	}
	intent := commit.Intent
	intent.Status = domain.IntentFulfilled
	intent.UpdatedAt = s.now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateUnsettled(ctx, tx, intent); err != nil {
			return err
		}
		if err := moveBalance(ctx, tx, commit.Debit, true); err != nil {
			return err
		}
		created, err := insertEntry(ctx, tx, commit.Debit)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("debit %q: %w", commit.Debit.ID, domain.ErrIntentSettled)
		}
		for _, t := range []domain.Turn{commit.UserTurn, commit.AssistantTurn} {
			created, err := insertTurn(ctx, tx, t)
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("turn %q: %w", t.ID, domain.ErrIntentSettled)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: commit turn: %w", err)
	}
	return nil
}

func updateUnsettled(ctx context.Context, tx *sql.Tx, intent domain.TurnIntent) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE turn_intents
		    SET run_id = ?, content = ?, reply = ?, prompt_tokens = ?, estimated_completion_tokens = ?,
		        credits = ?, estimated_cost_usd = ?, status = ?, failure_reason = ?, updated_at = ?
		  WHERE id = ? AND status NOT IN (?, ?, ?)`,
		intent.RunID, intent.Content, intent.Reply, intent.PromptTokens, intent.EstimatedCompletionTokens,
		intent.Credits, intent.EstimatedCostUSD, string(intent.Status), intent.FailureReason, unixNano(intent.UpdatedAt),
		intent.ID, string(domain.IntentFulfilled), string(domain.IntentFailed), string(domain.IntentAbandoned))
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
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM turn_intents WHERE id = ?`, intent.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("intent %q: %w", intent.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("intent %q: %w", intent.ID, domain.ErrIntentSettled)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (domain.TurnIntent, error) {
	var (
		i                domain.TurnIntent
		status           string
		created, updated int64
	)
	err := row.Scan(&i.ID, &i.ConversationID, &i.AccountID, &i.RunID, &i.Content, &i.Reply, &i.PromptTokens,
		&i.EstimatedCompletionTokens, &i.Credits, &i.EstimatedCostUSD, &status, &i.FailureReason, &created, &updated)
	if err != nil {
		return domain.TurnIntent{}, err
	}
	i.Status = domain.IntentStatus(status)
	i.CreatedAt = fromUnixNano(created)
	i.UpdatedAt = fromUnixNano(updated)
	return i, nil
}
