package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"metered-assistant/internal/domain"
)

func (s *Store) PutAssistant(ctx context.Context, a domain.Assistant) error {
	if a.ID == "" || a.AccountID == "" {
		return errors.New("sqlstore: assistant id and account id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assistants (id, account_id, external_ref) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET account_id = excluded.account_id, external_ref = excluded.external_ref`,
		a.ID, a.AccountID, a.ExternalRef)
	if err != nil {
		return fmt.Errorf("sqlstore: put assistant: %w", err)
	}
	return nil
}

func (s *Store) PutConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("sqlstore: conversation id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, external_thread_ref, assistant_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET external_thread_ref = excluded.external_thread_ref, assistant_id = excluded.assistant_id`,
		conv.ID, conv.ExternalThreadRef, conv.AssistantID, unixNano(conv.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: put conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation with its assistant attached when
// the assistant exists.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var (
		conv                      domain.Conversation
		created                   int64
		asstID, asstAcct, asstRef sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.external_thread_ref, c.assistant_id, c.created_at, a.id, a.account_id, a.external_ref
		   FROM conversations c
		   LEFT JOIN assistants a ON a.id = c.assistant_id
		  WHERE c.id = ?`, conversationID,
	).Scan(&conv.ID, &conv.ExternalThreadRef, &conv.AssistantID, &created, &asstID, &asstAcct, &asstRef)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("sqlstore: conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("sqlstore: get conversation: %w", err)
	}
	conv.CreatedAt = fromUnixNano(created)
	if asstID.Valid {
		conv.Assistant = &domain.Assistant{ID: asstID.String, AccountID: asstAcct.String, ExternalRef: asstRef.String}
	}
	return conv, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (domain.Turn, error) {
	var (
		t       domain.Turn
		role    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM turns WHERE id = ?`, turnID,
	).Scan(&t.ID, &t.ConversationID, &role, &t.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Turn{}, fmt.Errorf("sqlstore: turn %q: %w", turnID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Turn{}, fmt.Errorf("sqlstore: get turn: %w", err)
	}
	t.Role = domain.Role(role)
	t.CreatedAt = fromUnixNano(created)
	return t, nil
}

// ListTurns returns turns by creation time, ties broken by ID.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		   FROM turns
		  WHERE conversation_id = ?
		  ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t       domain.Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlstore: scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		t.CreatedAt = fromUnixNano(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list turns: %w", err)
	}
	return turns, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, t domain.Turn) (bool, error) {
	return insertNew(ctx, tx,
		`INSERT INTO turns (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.ConversationID, string(t.Role), t.Content, unixNano(t.CreatedAt))
}
