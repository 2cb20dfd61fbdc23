package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/estimator"
	"metered-assistant/internal/integrations/openai"
	"metered-assistant/internal/ledger"
)

const (
	defaultMaxContentLength = 4000
	defaultLeaseTTL         = 3 * time.Minute
	leaseKeyPrefix          = "conversation:"
)

type ConversationDirectory interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
}

type CreditChecker interface {
	HasEnoughCredits(ctx context.Context, accountID string, required int) (bool, error)
}

type CostEstimator interface {
	Estimate(text string) (estimator.Estimate, error)
}

type JobRunner interface {
	Execute(ctx context.Context, req openai.JobRequest) (*openai.Job, error)
}

// IntentStore records turn attempts. CommitTurn must write the turn pair, the
// debit and the fulfilled intent atomically.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent domain.TurnIntent) error
	UpdateIntent(ctx context.Context, intent domain.TurnIntent) error
	CommitTurn(ctx context.Context, commit domain.TurnCommit) error
}

// Locker hands out exclusive leases. A held key yields domain.ErrLeaseHeld.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// TurnDeps are the collaborators of a TurnService.
type TurnDeps struct {
	Conversations ConversationDirectory
	Credits       CreditChecker
	Estimator     CostEstimator
	Runner        JobRunner
	Intents       IntentStore
	Locks         Locker
}

type TurnOption func(*TurnService)

// WithMaxContentLength caps the number of characters in a turn.
func WithMaxContentLength(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.maxContentLen = n
		}
	}
}

// WithLeaseTTL sets how long a conversation stays locked by one turn. It
// should exceed the engine poll bound.
func WithLeaseTTL(d time.Duration) TurnOption {
	return func(s *TurnService) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// TurnService runs a user turn through estimation, credit gating, the
// engine and the atomic commit of turns and debit.
type TurnService struct {
	conversations ConversationDirectory
	credits       CreditChecker
	estimator     CostEstimator
	runner        JobRunner
	intents       IntentStore
	locks         Locker
	log           zerolog.Logger

	maxContentLen int
	leaseTTL      time.Duration
	now           func() time.Time
}

type CreateTurnInput struct {
	ConversationID string
	Role           domain.Role
	Content        string
}

func NewTurnService(deps TurnDeps, log zerolog.Logger, opts ...TurnOption) (*TurnService, error) {
	switch {
	case deps.Conversations == nil:
		return nil, errors.New("usecase: conversation directory must not be nil")
	case deps.Credits == nil:
		return nil, errors.New("usecase: credit checker must not be nil")
	case deps.Estimator == nil:
		return nil, errors.New("usecase: estimator must not be nil")
	case deps.Runner == nil:
		return nil, errors.New("usecase: job runner must not be nil")
	case deps.Intents == nil:
		return nil, errors.New("usecase: intent store must not be nil")
	case deps.Locks == nil:
		return nil, errors.New("usecase: locker must not be nil")
	}
	s := &TurnService{
		conversations: deps.Conversations,
		credits:       deps.Credits,
		estimator:     deps.Estimator,
		runner:        deps.Runner,
		intents:       deps.Intents,
		locks:         deps.Locks,
		log:           log.With().Str("component", "turns").Logger(),
		maxContentLen: defaultMaxContentLength,
		leaseTTL:      defaultLeaseTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateTurn sends a user turn to the conversation's engine thread and
// returns the assistant reply. Credits are only debited once the reply is
// stored, and both happen in one store transaction.
func (s *TurnService) CreateTurn(ctx context.Context, in CreateTurnInput) (domain.Turn, error) {
	started := s.now()
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	role := domain.Role(strings.TrimSpace(string(in.Role)))
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser {
		return domain.Turn{}, newError(ErrorInvalidInput, "unsupported_role", nil)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if utf8.RuneCountInString(content) > s.maxContentLen {
		return domain.Turn{}, newError(ErrorInvalidInput, "content_too_long", nil)
	}

	conv, err := s.conversations.GetConversation(ctx, convID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Turn{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Turn{}, storeError("conversation_lookup_error", err)
	}
	if conv.Assistant == nil {
		return domain.Turn{}, newError(ErrorNotFound, "assistant_not_found", nil)
	}
	if !conv.Assistant.Linked() || conv.ExternalThreadRef == "" {
		return domain.Turn{}, newError(ErrorNotFound, "assistant_not_linked", nil)
	}
	accountID := conv.Assistant.AccountID
	log := s.log.With().Str("conversation_id", convID).Str("account_id", accountID).Logger()

	est, err := s.estimator.Estimate(content)
	if err != nil {
		return domain.Turn{}, newError(ErrorInternal, "estimate_error", err)
	}

	enough, err := s.credits.HasEnoughCredits(ctx, accountID, est.Credits)
	if err != nil {
		return domain.Turn{}, storeError("credit_check_error", err)
	}
	if !enough {
		log.Info().Int("required", est.Credits).Msg("turn rejected: insufficient credits")
		return domain.Turn{}, newError(ErrorInsufficientCredits, "insufficient_credits", nil)
	}

	release, err := s.locks.Acquire(ctx, leaseKeyPrefix+convID, s.leaseTTL)
	if errors.Is(err, domain.ErrLeaseHeld) {
		return domain.Turn{}, newError(ErrorConflict, "turn_in_progress", err)
	}
	if err != nil {
		return domain.Turn{}, storeError("lease_error", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("conversation lease release failed")
		}
	}()

	intent := domain.TurnIntent{
		ID:                        newUUID(),
		ConversationID:            convID,
		AccountID:                 accountID,
		Content:                   content,
		PromptTokens:              est.PromptTokens,
		EstimatedCompletionTokens: est.CompletionTokens,
		Credits:                   est.Credits,
		EstimatedCostUSD:          est.CostUSD.String(),
		Status:                    domain.IntentPending,
		CreatedAt:                 started,
		UpdatedAt:                 started,
	}
	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		return domain.Turn{}, storeError("intent_create_error", err)
	}
	log = log.With().Str("intent_id", intent.ID).Logger()

	job, err := s.runner.Execute(ctx, openai.JobRequest{
		ThreadRef:    conv.ExternalThreadRef,
		AssistantRef: conv.Assistant.ExternalRef,
		Text:         content,
		OnRunStarted: func(ctx context.Context, runID string) {
			intent.RunID = runID
			s.recordRun(ctx, log, intent)
		},
	})
	if job != nil {
		intent.RunID = job.RunID
	}
	if err != nil {
		ucErr := jobError(err)
		log.Warn().Err(err).Str("run_id", intent.RunID).Str("reason", ucErr.Reason).Msg("engine run failed")
		s.settle(ctx, log, intent, domain.IntentFailed, ucErr.Reason)
		return domain.Turn{}, ucErr
	}
	log = log.With().Str("run_id", intent.RunID).Logger()

	// A fetched reply is committed even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	intent.Reply = job.Reply
	intent.Status = domain.IntentReplyFetched
	intent.UpdatedAt = s.now()
	if !intent.UpdatedAt.After(intent.CreatedAt) {
		intent.UpdatedAt = intent.CreatedAt.Add(time.Nanosecond)
	}
	if err := s.intents.UpdateIntent(ctx, intent); err != nil {
		log.Warn().Err(err).Msg("recording fetched reply failed")
	}

	commit := buildCommit(intent)
	if err := s.intents.CommitTurn(ctx, commit); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			log.Info().Int("required", intent.Credits).Msg("turn rejected at commit: insufficient credits")
			s.settle(ctx, log, intent, domain.IntentFailed, "insufficient_credits_at_commit")
			return domain.Turn{}, newError(ErrorInsufficientCredits, "insufficient_credits_at_commit", err)
		}
		log.Error().Err(err).Msg("turn commit failed; intent left for reconciliation")
		return domain.Turn{}, newError(ErrorInternal, "commit_error", err)
	}

	log.Info().
		Int("credits", intent.Credits).
		Int("prompt_tokens", intent.PromptTokens).
		Msg("turn committed")
	return commit.AssistantTurn, nil
}

// recordRun stores the run ID of a pending intent so an interrupted turn can
// be recovered from the engine.
func (s *TurnService) recordRun(ctx context.Context, log zerolog.Logger, intent domain.TurnIntent) {
	intent.UpdatedAt = s.now()
	if err := s.intents.UpdateIntent(context.WithoutCancel(ctx), intent); err != nil {
		log.Warn().Err(err).Str("run_id", intent.RunID).Msg("recording run id failed")
	}
}

func (s *TurnService) settle(ctx context.Context, log zerolog.Logger, intent domain.TurnIntent, status domain.IntentStatus, reason string) {
	intent.Status = status
	intent.FailureReason = reason
	intent.UpdatedAt = s.now()
	if err := s.intents.UpdateIntent(context.WithoutCancel(ctx), intent); err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("settling intent failed")
	}
}

// buildCommit derives the turn pair and debit from an intent holding a reply.
// The user turn is stamped when the intent was created and the reply when it
// was fetched, so the pair lists in order. The debit reuses the intent ID.
func buildCommit(intent domain.TurnIntent) domain.TurnCommit {
	return domain.TurnCommit{
		Intent: intent,
		UserTurn: domain.Turn{
			ID:             newUUID(),
			ConversationID: intent.ConversationID,
			Role:           domain.RoleUser,
			Content:        intent.Content,
			CreatedAt:      intent.CreatedAt,
		},
		AssistantTurn: domain.Turn{
			ID:             newUUID(),
			ConversationID: intent.ConversationID,
			Role:           domain.RoleAssistant,
			Content:        intent.Reply,
			CreatedAt:      intent.UpdatedAt,
		},
		Debit: domain.LedgerEntry{
			ID:          intent.ID,
			AccountID:   intent.AccountID,
			Amount:      -intent.Credits,
			Description: ledger.TurnDebitDescription(intent.PromptTokens + intent.EstimatedCompletionTokens),
			Timestamp:   intent.UpdatedAt,
		},
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
