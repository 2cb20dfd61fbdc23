package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/integrations/openai"
)

const (
	defaultStaleAfter  = 10 * time.Minute
	defaultConcurrency = 4
)

// ReconcileStore is the intent and conversation access the Reconciler needs.
type ReconcileStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ListIntents(ctx context.Context, statuses []domain.IntentStatus, createdBefore time.Time) ([]domain.TurnIntent, error)
	UpdateIntent(ctx context.Context, intent domain.TurnIntent) error
	CommitTurn(ctx context.Context, commit domain.TurnCommit) error
}

// RunInspector reads back engine runs. *openai.Client satisfies it.
type RunInspector interface {
	GetRun(ctx context.Context, threadRef, runID string) (openai.Run, error)
	FetchReply(ctx context.Context, threadRef, runID string) (string, error)
}

// ReconcileReport counts what one Run did.
type ReconcileReport struct {
	Scanned        int `json:"scanned"`
	Committed      int `json:"committed"`
	AlreadySettled int `json:"alreadySettled"`
	Failed         int `json:"failed"`
	Abandoned      int `json:"abandoned"`
	StillRunning   int `json:"stillRunning"`
	Errors         int `json:"errors"`
}

// Reconciler settles intents left behind by interrupted turns. An intent
// with a fetched reply is committed again. A pending intent whose run
// completed on the engine has its reply fetched and committed; one with no
// run, or a run that ended otherwise, is abandoned without charge.
type Reconciler struct {
	store       ReconcileStore
	engine      RunInspector
	log         zerolog.Logger
	staleAfter  time.Duration
	concurrency int
	now         func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

func WithConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func NewReconciler(store ReconcileStore, engine RunInspector, log zerolog.Logger, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("usecase: reconcile store must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: run inspector must not be nil")
	}
	r := &Reconciler{
		store:       store,
		engine:      engine,
		log:         log.With().Str("component", "reconciler").Logger(),
		staleAfter:  defaultStaleAfter,
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes every unsettled intent older than the stale window. Per-intent
// failures are counted and logged; only a failed listing is returned.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	cutoff := r.now().Add(-r.staleAfter)
	intents, err := r.store.ListIntents(ctx, []domain.IntentStatus{domain.IntentPending, domain.IntentReplyFetched}, cutoff)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("usecase: list stale intents: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Scanned: len(intents)}
	)
	p := pool.New().WithMaxGoroutines(r.concurrency)
	for _, intent := range intents {
		intent := intent
		p.Go(func() {
			outcome, err := r.reconcile(ctx, intent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				r.log.Error().Err(err).Str("intent_id", intent.ID).Str("status", string(intent.Status)).Msg("reconcile intent failed")
				return
			}
			switch outcome {
			case domain.IntentFulfilled:
				report.Committed++
			case domain.IntentFailed:
				report.Failed++
			case domain.IntentAbandoned:
				report.Abandoned++
			case domain.IntentPending:
				report.StillRunning++
			default:
				report.AlreadySettled++
			}
		})
	}
	p.Wait()

	r.log.Info().
		Int("scanned", report.Scanned).
		Int("committed", report.Committed).
		Int("already_settled", report.AlreadySettled).
		Int("failed", report.Failed).
		Int("abandoned", report.Abandoned).
		Int("still_running", report.StillRunning).
		Int("errors", report.Errors).
		Msg("reconcile finished")
	return report, nil
}

// reconcile returns the status the intent ended in, or "" when another
// writer had already settled it. IntentPending means the run is still active
// on the engine.
func (r *Reconciler) reconcile(ctx context.Context, intent domain.TurnIntent) (domain.IntentStatus, error) {
	switch intent.Status {
	case domain.IntentReplyFetched:
		return r.commit(ctx, intent)
	case domain.IntentPending:
		return r.recoverPending(ctx, intent)
	default:
		return "", nil
	}
}

func (r *Reconciler) commit(ctx context.Context, intent domain.TurnIntent) (domain.IntentStatus, error) {
	err := r.store.CommitTurn(ctx, buildCommit(intent))
	switch {
	case err == nil:
		r.log.Info().Str("intent_id", intent.ID).Int("credits", intent.Credits).Msg("intent committed")
		return domain.IntentFulfilled, nil
	case errors.Is(err, domain.ErrIntentSettled):
		return "", nil
	case errors.Is(err, domain.ErrInsufficientCredits):
		return r.mark(ctx, intent, domain.IntentFailed, "insufficient_credits_at_commit")
	default:
		return "", err
	}
}

// recoverPending asks the engine about a run whose reply was never recorded.
func (r *Reconciler) recoverPending(ctx context.Context, intent domain.TurnIntent) (domain.IntentStatus, error) {
	if intent.RunID == "" {
		return r.mark(ctx, intent, domain.IntentAbandoned, "no_run_started")
	}
	conv, err := r.store.GetConversation(ctx, intent.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.mark(ctx, intent, domain.IntentAbandoned, "conversation_not_found")
	}
	if err != nil {
		return "", fmt.Errorf("usecase: load conversation: %w", err)
	}
	if conv.ExternalThreadRef == "" {
		return r.mark(ctx, intent, domain.IntentAbandoned, "thread_not_linked")
	}

	run, err := r.engine.GetRun(ctx, conv.ExternalThreadRef, intent.RunID)
	var ext *openai.ExternalServiceError
	if errors.As(err, &ext) && ext.HTTPStatusCode() == http.StatusNotFound {
		return r.mark(ctx, intent, domain.IntentAbandoned, "run_not_found")
	}
	if err != nil {
		return "", fmt.Errorf("usecase: get run %s: %w", intent.RunID, err)
	}
	if run.Status.Running() {
		return domain.IntentPending, nil
	}
	if run.Status != openai.RunCompleted {
		return r.mark(ctx, intent, domain.IntentAbandoned, "run_"+string(run.Status))
	}

	reply, err := r.engine.FetchReply(ctx, conv.ExternalThreadRef, intent.RunID)
	if errors.Is(err, openai.ErrMalformedResponse) {
		return r.mark(ctx, intent, domain.IntentAbandoned, "reply_missing")
	}
	if err != nil {
		return "", fmt.Errorf("usecase: fetch reply for run %s: %w", intent.RunID, err)
	}
	r.log.Info().Str("intent_id", intent.ID).Str("run_id", intent.RunID).Msg("reply recovered from engine")

	intent.Reply = reply
	intent.Status = domain.IntentReplyFetched
	intent.UpdatedAt = r.now()
	return r.commit(ctx, intent)
}

func (r *Reconciler) mark(ctx context.Context, intent domain.TurnIntent, status domain.IntentStatus, reason string) (domain.IntentStatus, error) {
	intent.Status = status
	intent.FailureReason = reason
	intent.UpdatedAt = r.now()
	err := r.store.UpdateIntent(ctx, intent)
	if errors.Is(err, domain.ErrIntentSettled) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
