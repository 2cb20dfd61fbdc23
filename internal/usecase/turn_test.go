package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/estimator"
	"metered-assistant/internal/integrations/openai"
	"metered-assistant/internal/lease"
	"metered-assistant/internal/ledger"
)

const (
	testConv    = "conv-1"
	testAccount = "acct-1"
	// 1000 prompt tokens + 300 completion tokens on gpt-4o cost 0.0095 USD.
	testCredits = 95
)

type harness struct {
	store  *memStore
	runner *fakeRunner
	locks  *lease.Memory
	svc    *TurnService
	clock  time.Time
}

func newHarness(t *testing.T, balance int, opts ...TurnOption) *harness {
	t.Helper()
	store := newMemStore()
	store.seedConversation(testConv, "thread_abc", testAccount, "asst_ext", balance)

	est, err := estimator.New("gpt-4o", 0, 0, estimator.WithTokenCounter(func(string, string) (int, error) {
		return 1000, nil
	}))
	require.NoError(t, err)
	credits, err := ledger.New(store, zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		store:  store,
		runner: &fakeRunner{job: completedJob("run_1", "Hello from the engine")},
		locks:  lease.NewMemory(),
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc, err = NewTurnService(TurnDeps{
		Conversations: store,
		Credits:       credits,
		Estimator:     est,
		Runner:        h.runner,
		Intents:       store,
		Locks:         h.locks,
	}, zerolog.Nop(), opts...)
	require.NoError(t, err)
	h.svc.now = func() time.Time {
		h.clock = h.clock.Add(time.Second)
		return h.clock
	}
	return h
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	return ucErr
}

func requireNothingWritten(t *testing.T, h *harness, balance int) {
	t.Helper()
	require.Empty(t, h.store.allTurns())
	require.Empty(t, h.store.debits())
	require.Equal(t, balance, h.store.balance(testAccount))
	require.Equal(t, h.store.balance(testAccount), h.store.entrySum(testAccount))
}

func TestNewTurnService_ValidatesDependencies(t *testing.T) {
	_, err := NewTurnService(TurnDeps{}, zerolog.Nop())
	require.Error(t, err)

	store := newMemStore()
	_, err = NewTurnService(TurnDeps{
		Conversations: store,
		Credits:       &ledger.Service{},
		Estimator:     &estimator.Estimator{},
		Runner:        &fakeRunner{},
		Intents:       store,
	}, zerolog.Nop())
	require.ErrorContains(t, err, "locker")
}

func TestCreateTurn_Success(t *testing.T) {
	h := newHarness(t, 100)

	turn, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{
		ConversationID: testConv,
		Role:           domain.RoleUser,
		Content:        "  What is the weather like?  ",
	})
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, turn.Role)
	require.Equal(t, "Hello from the engine", turn.Content)
	require.Equal(t, testConv, turn.ConversationID)

	require.Equal(t, "thread_abc", h.runner.lastReq.ThreadRef)
	require.Equal(t, "asst_ext", h.runner.lastReq.AssistantRef)
	require.Equal(t, "What is the weather like?", h.runner.lastReq.Text)
	require.NotNil(t, h.runner.lastReq.OnRunStarted)

	turns := h.store.allTurns()
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, "What is the weather like?", turns[0].Content)
	require.Equal(t, turn, turns[1])
	require.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))

	debits := h.store.debits()
	require.Len(t, debits, 1)
	require.Equal(t, -testCredits, debits[0].Amount)
	require.Equal(t, "Message sent (estimated tokens: 1300)", debits[0].Description)
	require.Equal(t, 100-testCredits, h.store.balance(testAccount))
	require.Equal(t, h.store.balance(testAccount), h.store.entrySum(testAccount))

	intent, ok := h.store.onlyIntent()
	require.True(t, ok)
	require.Equal(t, domain.IntentFulfilled, intent.Status)
	require.Equal(t, debits[0].ID, intent.ID)
	require.Equal(t, "run_1", intent.RunID)
	require.Equal(t, "0.0095", intent.EstimatedCostUSD)

	// the lease is released once the turn is done
	release, err := h.locks.Acquire(context.Background(), leaseKeyPrefix+testConv, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestCreateTurn_EmptyRoleDefaultsToUser(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.RoleUser, h.store.allTurns()[0].Role)
}

func TestCreateTurn_InvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		in     CreateTurnInput
		reason string
	}{
		{name: "missing conversation", in: CreateTurnInput{Content: "hi"}, reason: "empty_conversation_id"},
		{name: "assistant role", in: CreateTurnInput{ConversationID: testConv, Role: domain.RoleAssistant, Content: "hi"}, reason: "unsupported_role"},
		{name: "blank content", in: CreateTurnInput{ConversationID: testConv, Content: " \n\t "}, reason: "empty_content"},
		{name: "too long", in: CreateTurnInput{ConversationID: testConv, Content: strings.Repeat("é", 11)}, reason: "content_too_long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 100, WithMaxContentLength(10))
			_, err := h.svc.CreateTurn(context.Background(), tc.in)
			ucErr := requireCode(t, err, ErrorInvalidInput)
			require.Equal(t, tc.reason, ucErr.Reason)
			require.Zero(t, h.runner.calls)
			requireNothingWritten(t, h, 100)
		})
	}
}

func TestCreateTurn_NotFound(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: "missing", Content: "hi"})
	requireCode(t, err, ErrorNotFound)

	h.store.conversations["orphan"] = domain.Conversation{ID: "orphan", ExternalThreadRef: "thread_x"}
	_, err = h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: "orphan", Content: "hi"})
	ucErr := requireCode(t, err, ErrorNotFound)
	require.Equal(t, "assistant_not_found", ucErr.Reason)

	h.store.conversations["unlinked"] = domain.Conversation{
		ID:                "unlinked",
		ExternalThreadRef: "thread_y",
		Assistant:         &domain.Assistant{ID: "a", AccountID: testAccount},
	}
	_, err = h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: "unlinked", Content: "hi"})
	ucErr = requireCode(t, err, ErrorNotFound)
	require.Equal(t, "assistant_not_linked", ucErr.Reason)

	require.Zero(t, h.runner.calls)
	requireNothingWritten(t, h, 100)
}

func TestCreateTurn_InsufficientCreditsWritesNothing(t *testing.T) {
	h := newHarness(t, testCredits-1)

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	requireCode(t, err, ErrorInsufficientCredits)

	require.Zero(t, h.runner.calls)
	_, hasIntent := h.store.onlyIntent()
	require.False(t, hasIntent)
	requireNothingWritten(t, h, testCredits-1)
}

func TestCreateTurn_MissingAccountIsInsufficientCredits(t *testing.T) {
	h := newHarness(t, 100)
	h.store.conversations["ghost"] = domain.Conversation{
		ID:                "ghost",
		ExternalThreadRef: "thread_g",
		Assistant:         &domain.Assistant{ID: "a", AccountID: "acct-missing", ExternalRef: "asst_g"},
	}

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: "ghost", Content: "hi"})
	ucErr := requireCode(t, err, ErrorInsufficientCredits)
	require.Equal(t, "insufficient_credits", ucErr.Reason)
	require.Zero(t, h.runner.calls)
}

func TestCreateTurn_ExactBalanceIsEnough(t *testing.T) {
	h := newHarness(t, testCredits)
	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	require.NoError(t, err)
	require.Zero(t, h.store.balance(testAccount))
}

func TestCreateTurn_JobFailuresWriteNothing(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{
			name:   "http error",
			err:    &openai.ExternalServiceError{StatusCode: 500, URL: "https://api.openai.com/v1/threads/t/runs", Body: "oops"},
			code:   ErrorExternalService,
			reason: "openai_http_500",
		},
		{
			name:   "run failed",
			err:    &openai.RunStatusError{RunID: "run_1", Status: openai.RunFailed, LastError: "server_error"},
			code:   ErrorExternalService,
			reason: "run_failed",
		},
		{
			name:   "malformed reply",
			err:    fmt.Errorf("fetch: %w", openai.ErrMalformedResponse),
			code:   ErrorExternalService,
			reason: "openai_malformed_response",
		},
		{
			name:   "poll timeout",
			err:    &openai.PollTimeoutError{RunID: "run_1", LastStatus: openai.RunInProgress, Polls: 120},
			code:   ErrorTimeout,
			reason: "run_poll_timeout",
		},
		{
			name:   "deadline",
			err:    context.DeadlineExceeded,
			code:   ErrorTimeout,
			reason: "request_deadline_exceeded",
		},
		{
			name:   "canceled",
			err:    fmt.Errorf("poll: %w", context.Canceled),
			code:   ErrorCanceled,
			reason: "request_canceled",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.runner.job = &openai.Job{State: openai.JobFailed, RunID: "run_1"}
			h.runner.err = tc.err

			_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
			ucErr := requireCode(t, err, tc.code)
			require.Equal(t, tc.reason, ucErr.Reason)
			require.ErrorIs(t, err, tc.err)

			requireNothingWritten(t, h, 100)
			intent, ok := h.store.onlyIntent()
			require.True(t, ok)
			require.Equal(t, domain.IntentFailed, intent.Status)
			require.Equal(t, tc.reason, intent.FailureReason)
			require.Equal(t, "run_1", intent.RunID)

			release, err := h.locks.Acquire(context.Background(), leaseKeyPrefix+testConv, time.Minute)
			require.NoError(t, err, "lease must be released after a failed run")
			require.NoError(t, release(context.Background()))
		})
	}
}

func TestCreateTurn_CallerCancellationSettlesIntent(t *testing.T) {
	h := newHarness(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.onExecute = func(context.Context) { cancel() }
	h.runner.err = context.Canceled

	_, err := h.svc.CreateTurn(ctx, CreateTurnInput{ConversationID: testConv, Content: "hi"})
	requireCode(t, err, ErrorCanceled)

	intent, ok := h.store.onlyIntent()
	require.True(t, ok)
	require.Equal(t, domain.IntentFailed, intent.Status, "bookkeeping must survive the canceled context")
	requireNothingWritten(t, h, 100)
}

func TestCreateTurn_ConcurrentTurnOnSameConversation(t *testing.T) {
	h := newHarness(t, 100)
	release, err := h.locks.Acquire(context.Background(), leaseKeyPrefix+testConv, time.Minute)
	require.NoError(t, err)
	defer func() { require.NoError(t, release(context.Background())) }()

	_, err = h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	ucErr := requireCode(t, err, ErrorConflict)
	require.ErrorIs(t, ucErr, domain.ErrLeaseHeld)
	require.Zero(t, h.runner.calls)
	requireNothingWritten(t, h, 100)
}

func TestCreateTurn_BalanceSpentDuringRun(t *testing.T) {
	h := newHarness(t, 100)
	h.runner.onExecute = func(ctx context.Context) {
		// another consumer spends the credits while the run is in flight
		require.NoError(t, h.store.ApplyEntry(ctx, ledger.NewEntry(testAccount, -50, "elsewhere", h.clock), true))
	}

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	ucErr := requireCode(t, err, ErrorInsufficientCredits)
	require.Equal(t, "insufficient_credits_at_commit", ucErr.Reason)

	require.Empty(t, h.store.allTurns())
	require.Equal(t, 50, h.store.balance(testAccount))
	require.Equal(t, 50, h.store.entrySum(testAccount))

	intent, ok := h.store.onlyIntent()
	require.True(t, ok)
	require.Equal(t, domain.IntentFailed, intent.Status)
	require.Equal(t, "Hello from the engine", intent.Reply)
}

func TestCreateTurn_CommitFaultLeavesIntentForReconciler(t *testing.T) {
	h := newHarness(t, 100)
	h.store.commitErr = errors.New("ProvisionedThroughputExceeded")

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	ucErr := requireCode(t, err, ErrorInternal)
	require.Equal(t, "commit_error", ucErr.Reason)
	requireNothingWritten(t, h, 100)

	intent, ok := h.store.onlyIntent()
	require.True(t, ok)
	require.Equal(t, domain.IntentReplyFetched, intent.Status)
	require.Equal(t, "Hello from the engine", intent.Reply)

	h.store.commitErr = nil
	rec, err := NewReconciler(h.store, newFakeEngine(), zerolog.Nop(), WithStaleAfter(time.Minute))
	require.NoError(t, err)
	rec.now = func() time.Time { return h.clock.Add(time.Hour) }

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Committed: 1}, report)

	turns := h.store.allTurns()
	require.Len(t, turns, 2)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, "Hello from the engine", turns[1].Content)
	require.Len(t, h.store.debits(), 1)
	require.Equal(t, 100-testCredits, h.store.balance(testAccount))

	// a second pass finds nothing left to do
	report, err = rec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{}, report)
	require.Len(t, h.store.debits(), 1)
}

func TestCreateTurn_ReplyUpdateFailureStillCommits(t *testing.T) {
	h := newHarness(t, 100)
	h.store.updateErr = errors.New("transient")

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	require.NoError(t, err)
	require.Len(t, h.store.allTurns(), 2)
	require.Len(t, h.store.debits(), 1)
}

func TestCreateTurn_RunIDRecordedBeforeReply(t *testing.T) {
	h := newHarness(t, 100)
	var during domain.TurnIntent
	h.runner.onExecute = func(context.Context) {
		during, _ = h.store.onlyIntent()
	}

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.IntentPending, during.Status)
	require.Equal(t, "run_1", during.RunID)
}

func TestCreateTurn_LostReplyRecoveredFromEngine(t *testing.T) {
	h := newHarness(t, 100)
	h.runner.onExecute = func(context.Context) {
		h.store.updateErr = errors.New("connection reset")
		h.store.commitErr = errors.New("connection reset")
	}

	_, err := h.svc.CreateTurn(context.Background(), CreateTurnInput{ConversationID: testConv, Content: "hi"})
	requireCode(t, err, ErrorInternal)
	intent, ok := h.store.onlyIntent()
	require.True(t, ok)
	require.Equal(t, domain.IntentPending, intent.Status)
	require.Equal(t, "run_1", intent.RunID)
	require.Empty(t, intent.Reply)

	h.store.updateErr = nil
	h.store.commitErr = nil
	engine := newFakeEngine()
	engine.runs["run_1"] = openai.RunCompleted
	engine.replies["run_1"] = "Hello from the engine"
	rec, err := NewReconciler(h.store, engine, zerolog.Nop(), WithStaleAfter(time.Minute))
	require.NoError(t, err)
	rec.now = func() time.Time { return h.clock.Add(time.Hour) }

	report, err := rec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Committed: 1}, report)

	turns := h.store.allTurns()
	require.Len(t, turns, 2)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, "Hello from the engine", turns[1].Content)
	require.Equal(t, 100-testCredits, h.store.balance(testAccount))
	require.Equal(t, h.store.balance(testAccount), h.store.entrySum(testAccount))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorConflict, CodeOf(fmt.Errorf("wrapped: %w", newError(ErrorConflict, "x", nil))))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("boom")))
}
