package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/integrations/openai"
)

// memStore is an in-memory conversation, ledger and intent store whose
// CommitTurn is all-or-nothing.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	accounts      map[string]domain.Account
	entries       []domain.LedgerEntry
	turns         []domain.Turn
	intents       map[string]domain.TurnIntent

	commitErr error
	updateErr error
	commits   int
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]domain.Conversation{},
		accounts:      map[string]domain.Account{},
		intents:       map[string]domain.TurnIntent{},
	}
}

func (m *memStore) seedConversation(convID, threadRef, accountID, assistantRef string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[convID] = domain.Conversation{
		ID:                convID,
		ExternalThreadRef: threadRef,
		AssistantID:       "asst-" + accountID,
		Assistant:         &domain.Assistant{ID: "asst-" + accountID, AccountID: accountID, ExternalRef: assistantRef},
	}
	m.accounts[accountID] = domain.Account{ID: accountID, Credits: credits}
	m.entries = append(m.entries, domain.LedgerEntry{ID: "open-" + accountID, AccountID: accountID, Amount: credits})
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %q: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

func (m *memStore) GetAccount(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return acct, nil
}

func (m *memStore) ApplyEntry(_ context.Context, e domain.LedgerEntry, enforce bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(e, enforce)
}

func (m *memStore) applyLocked(e domain.LedgerEntry, enforce bool) error {
	acct, ok := m.accounts[e.AccountID]
	if !ok {
		return domain.ErrNotFound
	}
	if enforce && acct.Credits+e.Amount < 0 {
		return domain.ErrInsufficientCredits
	}
	acct.Credits += e.Amount
	m.accounts[e.AccountID] = acct
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) ListEntries(_ context.Context, id string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CreateIntent(_ context.Context, intent domain.TurnIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.intents[intent.ID] = intent
	return nil
}

func (m *memStore) UpdateIntent(_ context.Context, intent domain.TurnIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	return m.updateLocked(intent)
}

func (m *memStore) updateLocked(intent domain.TurnIntent) error {
	cur, ok := m.intents[intent.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Settled() {
		return domain.ErrIntentSettled
	}
	m.intents[intent.ID] = intent
	return nil
}

func (m *memStore) ListIntents(_ context.Context, statuses []domain.IntentStatus, before time.Time) ([]domain.TurnIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TurnIntent
	for _, i := range m.intents {
		if slices.Contains(statuses, i.Status) && i.CreatedAt.Before(before) {
			out = append(out, i)
		}
	}
	slices.SortFunc(out, func(a, b domain.TurnIntent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *memStore) CommitTurn(_ context.Context, c domain.TurnCommit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	cur, ok := m.intents[c.Intent.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Settled() {
		return domain.ErrIntentSettled
	}
	acct, ok := m.accounts[c.Debit.AccountID]
	if !ok {
		return domain.ErrNotFound
	}
	if acct.Credits+c.Debit.Amount < 0 {
		return domain.ErrInsufficientCredits
	}
	if err := m.applyLocked(c.Debit, true); err != nil {
		return err
	}
	fulfilled := c.Intent
	fulfilled.Status = domain.IntentFulfilled
	m.intents[fulfilled.ID] = fulfilled
	m.turns = append(m.turns, c.UserTurn, c.AssistantTurn)
	m.commits++
	return nil
}

func (m *memStore) balance(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Credits
}

func (m *memStore) entrySum(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, e := range m.entries {
		if e.AccountID == id {
			sum += e.Amount
		}
	}
	return sum
}

func (m *memStore) debits() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.Amount < 0 {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) allTurns() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.turns)
}

func (m *memStore) onlyIntent() (domain.TurnIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.intents) != 1 {
		return domain.TurnIntent{}, false
	}
	for _, i := range m.intents {
		return i, true
	}
	return domain.TurnIntent{}, false
}

type fakeRunner struct {
	job       *openai.Job
	err       error
	calls     int
	lastReq   openai.JobRequest
	onExecute func(ctx context.Context)
}

func (f *fakeRunner) Execute(ctx context.Context, req openai.JobRequest) (*openai.Job, error) {
	f.calls++
	f.lastReq = req
	if f.job != nil && f.job.RunID != "" && req.OnRunStarted != nil {
		req.OnRunStarted(ctx, f.job.RunID)
	}
	if f.onExecute != nil {
		f.onExecute(ctx)
	}
	if f.job == nil {
		return &openai.Job{State: openai.JobFailed}, f.err
	}
	return f.job, f.err
}

func completedJob(runID, reply string) *openai.Job {
	return &openai.Job{State: openai.JobCompleted, RunID: runID, RunStatus: openai.RunCompleted, Polls: 2, Reply: reply}
}

// fakeEngine serves run statuses and replies keyed by run ID.
type fakeEngine struct {
	mu       sync.Mutex
	runs     map[string]openai.RunStatus
	replies  map[string]string
	getErr   error
	fetchErr error
	gets     int
	fetches  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: map[string]openai.RunStatus{}, replies: map[string]string{}}
}

func (f *fakeEngine) GetRun(_ context.Context, _, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return openai.Run{}, f.getErr
	}
	status, ok := f.runs[runID]
	if !ok {
		return openai.Run{}, &openai.ExternalServiceError{StatusCode: 404, URL: runID}
	}
	return openai.Run{ID: runID, Status: status}, nil
}

func (f *fakeEngine) FetchReply(_ context.Context, _, runID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.replies[runID], nil
}
