package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultPollInterval = time.Second
	defaultPollMaxWait  = 2 * time.Minute
	cancelTimeout       = 5 * time.Second
)

// JobState is the local view of a submitted turn.
type JobState string

const (
	JobCreated   JobState = "created"
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Engine is the async completion protocol the Runner drives. *Client
// satisfies it.
type Engine interface {
	SubmitTurn(ctx context.Context, threadRef, text string) error
	StartRun(ctx context.Context, threadRef, assistantRef string) (string, error)
	GetRun(ctx context.Context, threadRef, runID string) (Run, error)
	FetchReply(ctx context.Context, threadRef, runID string) (string, error)
	CancelRun(ctx context.Context, threadRef, runID string) error
}

// JobRequest is one user turn to run on an engine thread.
type JobRequest struct {
	ThreadRef    string
	AssistantRef string
	Text         string
	// OnRunStarted, when set, is called with the run ID before polling
	// begins.
	OnRunStarted func(ctx context.Context, runID string)
}

// Job records how far a turn got through the engine protocol.
type Job struct {
	State     JobState
	RunID     string
	RunStatus RunStatus
	Polls     int
	Reply     string
}

// PollTimeoutError is returned when a run is still active after the poll
// bound was reached.
type PollTimeoutError struct {
	RunID      string
	LastStatus RunStatus
	Polls      int
	Waited     time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("openai: run %s still %s after %d polls (%s)", e.RunID, e.LastStatus, e.Polls, e.Waited.Round(time.Millisecond))
}

// RunStatusError is returned when a run ends in any status but completed.
type RunStatusError struct {
	RunID     string
	Status    RunStatus
	LastError string
}

func (e *RunStatusError) Error() string {
	if e.LastError == "" {
		return fmt.Sprintf("openai: run %s ended with status %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("openai: run %s ended with status %s: %s", e.RunID, e.Status, e.LastError)
}

var errRunActive = errors.New("openai: run still active")

// Runner executes submit, run, poll and fetch as one blocking call. It never
// retries a failed step.
type Runner struct {
	engine      Engine
	interval    time.Duration
	maxWait     time.Duration
	maxAttempts int
	log         zerolog.Logger
}

type RunnerOption func(*Runner)

// WithPollInterval sets the delay between status checks.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithPollMaxWait bounds the total time spent polling one run.
func WithPollMaxWait(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithPollMaxAttempts bounds the number of status checks. Zero means only
// the duration bound applies.
func WithPollMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 0 {
			r.maxAttempts = n
		}
	}
}

func NewRunner(engine Engine, log zerolog.Logger, opts ...RunnerOption) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("openai: engine must not be nil")
	}
	r := &Runner{
		engine:   engine,
		interval: defaultPollInterval,
		maxWait:  defaultPollMaxWait,
		log:      log.With().Str("component", "openai_runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs the full protocol for req. The returned Job is never nil and
// reflects the last state reached, also on error.
func (r *Runner) Execute(ctx context.Context, req JobRequest) (*Job, error) {
	job := &Job{State: JobCreated}
	if req.ThreadRef == "" || req.AssistantRef == "" {
		job.State = JobFailed
		return job, errors.New("openai: job request needs thread and assistant refs")
	}

	if err := r.engine.SubmitTurn(ctx, req.ThreadRef, req.Text); err != nil {
		job.State = JobFailed
		return job, err
	}
	job.State = JobSubmitted

	runID, err := r.engine.StartRun(ctx, req.ThreadRef, req.AssistantRef)
	if err != nil {
		job.State = JobFailed
		return job, err
	}
	job.RunID = runID
	job.State = JobPolling
	r.log.Debug().Str("run_id", runID).Msg("run started")
	if req.OnRunStarted != nil {
		req.OnRunStarted(ctx, runID)
	}

	run, polls, err := r.PollUntilDone(ctx, req.ThreadRef, runID)
	job.Polls = polls
	job.RunStatus = run.Status
	if err != nil {
		job.State = JobFailed
		var timeout *PollTimeoutError
		if errors.As(err, &timeout) || ctx.Err() != nil {
			r.cancelRun(ctx, req.ThreadRef, runID)
		}
		return job, err
	}
	if run.Status != RunCompleted {
		job.State = JobFailed
		return job, &RunStatusError{RunID: runID, Status: run.Status, LastError: run.lastErrorMessage()}
	}

	reply, err := r.engine.FetchReply(ctx, req.ThreadRef, runID)
	if err != nil {
		job.State = JobFailed
		return job, err
	}
	job.Reply = reply
	job.State = JobCompleted
	return job, nil
}

// PollUntilDone checks the run at a fixed interval until it leaves the
// running statuses, the bound is reached or ctx is done.
func (r *Runner) PollUntilDone(ctx context.Context, threadRef, runID string) (Run, int, error) {
	backoff := retry.WithMaxDuration(r.maxWait, retry.NewConstant(r.interval))
	if r.maxAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(r.maxAttempts-1), backoff)
	}

	start := time.Now()
	var last Run
	polls := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		polls++
		run, err := r.engine.GetRun(ctx, threadRef, runID)
		if err != nil {
			return err
		}
		last = run
		if run.Status.Running() {
			return retry.RetryableError(errRunActive)
		}
		return nil
	})
	switch {
	case err == nil:
		return last, polls, nil
	case errors.Is(err, errRunActive):
		return last, polls, &PollTimeoutError{
			RunID:      runID,
			LastStatus: last.Status,
			Polls:      polls,
			Waited:     time.Since(start),
		}
	default:
		return last, polls, err
	}
}

func (r *Runner) cancelRun(ctx context.Context, threadRef, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := r.engine.CancelRun(cctx, threadRef, runID); err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("cancel run failed")
		return
	}
	r.log.Info().Str("run_id", runID).Msg("run cancelled")
}
