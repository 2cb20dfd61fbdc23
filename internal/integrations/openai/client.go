package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	betaHeader     = "assistants=v2"
)

// RunStatus is the lifecycle status of an engine run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunRequiresAction RunStatus = "requires_action"
	RunIncomplete     RunStatus = "incomplete"
)

// Running reports whether the engine is still working on the run.
func (s RunStatus) Running() bool {
	return s == RunQueued || s == RunInProgress || s == RunCancelling
}

// ErrMalformedResponse is returned when a 2xx payload lacks the expected shape.
var ErrMalformedResponse = errors.New("openai: malformed response")

// Run is the subset of the run object the client observes.
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error,omitempty"`
}

func (r Run) lastErrorMessage() string {
	if r.LastError == nil {
		return ""
	}
	return strings.TrimSpace(r.LastError.Code + " " + r.LastError.Message)
}

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// messageList is the minimal response shape of the thread messages endpoint.
type messageList struct {
	Data []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		RunID   string `json:"run_id"`
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text,omitempty"`
		} `json:"content"`
	} `json:"data"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// invalidator is implemented by getters that cache values, such as the
// parameter store client.
type invalidator interface {
	Invalidate(name string)
}

// ExternalServiceError captures non-2xx engine responses. Body is truncated.
type ExternalServiceError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *ExternalServiceError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Assistants v2 thread/run endpoints.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API token lives in the parameter store
// under paramPrefix. The token is read through ps on every call, so ps owns
// any caching.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	return fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
}

// dropAPIKey evicts a rejected token from the getter's cache so the next call
// sees a rotated value.
func (c *Client) dropAPIKey() {
	if inv, ok := c.getter.(invalidator); ok {
		inv.Invalidate(c.tokenParameterName())
	}
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// apiURL joins path onto baseURL, adding the /v1 segment when it is missing.
func apiURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// SubmitTurn appends a user message to the engine thread.
func (c *Client) SubmitTurn(ctx context.Context, threadRef, text string) error {
	if threadRef == "" {
		return errors.New("openai: thread ref must not be empty")
	}
	path := "threads/" + url.PathEscape(threadRef) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, createMessageRequest{Role: "user", Content: text}, nil); err != nil {
		return fmt.Errorf("openai: submit turn: %w", err)
	}
	return nil
}

// StartRun starts a run of assistantRef on the thread and returns the run ID.
func (c *Client) StartRun(ctx context.Context, threadRef, assistantRef string) (string, error) {
	if threadRef == "" || assistantRef == "" {
		return "", errors.New("openai: thread and assistant refs must not be empty")
	}
	var run Run
	path := "threads/" + url.PathEscape(threadRef) + "/runs"
	if err := c.call(ctx, http.MethodPost, path, createRunRequest{AssistantID: assistantRef}, &run); err != nil {
		return "", fmt.Errorf("openai: start run: %w", err)
	}
	if run.ID == "" {
		return "", fmt.Errorf("openai: start run: %w: missing run id", ErrMalformedResponse)
	}
	return run.ID, nil
}

// GetRun fetches the current status of a run.
func (c *Client) GetRun(ctx context.Context, threadRef, runID string) (Run, error) {
	var run Run
	path := "threads/" + url.PathEscape(threadRef) + "/runs/" + url.PathEscape(runID)
	if err := c.call(ctx, http.MethodGet, path, nil, &run); err != nil {
		return Run{}, fmt.Errorf("openai: get run: %w", err)
	}
	if run.Status == "" {
		return Run{}, fmt.Errorf("openai: get run: %w: missing status", ErrMalformedResponse)
	}
	return run, nil
}

// CancelRun asks the engine to stop a run.
func (c *Client) CancelRun(ctx context.Context, threadRef, runID string) error {
	path := "threads/" + url.PathEscape(threadRef) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("openai: cancel run: %w", err)
	}
	return nil
}

// FetchReply returns the newest assistant text produced by runID.
func (c *Client) FetchReply(ctx context.Context, threadRef, runID string) (string, error) {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", "20")
	if runID != "" {
		q.Set("run_id", runID)
	}
	var list messageList
	path := "threads/" + url.PathEscape(threadRef) + "/messages?" + q.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return "", fmt.Errorf("openai: fetch reply: %w", err)
	}
	for _, msg := range list.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == "text" && part.Text != nil && strings.TrimSpace(part.Text.Value) != "" {
				return part.Text.Value, nil
			}
		}
	}
	return "", fmt.Errorf("openai: fetch reply: %w: no assistant text", ErrMalformedResponse)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := apiURL(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	raw, err := c.doJSONRequest(req, u)
	if err != nil {
		var ext *ExternalServiceError
		if errors.As(err, &ext) && ext.StatusCode == http.StatusUnauthorized {
			c.dropAPIKey()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &ExternalServiceError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
