package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metered-assistant/internal/domain"
	"metered-assistant/internal/ledger"
	"metered-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10

	routeCreateTurn     = "POST /conversations/{conversationId}/turns"
	routeGetLedger      = "GET /accounts/{accountId}/ledger"
	routeAddCredits     = "POST /accounts/{accountId}/credits"
	routeConsumeCredits = "POST /accounts/{accountId}/credits/consume"

	// StatusClientClosedRequest is reported when the caller went away.
	StatusClientClosedRequest = 499
)

type TurnCreator interface {
	CreateTurn(ctx context.Context, in usecase.CreateTurnInput) (domain.Turn, error)
}

type CreditLedger interface {
	AddCredits(ctx context.Context, accountID string, amount int, reason string) (bool, error)
	ConsumeCredits(ctx context.Context, accountID string, amount int, reason string) (bool, error)
	GetAccountLedger(ctx context.Context, accountID string) (domain.AccountLedger, error)
}

type Handler struct {
	turns  TurnCreator
	ledger CreditLedger
	log    zerolog.Logger
}

type createTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type creditsRequest struct {
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

type creditsResponse struct {
	AccountID string `json:"accountId"`
	Credits   int    `json:"credits"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func NewHandler(turns TurnCreator, credits CreditLedger, log zerolog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn creator must not be nil")
	}
	if credits == nil {
		return nil, errors.New("handler: credit ledger must not be nil")
	}
	return &Handler{turns: turns, ledger: credits, log: log}, nil
}

// Handle serves API Gateway proxy events. Failures are always rendered as a
// response; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	route := req.HTTPMethod + " " + req.Resource
	log := h.log.With().Str("correlation_id", corrID).Str("route", route).Logger()
	ctx = log.WithContext(ctx)

	var resp events.APIGatewayProxyResponse
	switch route {
	case routeCreateTurn:
		resp = h.createTurn(ctx, req)
	case routeGetLedger:
		resp = h.getLedger(ctx, req)
	case routeAddCredits:
		resp = h.addCredits(ctx, req)
	case routeConsumeCredits:
		resp = h.consumeCredits(ctx, req)
	default:
		resp = errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "route_not_found", "no such route")
	}
	resp.Headers[correlationHeader] = corrID

	ev := log.Info()
	if resp.StatusCode >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("request handled")
	return resp, nil
}

func (h *Handler) createTurn(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body createTurnRequest
	if resp, ok := decodeBody(req, &body); !ok {
		return resp
	}
	turn, err := h.turns.CreateTurn(ctx, usecase.CreateTurnInput{
		ConversationID: req.PathParameters["conversationId"],
		Role:           domain.Role(body.Role),
		Content:        body.Content,
	})
	if err != nil {
		return h.fromError(ctx, err)
	}
	return jsonResponse(http.StatusCreated, turn)
}

func (h *Handler) getLedger(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	accountID := strings.TrimSpace(req.PathParameters["accountId"])
	if accountID == "" {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "empty_account_id", "accountId is required")
	}
	acctLedger, err := h.ledger.GetAccountLedger(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "account_not_found", "account not found")
	}
	if err != nil {
		return h.fromError(ctx, err)
	}
	if acctLedger.Entries == nil {
		acctLedger.Entries = []domain.LedgerEntry{}
	}
	return jsonResponse(http.StatusOK, acctLedger)
}

func (h *Handler) addCredits(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	accountID, body, resp, ok := creditsInput(req)
	if !ok {
		return resp
	}
	if body.Amount <= 0 {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "amount_not_positive", "amount must be positive")
	}
	reason := body.Description
	if reason == "" {
		reason = "Credits added"
	}
	added, err := h.ledger.AddCredits(ctx, accountID, body.Amount, reason)
	if err != nil {
		return h.fromError(ctx, err)
	}
	if !added {
		return errorJSON(http.StatusNotFound, usecase.ErrorNotFound, "account_not_found", "account not found")
	}
	return h.balance(ctx, accountID)
}

// consumeCredits takes a negative amount, mirroring how the entry is stored.
func (h *Handler) consumeCredits(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	accountID, body, resp, ok := creditsInput(req)
	if !ok {
		return resp
	}
	if body.Amount >= 0 {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "amount_not_negative", "amount must be negative")
	}
	reason := body.Description
	if reason == "" {
		reason = "Credits consumed"
	}
	consumed, err := h.ledger.ConsumeCredits(ctx, accountID, -body.Amount, reason)
	if err != nil {
		return h.fromError(ctx, err)
	}
	if !consumed {
		return errorJSON(http.StatusPaymentRequired, usecase.ErrorInsufficientCredits, "insufficient_credits", "insufficient credits")
	}
	return h.balance(ctx, accountID)
}

func (h *Handler) balance(ctx context.Context, accountID string) events.APIGatewayProxyResponse {
	acctLedger, err := h.ledger.GetAccountLedger(ctx, accountID)
	if err != nil {
		return h.fromError(ctx, err)
	}
	return jsonResponse(http.StatusOK, creditsResponse{AccountID: acctLedger.AccountID, Credits: acctLedger.Credits})
}

func creditsInput(req events.APIGatewayProxyRequest) (string, creditsRequest, events.APIGatewayProxyResponse, bool) {
	var body creditsRequest
	accountID := strings.TrimSpace(req.PathParameters["accountId"])
	if accountID == "" {
		return "", body, errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "empty_account_id", "accountId is required"), false
	}
	if resp, ok := decodeBody(req, &body); !ok {
		return "", body, resp, false
	}
	return accountID, body, events.APIGatewayProxyResponse{}, true
}

func (h *Handler) fromError(ctx context.Context, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_amount", err.Error())
		}
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	if ucErr.Err != nil {
		zerolog.Ctx(ctx).Warn().Err(ucErr.Err).Str("code", string(ucErr.Code)).Str("reason", ucErr.Reason).Msg("request failed")
	}
	return errorJSON(statusFor(ucErr.Code), ucErr.Code, ucErr.Reason, messageFor(ucErr.Code))
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorInsufficientCredits:
		return http.StatusPaymentRequired
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorExternalService:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "invalid request"
	case usecase.ErrorNotFound:
		return "conversation or assistant not found"
	case usecase.ErrorInsufficientCredits:
		return "insufficient credits"
	case usecase.ErrorConflict:
		return "another turn is in progress for this conversation"
	case usecase.ErrorExternalService:
		return "the completion service failed"
	case usecase.ErrorTimeout:
		return "the completion service did not finish in time"
	case usecase.ErrorCanceled:
		return "request canceled"
	default:
		return "internal error"
	}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) (events.APIGatewayProxyResponse, bool) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body_encoding", "body is not valid base64"), false
		}
		raw = decoded
	}
	if len(raw) > maxBodyBytes {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "body_too_large", "request body too large"), false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json", "request body must be a JSON object"), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, usecase.ErrorInternal, "encode_error", "internal error")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func errorJSON(status int, code usecase.ErrorCode, reason, message string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: string(code), Reason: reason, Message: message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
