package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"metered-assistant/internal/domain"
)

const unsettledCondition = "attribute_exists(PK) AND NOT (#status IN (:fulfilled, :failed, :abandoned))"

// CreateIntent records a new intent. IDs must be unique.
func (c *Client) CreateIntent(ctx context.Context, intent domain.TurnIntent) error {
	if intent.ID == "" {
		return errors.New("repository: CreateIntent: id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                intentItem(intent),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return fmt.Errorf("repository: intent %q: %w", intent.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("repository: CreateIntent: %w", err)
	}
	return nil
}

// GetIntent returns an intent by ID.
func (c *Client) GetIntent(ctx context.Context, intentID string) (domain.TurnIntent, error) {
	item, err := c.getItem(ctx, intentPK(intentID), skIntent)
	if err != nil {
		return domain.TurnIntent{}, fmt.Errorf("repository: GetIntent: %w", err)
	}
	if item == nil {
		return domain.TurnIntent{}, fmt.Errorf("repository: intent %q: %w", intentID, domain.ErrNotFound)
	}
	intent, err := itemToIntent(item)
	if err != nil {
		return domain.TurnIntent{}, fmt.Errorf("repository: GetIntent decode: %w", err)
	}
	return intent, nil
}

// UpdateIntent replaces an unsettled intent. Settled intents are immutable
// and yield domain.ErrIntentSettled.
func (c *Client) UpdateIntent(ctx context.Context, intent domain.TurnIntent) error {
	if intent.ID == "" {
		return errors.New("repository: UpdateIntent: id is required")
	}
	put := c.settlePut(intent)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           put.TableName,
		Item:                                put.Item,
		ConditionExpression:                 put.ConditionExpression,
		ExpressionAttributeNames:            put.ExpressionAttributeNames,
		ExpressionAttributeValues:           put.ExpressionAttributeValues,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if ccf, ok := conditionFailed(err); ok {
			if len(ccf.Item) == 0 {
				return fmt.Errorf("repository: intent %q: %w", intent.ID, domain.ErrNotFound)
			}
			return fmt.Errorf("repository: intent %q: %w", intent.ID, domain.ErrIntentSettled)
		}
		return fmt.Errorf("repository: UpdateIntent: %w", err)
	}
	return nil
}

// ListIntents returns intents in any of statuses created before the cutoff,
// oldest first.
func (c *Client) ListIntents(ctx context.Context, statuses []domain.IntentStatus, createdBefore time.Time) ([]domain.TurnIntent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := map[string]types.AttributeValue{
		":type":   sAttr(typeIntent),
		":before": sAttr(formatTime(createdBefore)),
	}
	placeholders := make([]string, 0, len(statuses))
	for i, s := range statuses {
		ph := ":s" + strconv.Itoa(i)
		placeholders = append(placeholders, ph)
		values[ph] = sAttr(string(s))
	}

	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:                 aws.String(c.tableName),
		FilterExpression:          aws.String("#type = :type AND createdAt < :before AND #status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#type": "type", "#status": "status"},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	var intents []domain.TurnIntent
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListIntents scan: %w", err)
		}
		for _, item := range page.Items {
			intent, err := itemToIntent(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListIntents decode: %w", err)
			}
			intents = append(intents, intent)
		}
	}
	slices.SortFunc(intents, func(a, b domain.TurnIntent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return intents, nil
}

// CommitTurn writes the turn pair, the debit and the fulfilled intent in one
// transaction. Replaying a committed intent yields domain.ErrIntentSettled
// and writes nothing.
func (c *Client) CommitTurn(ctx context.Context, commit domain.TurnCommit) error {
	if err := commit.Validate(); err != nil {
		return fmt.Errorf("repository: CommitTurn: %w", err)
	}
	intent := commit.Intent
	intent.Status = domain.IntentFulfilled
	intent.UpdatedAt = c.now()

	items := []types.TransactWriteItem{
		{Put: c.settlePut(intent)},
		c.balanceUpdate(commit.Debit, true),
		c.putNew(entryItem(commit.Debit)),
	}
	for _, t := range []domain.Turn{commit.UserTurn, commit.AssistantTurn} {
		for _, item := range turnItems(t) {
			items = append(items, c.putNew(item))
		}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	if reasons, ok := cancellationReasons(err); ok {
		switch {
		case failedCheck(reasons, 0):
			if len(reasons[0].Item) == 0 {
				return fmt.Errorf("repository: CommitTurn intent %q: %w", intent.ID, domain.ErrNotFound)
			}
			return fmt.Errorf("repository: CommitTurn intent %q: %w", intent.ID, domain.ErrIntentSettled)
		case failedCheck(reasons, 1):
			return fmt.Errorf("repository: CommitTurn account %q: %w", commit.Debit.AccountID, balanceFailure(reasons[1]))
		case len(reasons) > 2 && slices.ContainsFunc(reasons[2:], func(r types.CancellationReason) bool {
			return aws.ToString(r.Code) == conditionalCheckFailed
		}):
			return fmt.Errorf("repository: CommitTurn intent %q: %w", intent.ID, domain.ErrIntentSettled)
		}
	}
	return fmt.Errorf("repository: CommitTurn: %w", err)
}

// settlePut writes the intent only while it is unsettled.
func (c *Client) settlePut(intent domain.TurnIntent) *types.Put {
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = c.now()
	}
	return &types.Put{
		TableName:                aws.String(c.tableName),
		Item:                     intentItem(intent),
		ConditionExpression:      aws.String(unsettledCondition),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fulfilled": sAttr(string(domain.IntentFulfilled)),
			":failed":    sAttr(string(domain.IntentFailed)),
			":abandoned": sAttr(string(domain.IntentAbandoned)),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
}

func intentItem(i domain.TurnIntent) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                        sAttr(intentPK(i.ID)),
		"SK":                        sAttr(skIntent),
		"type":                      sAttr(typeIntent),
		"intentId":                  sAttr(i.ID),
		"conversationId":            sAttr(i.ConversationID),
		"accountId":                 sAttr(i.AccountID),
		"runId":                     sAttr(i.RunID),
		"content":                   sAttr(i.Content),
		"reply":                     sAttr(i.Reply),
		"promptTokens":              nAttr(i.PromptTokens),
		"estimatedCompletionTokens": nAttr(i.EstimatedCompletionTokens),
		"credits":                   nAttr(i.Credits),
		"estimatedCostUsd":          sAttr(i.EstimatedCostUSD),
		"status":                    sAttr(string(i.Status)),
		"failureReason":             sAttr(i.FailureReason),
		"createdAt":                 sAttr(formatTime(i.CreatedAt)),
		"updatedAt":                 sAttr(formatTime(i.UpdatedAt)),
	}
	if i.Status.Settled() {
		item["ttl"] = nAttr(i.UpdatedAt.Add(ttlDuration).Unix())
	}
	return item
}

func itemToIntent(item map[string]types.AttributeValue) (domain.TurnIntent, error) {
	var (
		i   domain.TurnIntent
		err error
	)
	if i.ID, err = strAttr(item, "intentId"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.AccountID, err = strAttr(item, "accountId"); err != nil {
		return domain.TurnIntent{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.TurnIntent{}, err
	}
	i.Status = domain.IntentStatus(status)
	if i.PromptTokens, err = intAttr(item, "promptTokens"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.EstimatedCompletionTokens, err = intAttr(item, "estimatedCompletionTokens"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.Credits, err = intAttr(item, "credits"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.TurnIntent{}, err
	}
	if i.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.TurnIntent{}, err
	}
	// optional
	i.RunID, _ = strAttr(item, "runId")
	i.Content, _ = strAttr(item, "content")
	i.Reply, _ = strAttr(item, "reply")
	i.EstimatedCostUSD, _ = strAttr(item, "estimatedCostUsd")
	i.FailureReason, _ = strAttr(item, "failureReason")
	return i, nil
}
