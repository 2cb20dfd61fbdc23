package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Single-table layout:
//
//	ACCT#<id>     PROFILE                  account balance
//	ACCT#<id>     LEDGER#<ts>#<entryID>    ledger entry
//	ASST#<id>     PROFILE                  assistant
//	CONV#<id>     META                     conversation
//	CONV#<id>     TURN#<ts>#<turnID>       turn (timeline)
//	TURN#<id>     TURN                     turn (lookup by ID)
//	INTENT#<id>   INTENT                   turn intent
//	LEASE#<key>   LEASE                    conversation lease
const (
	skProfile      = "PROFILE"
	skMeta         = "META"
	skTurn         = "TURN"
	skIntent       = "INTENT"
	skLease        = "LEASE"
	skPrefixLedger = "LEDGER#"
	skPrefixTurn   = "TURN#"

	typeAccount      = "ACCOUNT"
	typeLedgerEntry  = "LEDGER_ENTRY"
	typeAssistant    = "ASSISTANT"
	typeConversation = "CONVERSATION"
	typeTurn         = "TURN"
	typeIntent       = "INTENT"
	typeLease        = "LEASE"

	// settled intents expire from the table after 30 days.
	ttlDuration = 30 * 24 * time.Hour

	// fixed-width so sort keys order chronologically.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores accounts, the ledger, conversations, turns, intents and
// leases in one DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func acctPK(accountID string) string      { return "ACCT#" + accountID }
func asstPK(assistantID string) string    { return "ASST#" + assistantID }
func convPK(conversationID string) string { return "CONV#" + conversationID }
func turnPK(turnID string) string         { return "TURN#" + turnID }
func intentPK(intentID string) string     { return "INTENT#" + intentID }
func leasePK(key string) string           { return "LEASE#" + key }

func ledgerSK(ts time.Time, entryID string) string {
	return skPrefixLedger + formatTime(ts) + "#" + entryID
}

func turnSK(ts time.Time, turnID string) string {
	return skPrefixTurn + formatTime(ts) + "#" + turnID
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(sortableTime)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": sAttr(pk),
		"SK": sAttr(sk),
	}
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// queryPrefix returns every item under pk whose sort key starts with prefix,
// in ascending sort key order.
func (c *Client) queryPrefix(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(pk),
			":prefix": sAttr(prefix),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	var items []map[string]types.AttributeValue
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// putNew is a transactional put that fails if the item already exists.
func (c *Client) putNew(item map[string]types.AttributeValue) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}}
}

// cancellationReasons returns the per-item reasons of a cancelled
// transaction, in TransactItems order.
func cancellationReasons(err error) ([]types.CancellationReason, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	return tce.CancellationReasons, true
}

func failedCheck(reasons []types.CancellationReason, i int) bool {
	return i < len(reasons) && aws.ToString(reasons[i].Code) == conditionalCheckFailed
}

func conditionFailed(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

func sAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func nAttr[T int | int64](v T) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(v), 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts.UTC(), nil
}
