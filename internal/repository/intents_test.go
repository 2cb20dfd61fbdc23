package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"metered-assistant/internal/domain"
)

func sampleIntent() domain.TurnIntent {
	return domain.TurnIntent{
		ID:                        "intent-1",
		ConversationID:            "conv-1",
		AccountID:                 "acct-1",
		Content:                   "hello",
		PromptTokens:              2,
		EstimatedCompletionTokens: 300,
		Credits:                   46,
		EstimatedCostUSD:          "0.00451",
		Status:                    domain.IntentPending,
		CreatedAt:                 fixedNow.Add(-time.Minute),
		UpdatedAt:                 fixedNow.Add(-time.Minute),
	}
}

func sampleCommit() domain.TurnCommit {
	intent := sampleIntent()
	intent.Status = domain.IntentReplyFetched
	intent.RunID = "run_1"
	intent.Reply = "hi there"
	return domain.TurnCommit{
		Intent:        intent,
		UserTurn:      domain.Turn{ID: "t1", ConversationID: "conv-1", Role: domain.RoleUser, Content: "hello", CreatedAt: intent.CreatedAt},
		AssistantTurn: domain.Turn{ID: "t2", ConversationID: "conv-1", Role: domain.RoleAssistant, Content: "hi there", CreatedAt: fixedNow},
		Debit:         domain.LedgerEntry{ID: intent.ID, AccountID: "acct-1", Amount: -46, Description: "Message sent (estimated tokens: 302)", Timestamp: fixedNow},
	}
}

func TestIntentItem_Decodes(t *testing.T) {
	in := sampleIntent()
	in.RunID = "run_1"
	in.FailureReason = "x"
	got, err := itemToIntent(intentItem(in))
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestIntentItem_TTLOnlyWhenSettled(t *testing.T) {
	in := sampleIntent()
	require.NotContains(t, intentItem(in), "ttl")

	in.Status = domain.IntentFailed
	item := intentItem(in)
	require.Equal(t, int(in.UpdatedAt.Add(ttlDuration).Unix()), nVal(t, item, "ttl"))
}

func TestCreateIntent(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.CreateIntent(context.Background(), sampleIntent()))
	require.Equal(t, "INTENT#intent-1", sVal(t, db.lastPutInput.Item, "PK"))
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutInput.ConditionExpression))
}

func TestCreateIntent_Duplicate(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}})
	err := c.CreateIntent(context.Background(), sampleIntent())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestGetIntent(t *testing.T) {
	db := &fakeDynamo{}
	db.seed(intentItem(sampleIntent()))
	c := mustNewClient(t, db)

	got, err := c.GetIntent(context.Background(), "intent-1")
	require.NoError(t, err)
	require.Equal(t, sampleIntent(), got)

	_, err = c.GetIntent(context.Background(), "other")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateIntent_ConditionedOnUnsettled(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	in := sampleIntent()
	in.Status = domain.IntentReplyFetched

	require.NoError(t, c.UpdateIntent(context.Background(), in))
	require.Equal(t, unsettledCondition, aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "status", db.lastPutInput.ExpressionAttributeNames["#status"])
	require.Equal(t, string(domain.IntentReplyFetched), sVal(t, db.lastPutInput.Item, "status"))
}

func TestUpdateIntent_ConditionFailures(t *testing.T) {
	settled := &types.ConditionalCheckFailedException{Item: intentItem(sampleIntent())}
	c := mustNewClient(t, &fakeDynamo{putErr: settled})
	require.ErrorIs(t, c.UpdateIntent(context.Background(), sampleIntent()), domain.ErrIntentSettled)

	c = mustNewClient(t, &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}})
	require.ErrorIs(t, c.UpdateIntent(context.Background(), sampleIntent()), domain.ErrNotFound)
}

func TestListIntents(t *testing.T) {
	a := sampleIntent()
	b := sampleIntent()
	b.ID = "intent-0"
	b.CreatedAt = a.CreatedAt.Add(-time.Hour)
	db := &fakeDynamo{scanOut: &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{intentItem(a), intentItem(b)}}}
	c := mustNewClient(t, db)

	got, err := c.ListIntents(context.Background(), []domain.IntentStatus{domain.IntentPending, domain.IntentReplyFetched}, fixedNow)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "intent-0", got[0].ID, "oldest first")

	in := db.lastScanIn
	require.Equal(t, "#type = :type AND createdAt < :before AND #status IN (:s0, :s1)", aws.ToString(in.FilterExpression))
	require.Equal(t, "pending", sVal(t, in.ExpressionAttributeValues, ":s0"))
	require.Equal(t, "reply_fetched", sVal(t, in.ExpressionAttributeValues, ":s1"))
	require.Equal(t, formatTime(fixedNow), sVal(t, in.ExpressionAttributeValues, ":before"))
}

func TestListIntents_NoStatuses(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	got, err := c.ListIntents(context.Background(), nil, fixedNow)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Nil(t, db.lastScanIn)
}

func TestCommitTurn_SingleTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	commit := sampleCommit()

	require.NoError(t, c.CommitTurn(context.Background(), commit))
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 7)

	intent := items[0].Put
	require.Equal(t, "INTENT#intent-1", sVal(t, intent.Item, "PK"))
	require.Equal(t, string(domain.IntentFulfilled), sVal(t, intent.Item, "status"))
	require.Equal(t, unsettledCondition, aws.ToString(intent.ConditionExpression))

	debit := items[1].Update
	require.Equal(t, "ACCT#acct-1", sVal(t, debit.Key, "PK"))
	require.Equal(t, 46, nVal(t, debit.ExpressionAttributeValues, ":required"))

	entry := items[2].Put.Item
	require.Equal(t, "intent-1", sVal(t, entry, "entryId"))
	require.Equal(t, -46, nVal(t, entry, "amount"))

	var turnPKs []string
	for _, it := range items[3:] {
		require.Equal(t, "attribute_not_exists(PK)", aws.ToString(it.Put.ConditionExpression))
		turnPKs = append(turnPKs, sVal(t, it.Put.Item, "PK"))
	}
	require.Equal(t, []string{"CONV#conv-1", "TURN#t1", "CONV#conv-1", "TURN#t2"}, turnPKs)
}

func TestCommitTurn_RejectsInconsistentCommit(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	commit := sampleCommit()
	commit.Debit.ID = "other"

	require.Error(t, c.CommitTurn(context.Background(), commit))
	require.Nil(t, db.lastTxInput)
}

func TestCommitTurn_ConditionFailures(t *testing.T) {
	withItem := func(e *types.TransactionCanceledException, i int, item map[string]types.AttributeValue) error {
		e.CancellationReasons[i].Item = item
		return e
	}
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"intent settled", withItem(canceled(conditionalCheckFailed, "", "", "", "", "", ""), 0, intentItem(sampleIntent())), domain.ErrIntentSettled},
		{"intent missing", canceled(conditionalCheckFailed, "", "", "", "", "", ""), domain.ErrNotFound},
		{"insufficient", withItem(canceled("", conditionalCheckFailed, "", "", "", "", ""), 1, accountItem(domain.Account{ID: "acct-1", Credits: 1, LastCreditUpdate: fixedNow})), domain.ErrInsufficientCredits},
		{"account missing", canceled("", conditionalCheckFailed, "", "", "", "", ""), domain.ErrNotFound},
		{"debit exists", canceled("", "", conditionalCheckFailed, "", "", "", ""), domain.ErrIntentSettled},
		{"turn exists", canceled("", "", "", "", conditionalCheckFailed, "", ""), domain.ErrIntentSettled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustNewClient(t, &fakeDynamo{txErr: tc.err})
			require.ErrorIs(t, c.CommitTurn(context.Background(), sampleCommit()), tc.want)
		})
	}
}

func TestCommitTurn_StoreFault(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("InternalServerError")})
	err := c.CommitTurn(context.Background(), sampleCommit())
	require.ErrorContains(t, err, "CommitTurn")
	require.NotErrorIs(t, err, domain.ErrIntentSettled)
}
