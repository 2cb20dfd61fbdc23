package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"metered-assistant/internal/domain"
)

// GetAccount returns the account balance. Missing accounts yield
// domain.ErrNotFound.
func (c *Client) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	item, err := c.getItem(ctx, acctPK(accountID), skProfile)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetAccount: %w", err)
	}
	if item == nil {
		return domain.Account{}, fmt.Errorf("repository: account %q: %w", accountID, domain.ErrNotFound)
	}
	acct, err := itemToAccount(item)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetAccount decode: %w", err)
	}
	return acct, nil
}

// PutAccount provisions a new account. A non-zero starting balance is
// recorded as an opening ledger entry in the same transaction.
func (c *Client) PutAccount(ctx context.Context, acct domain.Account) error {
	if strings.TrimSpace(acct.ID) == "" {
		return errors.New("repository: PutAccount: account id is required")
	}
	if acct.Credits < 0 {
		return fmt.Errorf("repository: PutAccount: negative opening balance %d", acct.Credits)
	}
	if acct.LastCreditUpdate.IsZero() {
		acct.LastCreditUpdate = c.now()
	}

	items := []types.TransactWriteItem{c.putNew(accountItem(acct))}
	if acct.Credits > 0 {
		items = append(items, c.putNew(entryItem(domain.LedgerEntry{
			ID:          uuid.NewString(),
			AccountID:   acct.ID,
			Amount:      acct.Credits,
			Description: domain.OpeningBalanceDescription,
			Timestamp:   acct.LastCreditUpdate,
		})))
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok && failedCheck(reasons, 0) {
			return fmt.Errorf("repository: account %q: %w", acct.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("repository: PutAccount: %w", err)
	}
	return nil
}

// ApplyEntry moves the balance by entry.Amount and appends the entry in one
// transaction.
func (c *Client) ApplyEntry(ctx context.Context, entry domain.LedgerEntry, enforceBalance bool) error {
	if entry.ID == "" || entry.AccountID == "" {
		return errors.New("repository: ApplyEntry: entry id and account id are required")
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			c.balanceUpdate(entry, enforceBalance),
			c.putNew(entryItem(entry)),
		},
	})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok {
			switch {
			case failedCheck(reasons, 0):
				return fmt.Errorf("repository: ApplyEntry %q: %w", entry.AccountID, balanceFailure(reasons[0]))
			case failedCheck(reasons, 1):
				return fmt.Errorf("repository: ApplyEntry entry %q: %w", entry.ID, domain.ErrAlreadyExists)
			}
		}
		return fmt.Errorf("repository: ApplyEntry: %w", err)
	}
	return nil
}

// ListEntries returns the account's entries, oldest first.
func (c *Client) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	items, err := c.queryPrefix(ctx, acctPK(accountID), skPrefixLedger)
	if err != nil {
		return nil, fmt.Errorf("repository: ListEntries query: %w", err)
	}
	entries := make([]domain.LedgerEntry, 0, len(items))
	for _, item := range items {
		e, err := itemToEntry(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEntries decode: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// balanceUpdate adds entry.Amount to the account. With enforce, a debit is
// conditioned on the balance covering it.
func (c *Client) balanceUpdate(entry domain.LedgerEntry, enforce bool) types.TransactWriteItem {
	cond := "attribute_exists(PK)"
	values := map[string]types.AttributeValue{
		":amount": nAttr(entry.Amount),
		":ts":     sAttr(formatTime(entry.Timestamp)),
	}
	if enforce && entry.Amount < 0 {
		cond += " AND credits >= :required"
		values[":required"] = nAttr(-entry.Amount)
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                           aws.String(c.tableName),
		Key:                                 itemKey(acctPK(entry.AccountID), skProfile),
		UpdateExpression:                    aws.String("SET credits = credits + :amount, lastCreditUpdate = :ts"),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}}
}

// balanceFailure tells a missing account from an insufficient balance using
// the old item returned with the failed condition.
func balanceFailure(reason types.CancellationReason) error {
	if len(reason.Item) == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrInsufficientCredits
}

func accountItem(acct domain.Account) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               sAttr(acctPK(acct.ID)),
		"SK":               sAttr(skProfile),
		"type":             sAttr(typeAccount),
		"accountId":        sAttr(acct.ID),
		"credits":          nAttr(acct.Credits),
		"lastCreditUpdate": sAttr(formatTime(acct.LastCreditUpdate)),
	}
}

func itemToAccount(item map[string]types.AttributeValue) (domain.Account, error) {
	id, err := strAttr(item, "accountId")
	if err != nil {
		return domain.Account{}, err
	}
	credits, err := intAttr(item, "credits")
	if err != nil {
		return domain.Account{}, err
	}
	updated, err := timeAttr(item, "lastCreditUpdate")
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{ID: id, Credits: credits, LastCreditUpdate: updated}, nil
}

func entryItem(e domain.LedgerEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          sAttr(acctPK(e.AccountID)),
		"SK":          sAttr(ledgerSK(e.Timestamp, e.ID)),
		"type":        sAttr(typeLedgerEntry),
		"entryId":     sAttr(e.ID),
		"accountId":   sAttr(e.AccountID),
		"amount":      nAttr(e.Amount),
		"description": sAttr(e.Description),
		"timestamp":   sAttr(formatTime(e.Timestamp)),
	}
}

func itemToEntry(item map[string]types.AttributeValue) (domain.LedgerEntry, error) {
	id, err := strAttr(item, "entryId")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	accountID, err := strAttr(item, "accountId")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	amount, err := intAttr(item, "amount")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	desc, _ := strAttr(item, "description") // allow empty
	return domain.LedgerEntry{
		ID:          id,
		AccountID:   accountID,
		Amount:      amount,
		Description: desc,
		Timestamp:   ts,
	}, nil
}
