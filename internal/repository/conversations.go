package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"metered-assistant/internal/domain"
)

// PutAssistant creates or replaces an assistant.
func (c *Client) PutAssistant(ctx context.Context, a domain.Assistant) error {
	if a.ID == "" || a.AccountID == "" {
		return errors.New("repository: PutAssistant: id and account id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          sAttr(asstPK(a.ID)),
			"SK":          sAttr(skProfile),
			"type":        sAttr(typeAssistant),
			"assistantId": sAttr(a.ID),
			"accountId":   sAttr(a.AccountID),
			"externalRef": sAttr(a.ExternalRef),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutAssistant: %w", err)
	}
	return nil
}

// PutConversation creates or replaces a conversation.
func (c *Client) PutConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("repository: PutConversation: id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = c.now()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":                sAttr(convPK(conv.ID)),
			"SK":                sAttr(skMeta),
			"type":              sAttr(typeConversation),
			"conversationId":    sAttr(conv.ID),
			"externalThreadRef": sAttr(conv.ExternalThreadRef),
			"assistantId":       sAttr(conv.AssistantID),
			"createdAt":         sAttr(formatTime(conv.CreatedAt)),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutConversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation with its owning assistant
// attached when the assistant exists.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, convPK(conversationID), skMeta)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if item == nil {
		return domain.Conversation{}, fmt.Errorf("repository: conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	if conv.AssistantID == "" {
		return conv, nil
	}

	asstItem, err := c.getItem(ctx, asstPK(conv.AssistantID), skProfile)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation assistant: %w", err)
	}
	if asstItem != nil {
		asst, err := itemToAssistant(asstItem)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode assistant: %w", err)
		}
		conv.Assistant = &asst
	}
	return conv, nil
}

// GetTurn returns a single turn by ID.
func (c *Client) GetTurn(ctx context.Context, turnID string) (domain.Turn, error) {
	item, err := c.getItem(ctx, turnPK(turnID), skTurn)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	if item == nil {
		return domain.Turn{}, fmt.Errorf("repository: turn %q: %w", turnID, domain.ErrNotFound)
	}
	t, err := itemToTurn(item)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn decode: %w", err)
	}
	return t, nil
}

// ListTurns returns the conversation's turns ordered by creation time, ties
// broken by ID.
func (c *Client) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	items, err := c.queryPrefix(ctx, convPK(conversationID), skPrefixTurn)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns decode: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// turnItems returns the timeline item and the by-ID lookup item of a turn.
func turnItems(t domain.Turn) []map[string]types.AttributeValue {
	fields := func(pk, sk string) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"PK":             sAttr(pk),
			"SK":             sAttr(sk),
			"type":           sAttr(typeTurn),
			"turnId":         sAttr(t.ID),
			"conversationId": sAttr(t.ConversationID),
			"role":           sAttr(string(t.Role)),
			"content":        sAttr(t.Content),
			"createdAt":      sAttr(formatTime(t.CreatedAt)),
		}
	}
	return []map[string]types.AttributeValue{
		fields(convPK(t.ConversationID), turnSK(t.CreatedAt, t.ID)),
		fields(turnPK(t.ID), skTurn),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		CreatedAt:      created,
	}, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	threadRef, _ := strAttr(item, "externalThreadRef") // allow empty
	assistantID, _ := strAttr(item, "assistantId")     // allow empty
	return domain.Conversation{
		ID:                id,
		ExternalThreadRef: threadRef,
		AssistantID:       assistantID,
		CreatedAt:         created,
	}, nil
}

func itemToAssistant(item map[string]types.AttributeValue) (domain.Assistant, error) {
	id, err := strAttr(item, "assistantId")
	if err != nil {
		return domain.Assistant{}, err
	}
	accountID, err := strAttr(item, "accountId")
	if err != nil {
		return domain.Assistant{}, err
	}
	ref, _ := strAttr(item, "externalRef") // allow empty
	return domain.Assistant{ID: id, AccountID: accountID, ExternalRef: ref}, nil
}
