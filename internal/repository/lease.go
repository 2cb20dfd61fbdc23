package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"metered-assistant/internal/domain"
)

// Acquire takes the lease on key for ttl. An unexpired lease held by another
// owner yields domain.ErrLeaseHeld. The returned release only deletes the
// lease while this owner still holds it.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("repository: Acquire: key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("repository: Acquire: ttl must be positive, got %s", ttl)
	}
	owner := uuid.NewString()
	now := c.now()
	expires := now.Add(ttl)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        sAttr(leasePK(key)),
			"SK":        sAttr(skLease),
			"type":      sAttr(typeLease),
			"owner":     sAttr(owner),
			"expiresAt": nAttr(expires.UnixMilli()),
			// table TTL sweeps abandoned leases
			"ttl": nAttr(expires.Add(time.Hour).Unix()),
		},
		ConditionExpression:       aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": nAttr(now.UnixMilli())},
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return nil, fmt.Errorf("repository: lease %q: %w", key, domain.ErrLeaseHeld)
		}
		return nil, fmt.Errorf("repository: Acquire: %w", err)
	}

	release := func(ctx context.Context) error {
		_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(c.tableName),
			Key:                       itemKey(leasePK(key), skLease),
			ConditionExpression:       aws.String("#owner = :owner"),
			ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":owner": sAttr(owner)},
		})
		if err != nil {
			// expired and taken over; nothing to release
			if _, ok := conditionFailed(err); ok {
				return nil
			}
			return fmt.Errorf("repository: release lease %q: %w", key, err)
		}
		return nil
	}
	return release, nil
}
