package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key layout. The table uses a generic PK/SK schema with a TTL
// attribute named expiresAt.
const (
	pkPrefix = "SNAPSHOT#"
	skMeta   = "META"
)

// SnapshotTTL is how long an untouched snapshot survives in DynamoDB before the
// table's TTL sweeper removes it.
const SnapshotTTL = 30 * 24 * time.Hour

// snapshotItem is the non-key part of a stored snapshot record.
type snapshotItem struct {
	Payload   []byte `dynamodbav:"payload"`
	Encoding  string `dynamodbav:"encoding"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoBackend.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoBackend stores snapshots in a DynamoDB table, zstd-compressed.
type DynamoBackend struct {
	client    DynamoAPI
	tableName string
}

var _ Backend = (*DynamoBackend)(nil)

// NewDynamoBackend creates a DynamoBackend for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoBackend(client DynamoAPI, tableName string) *DynamoBackend {
	return &DynamoBackend{
		client:    client,
		tableName: tableName,
	}
}

func (d *DynamoBackend) Name() string { return "dynamodb" }

func snapshotPK(key string) string {
	return pkPrefix + key
}

func expiresAt() int64 {
	return time.Now().Add(SnapshotTTL).Unix()
}

func (d *DynamoBackend) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: snapshotPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (d *DynamoBackend) Get(ctx context.Context, key string) ([]byte, error) {
	pk := snapshotPK(key)
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.tableName,
		Key:            d.itemKey(key),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, skMeta, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item snapshotItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("%w: unmarshal PK=%s SK=%s: %v", ErrCorrupt, pk, skMeta, err)
	}

	switch item.Encoding {
	case encodingZstd:
		return decompress(item.Payload)
	case "", "json":
		return item.Payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrCorrupt, item.Encoding)
	}
}

func (d *DynamoBackend) Put(ctx context.Context, key string, value []byte) error {
	payload, err := compress(value)
	if err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(snapshotItem{
		Payload:   payload,
		Encoding:  encodingZstd,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pk := snapshotPK(key)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &d.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, skMeta, err)
	}

	log.Debug().
		Str("pk", pk).
		Int("raw_bytes", len(value)).
		Int("stored_bytes", len(payload)).
		Msg("Snapshot written to DynamoDB")
	return nil
}

func (d *DynamoBackend) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.tableName,
		Key:       d.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", snapshotPK(key), skMeta, err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
