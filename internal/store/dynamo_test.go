package store

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo stores items keyed by PK+SK.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemID(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemID(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemID(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemID(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoBackend(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	b := NewDynamoBackend(fake, "discovery")

	if got, err := b.Get(ctx, SnapshotKey); err != nil || got != nil {
		t.Fatalf("absent key: got %q, err %v", got, err)
	}

	value := []byte(`{"state":{"topic":"Tides"},"phase":"inquiry"}`)
	if err := b.Put(ctx, SnapshotKey, value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	item := fake.items["SNAPSHOT#"+SnapshotKey+"|META"]
	if item == nil {
		t.Fatal("item not written under SNAPSHOT#<key>/META")
	}
	if enc := item["encoding"].(*types.AttributeValueMemberS).Value; enc != "zstd" {
		t.Errorf("encoding = %q, want zstd", enc)
	}
	if _, ok := item["expiresAt"].(*types.AttributeValueMemberN); !ok {
		t.Error("expiresAt TTL attribute missing")
	}

	got, err := b.Get(ctx, SnapshotKey)
	if err != nil || string(got) != string(value) {
		t.Fatalf("got %q, err %v", got, err)
	}

	if err := b.Delete(ctx, SnapshotKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := b.Get(ctx, SnapshotKey); got != nil {
		t.Errorf("expected deletion, got %q", got)
	}
}

func TestDynamoBackendCorruptPayload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	fake.items["SNAPSHOT#"+SnapshotKey+"|META"] = map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: "SNAPSHOT#" + SnapshotKey},
		"SK":       &types.AttributeValueMemberS{Value: "META"},
		"payload":  &types.AttributeValueMemberB{Value: []byte("garbage")},
		"encoding": &types.AttributeValueMemberS{Value: "zstd"},
	}
	b := NewDynamoBackend(fake, "discovery")

	if _, ok := NewSnapshotStore(b).Restore(ctx); ok {
		t.Fatal("corrupt payload should not restore")
	}
	if len(fake.items) != 0 {
		t.Error("corrupt item should be purged")
	}
}
