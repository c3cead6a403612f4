package convstate

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

	"github.com/m3rciful/shophost/core/database"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore keeps one item per conversation in a DynamoDB table whose
// partition key is the string attribute "PK".
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore returns a store over the given table.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("convstate: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("convstate: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func statePK(key Key) string {
	return "STATE#" + key.String()
}

// Get loads the record for key with a consistent read.
func (d *DynamoStore) Get(ctx context.Context, key Key) (Record, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: statePK(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, &StateStoreError{Op: "get", Key: key, Err: err}
	}
	if out == nil || len(out.Item) == 0 {
		return emptyRecord(), nil
	}

	var rec Record
	if v, ok := out.Item["state"].(*types.AttributeValueMemberS); ok {
		rec.State = v.Value
	}
	raw := ""
	if v, ok := out.Item["data"].(*types.AttributeValueMemberS); ok {
		raw = v.Value
	}
	if rec.Data, err = decodeData(raw); err != nil {
		return Record{}, &StateStoreError{Op: "get", Key: key, Err: err}
	}
	return rec, nil
}

// Set replaces the item for key.
func (d *DynamoStore) Set(ctx context.Context, key Key, state string, data map[string]any) error {
	return d.put(ctx, "set", key, state, data)
}

// Clear overwrites the item for key with an empty record.
func (d *DynamoStore) Clear(ctx context.Context, key Key) error {
	return d.put(ctx, "clear", key, "", nil)
}

func (d *DynamoStore) put(ctx context.Context, op string, key Key, state string, data map[string]any) error {
	raw, err := encodeData(data)
	if err != nil {
		return &StateStoreError{Op: op, Key: key, Err: err}
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: statePK(key)},
		"botId":     &types.AttributeValueMemberN{Value: strconv.FormatInt(key.BotID, 10)},
		"data":      &types.AttributeValueMemberS{Value: raw},
		"updatedAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", d.now().UnixMilli())},
	}
	if state != "" {
		item["state"] = &types.AttributeValueMemberS{Value: state}
	}
	if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return &StateStoreError{Op: op, Key: key, Err: err}
	}
	return nil
}

func isTransient(err error) bool {
	if database.IsTransient(err) {
		return true
	}
	var throughput *types.ProvisionedThroughputExceededException
	var internal *types.InternalServerError
	var limit *types.RequestLimitExceeded
	return errors.As(err, &throughput) || errors.As(err, &internal) || errors.As(err, &limit)
}
