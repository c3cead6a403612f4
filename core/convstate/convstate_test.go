package convstate

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shophost/core/database/dbtest"
)

type fakeDynamo struct {
	items  map[string]map[string]types.AttributeValue
	getErr error
	putErr error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[pk]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	pk := in.Item["PK"].(*types.AttributeValueMemberS).Value
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dyn, err := NewDynamoStore(newFakeDynamo(), "states")
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sql":    NewSQLStore(dbtest.Open(t)),
		"dynamo": dyn,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{BotID: 1, ChatID: 10, UserID: 100}

			rec, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "", rec.State)
			require.Equal(t, map[string]any{}, rec.Data)

			data := map[string]any{
				"product_id": 42,
				"order_id":   int64(9007199254740993),
				"note":       "gift wrap",
				"items":      []any{"tea", 2.5},
			}
			require.NoError(t, store.Set(ctx, key, "order.address", data))

			rec, err = store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "order.address", rec.State)
			require.Equal(t, map[string]any{
				"product_id": json.Number("42"),
				"order_id":   json.Number("9007199254740993"),
				"note":       "gift wrap",
				"items":      []any{"tea", json.Number("2.5")},
			}, rec.Data)
			orderID, err := rec.Data["order_id"].(json.Number).Int64()
			require.NoError(t, err)
			require.Equal(t, int64(9007199254740993), orderID)

			other, err := store.Get(ctx, Key{BotID: 1, ChatID: 10, UserID: 101})
			require.NoError(t, err)
			require.True(t, other.Empty())

			require.NoError(t, store.Set(ctx, key, "order.confirm", map[string]any{"step": 2}))
			rec, err = store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "order.confirm", rec.State)
			require.Equal(t, map[string]any{"step": json.Number("2")}, rec.Data)

			require.NoError(t, store.Clear(ctx, key))
			rec, err = store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "", rec.State)
			require.Equal(t, map[string]any{}, rec.Data)
		})
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := Key{BotID: 1, ChatID: 2, UserID: 3}
	data := map[string]any{"a": 1, "nested": map[string]any{"b": "x"}}
	require.NoError(t, store.Set(ctx, key, "s", data))
	data["a"] = 2
	data["nested"].(map[string]any)["b"] = "y"

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, json.Number("1"), rec.Data["a"])
	rec.Data["nested"].(map[string]any)["b"] = "z"

	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"b": "x"}, rec.Data["nested"])

	err = store.Set(ctx, key, "s", map[string]any{"ch": make(chan int)})
	var stErr *StateStoreError
	require.ErrorAs(t, err, &stErr)
	require.Equal(t, "set", stErr.Op)
}

func TestSQLStoreClosedDatabase(t *testing.T) {
	db := dbtest.Open(t)
	store := NewSQLStore(db)
	require.NoError(t, db.Close())

	err := store.Set(context.Background(), Key{BotID: 1}, "s", nil)
	var stErr *StateStoreError
	require.ErrorAs(t, err, &stErr)
	require.Equal(t, "set", stErr.Op)
	require.False(t, stErr.Retryable())
}

func TestStateStoreErrorRetryable(t *testing.T) {
	require.True(t, (&StateStoreError{Err: driver.ErrBadConn}).Retryable())
	require.True(t, (&StateStoreError{Err: &types.ProvisionedThroughputExceededException{}}).Retryable())
	require.False(t, (&StateStoreError{Err: errors.New("constraint")}).Retryable())
}

func TestDynamoStoreErrors(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), " ")
	require.Error(t, err)

	fake := newFakeDynamo()
	fake.getErr = errors.New("boom")
	store, err := NewDynamoStore(fake, "t")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), Key{BotID: 1})
	var stErr *StateStoreError
	require.ErrorAs(t, err, &stErr)
	require.Equal(t, "get", stErr.Op)
}

func TestAccessor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acc := Bind(store, 5)
	require.Equal(t, Key{BotID: 5, ChatID: 1, UserID: 2}, acc.Key(1, 2))

	require.NoError(t, acc.UpdateData(ctx, 1, 2, func(d map[string]any) { d["qty"] = 3 }))
	require.NoError(t, acc.SetState(ctx, 1, 2, "cart.qty"))

	rec, err := store.Get(ctx, Key{BotID: 5, ChatID: 1, UserID: 2})
	require.NoError(t, err)
	require.Equal(t, "cart.qty", rec.State)
	require.Equal(t, json.Number("3"), rec.Data["qty"])

	require.NoError(t, acc.Clear(ctx, 1, 2))
	rec, err = acc.Get(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, rec.Empty())

	_, err = Accessor{}.Get(ctx, 1, 2)
	require.Error(t, err)
}

func TestSignalStore(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	signals := NewSignalStore(dbtest.Open(t))
	signals.now = func() time.Time { return now }

	require.NoError(t, signals.Put(ctx, 1, "question", "77", map[string]int64{"chat_id": 9}, time.Hour))

	payload, ok, err := signals.Take(ctx, 1, "question", "77")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"chat_id":9}`, string(payload))

	_, ok, err = signals.Take(ctx, 1, "question", "77")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, signals.Put(ctx, 1, "question", "78", "x", time.Minute))
	now = now.Add(2 * time.Minute)
	_, ok, err = signals.Take(ctx, 1, "question", "78")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, signals.Put(ctx, 1, "question", "79", "y", time.Minute))
	require.NoError(t, signals.Put(ctx, 2, "question", "79", "z", time.Hour))
	n, err := signals.Purge(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, ok, err = signals.Take(ctx, 2, "question", "79")
	require.NoError(t, err)
	require.True(t, ok)
}
