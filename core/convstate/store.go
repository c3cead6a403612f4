// Package convstate keeps per-conversation dialogue state for hosted bots.
//
// A conversation is identified by (bot, chat, user). A missing record reads as
// no active flow with empty data. Writers on the same key are last-writer-wins.
// Data must be JSON-encodable; every backend returns numbers as json.Number.
package convstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Key identifies one dialogue.
type Key struct {
	BotID  int64
	ChatID int64
	UserID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.BotID, k.ChatID, k.UserID)
}

// Record is the stored state of one dialogue. An empty State means no active flow.
type Record struct {
	State string
	Data  map[string]any
}

// Empty reports whether r carries neither a state nor data.
func (r Record) Empty() bool {
	return r.State == "" && len(r.Data) == 0
}

// Store persists conversation records.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Set(ctx context.Context, key Key, state string, data map[string]any) error
	Clear(ctx context.Context, key Key) error
}

// StateStoreError wraps a storage failure for one key.
type StateStoreError struct {
	Op  string
	Key Key
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("convstate: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure was a transient connectivity error.
func (e *StateStoreError) Retryable() bool { return isTransient(e.Err) }

func emptyRecord() Record {
	return Record{Data: map[string]any{}}
}

// normalizeData gives data the shape every backend reads back: a deep copy
// with numbers as json.Number.
func normalizeData(data map[string]any) (map[string]any, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return decodeData(raw)
}

func encodeData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	return string(raw), nil
}

// decodeData keeps numbers as json.Number so ids above 2^53 survive the round trip.
func decodeData(raw string) (map[string]any, error) {
	data := map[string]any{}
	if raw == "" || raw == "null" {
		return data, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
