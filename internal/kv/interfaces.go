package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store.
var ErrKeyNotFound = errors.New("key not found")

// Op identifies a store operation kind. The chaos shim keys its failure
// plans on these.
type Op string

const (
	OpGet         Op = "get"
	OpSet         Op = "set"
	OpRemove      Op = "remove"
	OpMultiGet    Op = "multiGet"
	OpMultiSet    Op = "multiSet"
	OpMultiRemove Op = "multiRemove"
	OpKeys        Op = "keys"
)

// Store is the durable key-value primitive the journal is built on: string
// keys, string values, nothing else. Implementations must be safe for
// concurrent use.
type Store interface {
	// Returns the value under key, or ErrKeyNotFound
	GetItem(ctx context.Context, key string) (string, error)
	// Stores value under key, overwriting any previous value
	SetItem(ctx context.Context, key, value string) error
	// Removes key. Removing an absent key is not an error
	RemoveItem(ctx context.Context, key string) error
	// Returns the values for the keys that exist; absent keys are skipped
	MultiGet(ctx context.Context, keys []string) (map[string]string, error)
	// Stores every pair; all-or-nothing where the backend can provide it
	MultiSet(ctx context.Context, pairs map[string]string) error
	// Removes every key
	MultiRemove(ctx context.Context, keys []string) error
	// Lists all keys, order unspecified
	Keys(ctx context.Context) ([]string, error)
	// Releases backend resources
	Close() error
}
