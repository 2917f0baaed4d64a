package cluster

import (
	"context"
	"time"
)

// StorageProvider persists and discovers NodeRecords in the store all
// nodes share. Every error returned for a transport or backend failure
// matches ErrStorageUnavailable.
type StorageProvider interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Ping checks that the backend is reachable and provisioned.
	Ping(ctx context.Context) error

	// WriteSelf upserts the local node's record.
	WriteSelf(ctx context.Context, record NodeRecord) error

	// ReadAll returns every stored record that decodes. Malformed
	// records are skipped.
	ReadAll(ctx context.Context) (map[string]NodeRecord, error)

	// PurgeOlderThan deletes every record whose heartbeat is older
	// than maxAge and returns how many were deleted.
	PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// KeyValueAccessor is a relational key-value store holding string values
// under string keys, grouped by table.
type KeyValueAccessor interface {
	Put(ctx context.Context, table, key, value string) error

	// Get returns found=false, with no error, for a missing key.
	Get(ctx context.Context, table, key string) (value string, found bool, err error)

	// Keys lists every key currently in the table.
	Keys(ctx context.Context, table string) ([]string, error)

	Delete(ctx context.Context, table, key string) error

	Ping(ctx context.Context) error
}

// DirectoryClient reads and modifies one multi-valued attribute of a
// directory entry. Values are compared byte for byte.
type DirectoryClient interface {
	// ReadMultiValued returns ErrEntryNotFound when the entry is not
	// provisioned. A missing attribute is an empty result.
	ReadMultiValued(ctx context.Context, entry, attr string) ([]string, error)

	AddValue(ctx context.Context, entry, attr, value string) error

	// ReplaceValue swaps oldValue for newValue, returning
	// ErrValueNotFound if oldValue is gone.
	ReplaceValue(ctx context.Context, entry, attr, oldValue, newValue string) error

	DeleteValue(ctx context.Context, entry, attr, value string) error

	// Ping checks that the directory server answers.
	Ping(ctx context.Context) error
}
