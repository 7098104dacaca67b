// Package storage defines the Storage Abstraction that every higher
// component (Crypto Vault, Bay Engine, Mail Storage) is built on: a
// sortable key-value store (K2V-shaped: partition key + sort key,
// conditional writes, range scans, poll-for-new) and a content-
// addressed blob store. Concrete backends live in sibling packages
// (kvmem, kvsql, blobfs, blobs3).
package storage

import (
	"context"

	"github.com/aerogramme-go/aerogramme/internal/timestamp"
)

// Row is one K2V entry: a partition groups related rows (a mailbox's
// ops, a user's password slots); SortKey orders rows within a
// partition, almost always a timestamp.Timestamp hex string so range
// scans return ops in causal order.
type Row struct {
	Partition string
	SortKey   string
	Value     []byte
}

// KV is the sortable key-value store every Bay instance and the vault
// are built on. Implementations must provide read-your-writes
// consistency within a single partition and linearizable CAS via
// Insert's conflict detection.
type KV interface {
	// Insert writes row if no row with the same (Partition, SortKey)
	// already exists. It returns a wrapped aeroerr.ErrConflict if one
	// does — callers resolve by picking a fresh SortKey (a later
	// timestamp) and retrying, never by overwriting.
	Insert(ctx context.Context, row Row) error

	// Get returns the row at (partition, sortKey), or a wrapped
	// aeroerr.ErrNotFound.
	Get(ctx context.Context, partition, sortKey string) (Row, error)

	// Range returns rows in partition with SortKey in [from, to)
	// (empty bounds are open-ended), ordered ascending by SortKey.
	Range(ctx context.Context, partition, from, to string, limit int) ([]Row, error)

	// Delete removes the row at (partition, sortKey). Deleting a
	// nonexistent row is not an error.
	Delete(ctx context.Context, partition, sortKey string) error

	// PollNew blocks until a row with SortKey > after is inserted into
	// partition, or ctx is done, then returns the newly visible rows
	// (which may be more than one if several were inserted since the
	// last poll). It never misses a row: any Insert that commits before
	// PollNew returns is guaranteed either already in its own Range
	// result or delivered by a subsequent PollNew.
	PollNew(ctx context.Context, partition, after string) ([]Row, error)
}

// Blob is the content-addressed blob store used for checkpoints, for
// op payloads that exceed the KV externalization threshold, and for
// encrypted mail bodies.
type Blob interface {
	// Put stores data under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data stored under key, or a wrapped
	// aeroerr.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a nonexistent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, ordered
	// lexicographically.
	List(ctx context.Context, prefix string) ([]string, error)
}

// NewSortKey returns a fresh, strictly-increasing sort key suitable
// for inserting into a K2V partition: the hex16 encoding of a newly
// minted Timestamp.
func NewSortKey() string {
	return timestamp.New().Hex()
}
