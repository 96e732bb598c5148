package kvstore

import (
	"context"
	"errors"
)

// ErrBucketNotFound is returned by backendTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// backend represents a key-value storage engine (Bolt, SQLite, in-memory).
// One backend holds exactly one physical instance.
type backend interface {
	// begin starts a new transaction.
	begin(ctx context.Context, writable bool) (backendTx, error)
	// close closes the storage.
	close() error
}

// backendTx represents a storage transaction.
type backendTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) backendBucket

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it must also ensure the root bucket exists.
	CreateBucket(name, sub string) (backendBucket, error)

	// DeleteBucket deletes a bucket. With sub="" the root bucket is deleted
	// together with all its nested buckets.
	DeleteBucket(name, sub string) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error
}

// backendBucket represents a bucket (sorted key-value collection).
type backendBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() backendCursor

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

// backendCursor iterates over a sorted bucket. Returned slices are only valid
// until the next cursor call or the end of the transaction.
type backendCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Err reports a failure that ended the iteration early.
	Err() error
}
