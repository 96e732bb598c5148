package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

// BoltOptions tunes the bbolt files opened by BoltEngine.
type BoltOptions struct {
	// Timeout bounds waiting for the file lock held by another handle.
	Timeout time.Duration
	// NoSync skips fsync after commits. Only for tests.
	NoSync bool
	// MmapSize is the initial mmap size; zero picks a default.
	MmapSize int
	// FileMode of newly created files; zero means 0666.
	FileMode os.FileMode
}

// BoltEngine keeps every physical instance in its own bbolt file
// named "<name>.db" inside Dir.
type BoltEngine struct {
	Dir     string
	Options BoltOptions
	Logger  *slog.Logger
}

func NewBoltEngine(dir string, opt BoltOptions) *BoltEngine {
	return &BoltEngine{Dir: dir, Options: opt}
}

func (e *BoltEngine) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*Instance, error) {
	if err := validateInstanceName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = e.Options.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if e.Options.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if e.Options.MmapSize != 0 {
		bopt.InitialMmapSize = e.Options.MmapSize
	}
	mode := e.Options.FileMode
	if mode == 0 {
		mode = 0666
	}

	bdb, err := bbolt.Open(filepath.Join(e.Dir, name+".db"), mode, bopt)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %s: %w", name, err)
	}
	return openInstance(ctx, &boltBackend{bdb: bdb}, name, version, upgrade, e.Logger)
}

type boltBackend struct {
	bdb *bbolt.DB
}

func (s *boltBackend) begin(ctx context.Context, writable bool) (backendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltTx{btx: btx}, nil
}

func (s *boltBackend) close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name, sub string) backendBucket {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil
	}
	if sub == "" {
		return boltBucket{b: root}
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil
	}
	return boltBucket{b: leaf}
}

func (tx *boltTx) CreateBucket(name, sub string) (backendBucket, error) {
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltTx) DeleteBucket(name, sub string) error {
	var err error
	if sub == "" {
		err = tx.btx.DeleteBucket(unsafeBytesFromString(name))
	} else {
		root := tx.btx.Bucket(unsafeBytesFromString(name))
		if root == nil {
			return ErrBucketNotFound
		}
		err = root.DeleteBucket(unsafeBytesFromString(sub))
	}
	if err == bbolt.ErrBucketNotFound {
		return ErrBucketNotFound
	}
	return err
}

func (tx *boltTx) Commit() error { return tx.btx.Commit() }

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) ([]byte, error) { return b.b.Get(key), nil }

func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }

func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }

func (b boltBucket) Cursor() backendCursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) KeyCount() int { return b.b.Stats().KeyN }

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Err() error { return nil }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
