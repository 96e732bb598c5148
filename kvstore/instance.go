/*
Package kvstore implements the keyed storage engine underneath crudodb: named,
versioned physical instances holding collections of documents with secondary
indices.

The model follows IndexedDB. An instance is opened at a version; opening at a
higher version than the stored one runs an upgrade callback inside the opening
write transaction, and only that callback may create or delete collections and
indices. Opening at a lower version fails with a VersionError.

# Layout

Every instance lives in one backend (a bbolt file, a SQLite file, or memory).
We rely on scoped namespaces for keys called buckets, addressed by a
(name, sub) pair:

  - ("_meta", "") holds the instance state: version and collection names.
  - ("c_<collection>", "") holds the collection state (key path and indices).
  - ("c_<collection>", "data") maps encoded primary keys to msgpack documents.
  - ("c_<collection>", "i_<index>") maps index entry keys to primary keys.

**Index entries**: length-prefixed encoded index value, followed by the
encoded primary key unless the index is unique. Values that are missing or
cannot serve as keys are not indexed, so the flag index of clean rows stays
small.
*/
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Engine opens physical instances by name.
//
// Version 0 opens the instance at whatever version it is stored at (0 for a
// brand new instance) and never runs upgrade.
type Engine interface {
	Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*Instance, error)
}

// UpgradeFunc runs when an instance is opened at a higher version than stored.
// Returning an error aborts the upgrade and leaves the stored version as it was.
type UpgradeFunc func(up *Upgrade) error

const (
	metaBucket  = "_meta"
	collPrefix  = "c_"
	dataSub     = "data"
	indexPrefix = "i_"
)

var stateKey = []byte("_state")

type instanceState struct {
	Version     uint64    `msgpack:"v"`
	Collections []string  `msgpack:"c"`
	UpdatedAt   time.Time `msgpack:"t"`
}

type Instance struct {
	name    string
	version uint64
	b       backend
	logger  *slog.Logger
	closed  atomic.Bool
}

func openInstance(ctx context.Context, b backend, name string, version uint64, upgrade UpgradeFunc, logger *slog.Logger) (*Instance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{name: name, b: b, logger: logger}

	btx, err := b.begin(ctx, true)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("kvstore: %s: %w", name, err)
	}
	tx := &Tx{inst: inst, btx: btx}
	defer tx.rollback()

	// the transaction must be finished before the backend can be closed
	fail := func(err error) (*Instance, error) {
		tx.rollback()
		b.close()
		return nil, err
	}

	st, err := tx.loadState()
	if err != nil {
		return fail(err)
	}

	switch {
	case version == 0 || version == st.Version:
		inst.version = st.Version
		return inst, nil
	case version < st.Version:
		return fail(&VersionError{Instance: name, Requested: version, Stored: st.Version})
	}

	start := time.Now()
	tx.upgrading = true
	if upgrade != nil {
		up := &Upgrade{Tx: tx, OldVersion: st.Version, NewVersion: version}
		if err := upgrade(up); err != nil {
			return fail(err)
		}
		// the callback may have changed the collection list
		st = tx.state
	}
	st.Version = version
	st.UpdatedAt = start
	if err := tx.saveState(); err != nil {
		return fail(err)
	}
	if err := tx.commit(); err != nil {
		b.close()
		return nil, fmt.Errorf("kvstore: %s: commit upgrade: %w", name, err)
	}
	logger.Info("kvstore: upgraded instance", "instance", name, "from", tx.oldVersion, "to", version, "took", time.Since(start))
	inst.version = version
	return inst, nil
}

func (inst *Instance) Name() string {
	return inst.name
}

// Version is the version the instance was opened at.
func (inst *Instance) Version() uint64 {
	return inst.version
}

func (inst *Instance) Close() error {
	if !inst.closed.CompareAndSwap(false, true) {
		return nil
	}
	return inst.b.close()
}

// View runs fn in a read-only transaction.
func (inst *Instance) View(ctx context.Context, fn func(tx *Tx) error) error {
	return inst.run(ctx, false, fn)
}

// Update runs fn in a write transaction, committing if fn returns nil.
func (inst *Instance) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return inst.run(ctx, true, fn)
}

func (inst *Instance) run(ctx context.Context, writable bool, fn func(tx *Tx) error) error {
	if inst.closed.Load() {
		return fmt.Errorf("kvstore: %s: %w", inst.name, ErrClosed)
	}
	btx, err := inst.b.begin(ctx, writable)
	if err != nil {
		return fmt.Errorf("kvstore: %s: %w", inst.name, err)
	}
	tx := &Tx{inst: inst, btx: btx}
	defer tx.rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if writable {
		return tx.commit()
	}
	return nil
}

// Tx is a transaction over a whole instance. Collection handles obtained from
// it are only valid until fn returns.
type Tx struct {
	inst       *Instance
	btx        backendTx
	state      *instanceState
	colls      map[string]*Collection
	upgrading  bool
	oldVersion uint64
	done       bool
}

func (tx *Tx) Instance() *Instance {
	return tx.inst
}

func (tx *Tx) Writable() bool {
	return tx.btx.Writable()
}

func (tx *Tx) commit() error {
	tx.done = true
	return tx.btx.Commit()
}

func (tx *Tx) rollback() {
	if tx.done {
		return
	}
	tx.done = true
	if err := tx.btx.Rollback(); err != nil {
		tx.inst.logger.Warn("kvstore: rollback failed", "instance", tx.inst.name, "err", err)
	}
}

func (tx *Tx) loadState() (*instanceState, error) {
	if tx.state != nil {
		return tx.state, nil
	}
	st := new(instanceState)
	if b := tx.btx.Bucket(metaBucket, ""); b != nil {
		raw, err := b.Get(stateKey)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			if err := decodeState(raw, st); err != nil {
				return nil, fmt.Errorf("kvstore: %s: failed to decode instance state: %w", tx.inst.name, err)
			}
		}
	}
	tx.state = st
	tx.oldVersion = st.Version
	return st, nil
}

func (tx *Tx) saveState() error {
	b, err := tx.btx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(tx.state)
	if err != nil {
		return err
	}
	return b.Put(stateKey, raw)
}

// CollectionNames lists collections in creation order.
func (tx *Tx) CollectionNames() ([]string, error) {
	st, err := tx.loadState()
	if err != nil {
		return nil, err
	}
	return slices.Clone(st.Collections), nil
}

func (tx *Tx) HasCollection(name string) bool {
	return tx.btx.Bucket(collPrefix+name, "") != nil
}

// Collection returns a handle to an existing collection.
func (tx *Tx) Collection(name string) (*Collection, error) {
	if c := tx.colls[name]; c != nil {
		return c, nil
	}
	root := tx.btx.Bucket(collPrefix+name, "")
	if root == nil {
		return nil, collErrf(name, "", nil, ErrCollectionNotFound, "")
	}
	raw, err := root.Get(stateKey)
	if err != nil {
		return nil, collErrf(name, "", nil, err, "failed to read collection state")
	}
	cs := new(collectionState)
	if raw != nil {
		if err := decodeState(raw, cs); err != nil {
			return nil, collErrf(name, "", nil, err, "failed to decode collection state")
		}
	}
	return tx.bind(name, cs), nil
}

func (tx *Tx) bind(name string, cs *collectionState) *Collection {
	c := &Collection{tx: tx, name: name, root: collPrefix + name, state: cs}
	if tx.colls == nil {
		tx.colls = make(map[string]*Collection)
	}
	tx.colls[name] = c
	return c
}

// Upgrade is the transaction handed to UpgradeFunc. On top of regular Tx
// operations it can create and delete collections and their indices.
type Upgrade struct {
	*Tx
	OldVersion uint64
	NewVersion uint64
}

// CreateCollection creates a collection keyed by keyPath with the given indices.
func (up *Upgrade) CreateCollection(name, keyPath string, indices ...IndexSpec) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("kvstore: %s: empty collection name", up.inst.name)
	}
	if keyPath == "" {
		return nil, collErrf(name, "", nil, ErrInvalidKey, "empty key path")
	}
	if up.HasCollection(name) {
		return nil, collErrf(name, "", nil, nil, "collection already exists")
	}
	st, err := up.loadState()
	if err != nil {
		return nil, err
	}

	cs := &collectionState{KeyPath: keyPath, CreatedAt: time.Now()}
	root := collPrefix + name
	if _, err := up.btx.CreateBucket(root, dataSub); err != nil {
		return nil, collErrf(name, "", nil, err, "failed to create data bucket")
	}
	c := up.bind(name, cs)
	if err := c.saveState(); err != nil {
		return nil, err
	}
	for _, spec := range indices {
		if err := c.CreateIndex(spec); err != nil {
			return nil, err
		}
	}
	st.Collections = append(st.Collections, name)
	up.inst.logger.Info("kvstore: created collection", "instance", up.inst.name, "collection", name, "key_path", keyPath, "indices", len(indices))
	return c, nil
}

// DeleteCollection drops a collection with all its data and indices.
func (up *Upgrade) DeleteCollection(name string) error {
	st, err := up.loadState()
	if err != nil {
		return err
	}
	err = up.btx.DeleteBucket(collPrefix+name, "")
	if err == ErrBucketNotFound {
		return collErrf(name, "", nil, ErrCollectionNotFound, "")
	} else if err != nil {
		return collErrf(name, "", nil, err, "failed to delete collection")
	}
	st.Collections = slices.DeleteFunc(st.Collections, func(s string) bool { return s == name })
	delete(up.colls, name)
	up.inst.logger.Info("kvstore: deleted collection", "instance", up.inst.name, "collection", name)
	return nil
}

func decodeState(raw []byte, ptr any) error {
	err := msgpack.Unmarshal(raw, ptr)
	if err != nil {
		return dataErrf(raw, 0, err, "failed to decode msgpack into %v", reflect.TypeOf(ptr))
	}
	return nil
}
