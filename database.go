package crudodb

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/andreyvit/crudodb/kvstore"
)

// Database is a Record Store: one logical collection of T, mirrored to an
// optional remote. Local writes always land first; remote calls are best
// effort and their failures leave the row flagged for the next Sync.
//
// A Database holds no state of its own beyond its configuration, so it stays
// valid across reopens of the physical instance by the orchestrator.
type Database[T any] struct {
	key    string
	schema Schema
	h      *handle
	api    CrudAPI[T]
	env    *env
	logger *slog.Logger

	syncMu sync.Mutex
}

func newDatabase[T any](key string, schema Schema, h *handle, api CrudAPI[T], env *env) *Database[T] {
	return &Database[T]{
		key:    key,
		schema: schema,
		h:      h,
		api:    api,
		env:    env,
		logger: env.logger.With("store", key),
	}
}

func (d *Database[T]) Key() string {
	return d.key
}

func (d *Database[T]) Schema() Schema {
	return d.schema
}

func (d *Database[T]) API() CrudAPI[T] {
	return d.api
}

func (d *Database[T]) itemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (d *Database[T]) coll(tx *kvstore.Tx) (*kvstore.Collection, error) {
	return tx.Collection(d.schema.Collection)
}

// prepare converts item into a document and extracts its key. Items must not
// set the reserved flag attribute.
func (d *Database[T]) prepare(op string, item T) (kvstore.Document, any, error) {
	doc, err := toDocument(item)
	if err != nil {
		return nil, nil, &ValidationError{Store: d.key, Op: op, Field: d.schema.KeyField, Err: err}
	}
	if _, found := doc[flagField]; found {
		return nil, nil, &ValidationError{Store: d.key, Op: op, Field: flagField, Err: ErrReservedField}
	}
	key, err := doc.Key(d.schema.KeyField)
	if err == nil && key == "" {
		err = kvstore.ErrMissingKey
	}
	if err != nil {
		return nil, nil, &ValidationError{Store: d.key, Op: op, Field: d.schema.KeyField, Err: err}
	}
	return doc, key, nil
}

func (d *Database[T]) normalizeKey(op string, key any) (any, error) {
	k, err := kvstore.NormalizeKey(key)
	if err == nil && k == "" {
		err = kvstore.ErrMissingKey
	}
	if err != nil {
		return nil, &ValidationError{Store: d.key, Op: op, Field: d.schema.KeyField, Err: err}
	}
	return k, nil
}

func (d *Database[T]) online(ctx context.Context) bool {
	return isOnline(ctx, d.api)
}

func (d *Database[T]) verbosef(op string, key any, flag Flag) {
	if d.env.verbose {
		d.logger.Debug("crudodb: local "+op, "op", op, "key", key, "flag", flag.String())
	}
}

func (d *Database[T]) remoteFailed(op string, key any, err error) {
	rerr := &RemoteError{Store: d.key, Op: op, Key: key, Err: err}
	d.env.metrics.remoteFailure(d.key, op)
	d.logger.Warn("crudodb: remote call failed", "op", op, "key", key, "err", rerr)
}

// Create stores item locally flagged C, then offers it to the remote. A row
// that is only a pending tombstone is replaced and flagged U, since the
// remote still knows that key. Remote failures are logged, not returned.
func (d *Database[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	doc, key, err := d.prepare("create", item)
	if err != nil {
		return zero, err
	}
	written, err := digest(doc)
	if err != nil {
		return zero, &ValidationError{Store: d.key, Op: "create", Field: d.schema.KeyField, Err: err}
	}

	flag := FlagCreated
	err = d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		prev, err := c.Get(key)
		if err != nil {
			return err
		}
		if prev != nil {
			if flagOf(prev) != FlagDeleted {
				return fmt.Errorf("crudodb: %s: create %v: %w", d.key, key, kvstore.ErrKeyExists)
			}
			flag = FlagUpdated
		}
		return c.Put(withFlag(doc, flag))
	})
	if err != nil {
		return zero, err
	}
	d.verbosef("create", key, flag)

	if res, ok := d.forward(ctx, "create", key, flag, item, written); ok {
		return res, nil
	}
	return item, nil
}

// Update replaces an existing live row with item. The stored row is only
// consulted for its flag: a row still flagged C stays C.
func (d *Database[T]) Update(ctx context.Context, item T) (T, error) {
	var zero T
	doc, key, err := d.prepare("update", item)
	if err != nil {
		return zero, err
	}
	written, err := digest(doc)
	if err != nil {
		return zero, &ValidationError{Store: d.key, Op: "update", Field: d.schema.KeyField, Err: err}
	}

	var flag Flag
	err = d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		prev, err := c.Get(key)
		if err != nil {
			return err
		}
		prevFlag := flagOf(prev)
		if prev == nil || prevFlag == FlagDeleted {
			return &ObjectNotFoundError{Store: d.key, Key: key}
		}
		flag = FlagUpdated
		if prevFlag == FlagCreated {
			flag = FlagCreated
		}
		return c.Put(withFlag(doc, flag))
	})
	if err != nil {
		return zero, err
	}
	d.verbosef("update", key, flag)

	if res, ok := d.forward(ctx, "update", key, flag, item, written); ok {
		return res, nil
	}
	return item, nil
}

// forward offers a freshly written row to the remote: rows the remote has
// never seen go through Create, the rest through Update. On success the
// canonical echo replaces the row, provided the row still holds what was
// written.
func (d *Database[T]) forward(ctx context.Context, op string, key any, flag Flag, item T, written uint64) (T, bool) {
	var zero T
	if !d.online(ctx) {
		return zero, false
	}
	var res *T
	var err error
	if flag == FlagCreated {
		res, err = d.api.Create(ctx, item)
	} else {
		res, err = d.api.Update(ctx, item)
	}
	if err != nil {
		d.remoteFailed(op, key, err)
		return zero, false
	}
	if res == nil {
		d.remoteFailed(op, key, nil)
		return zero, false
	}
	applied, err := d.writeBack(ctx, key, written, *res)
	if err != nil {
		d.logger.Warn("crudodb: storing remote result failed", "op", op, "key", key, "err", err)
		return zero, false
	}
	if !applied {
		return zero, false
	}
	return *res, true
}

// writeBack replaces the row under key with the clean canonical item, unless
// the row changed since a version with digest written was stored.
func (d *Database[T]) writeBack(ctx context.Context, key any, written uint64, canonical T) (bool, error) {
	doc, err := toDocument(canonical)
	if err != nil {
		return false, err
	}
	delete(doc, flagField)
	newKey, err := doc.Key(d.schema.KeyField)
	if err != nil {
		return false, fmt.Errorf("canonical value has no valid key: %w", err)
	}

	var applied bool
	err = d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		cur, err := c.Get(key)
		if err != nil {
			return err
		}
		if cur == nil {
			return nil
		}
		if h, err := digest(cur); err != nil || h != written {
			return err
		}
		if !sameKey(key, newKey) {
			if _, err := c.Delete(key); err != nil {
				return err
			}
		}
		applied = true
		return c.Put(doc)
	})
	if err == nil && !applied {
		d.logger.Debug("crudodb: row changed while the remote call was in flight, keeping local version", "key", key)
	}
	if applied {
		d.verbosef("write-back", newKey, FlagClean)
	}
	return applied, err
}

// Delete tombstones the row and asks the remote to delete it. The tombstone
// is purged once the remote confirms, or right away without a remote. Rows
// the remote has never seen (flag C) are purged immediately.
func (d *Database[T]) Delete(ctx context.Context, item T) (bool, error) {
	_, key, err := d.prepare("delete", item)
	if err != nil {
		return false, err
	}

	var existed, purged bool
	var stored kvstore.Document
	err = d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		prev, err := c.Get(key)
		if err != nil || prev == nil {
			return err
		}
		existed = true
		stored = prev
		if d.api == nil || flagOf(prev) == FlagCreated {
			purged = true
			_, err := c.Delete(key)
			return err
		}
		return c.Put(withFlag(prev, FlagDeleted))
	})
	if err != nil || !existed {
		return false, err
	}
	if purged {
		d.verbosef("purge", key, FlagClean)
		return true, nil
	}
	d.verbosef("delete", key, FlagDeleted)

	if !d.online(ctx) {
		return true, nil
	}
	remoteItem, _, err := fromDocument[T](stored)
	if err != nil {
		d.logger.Warn("crudodb: decoding tombstone failed", "key", key, "err", err)
		remoteItem = item
	}
	ok, err := d.api.Delete(ctx, remoteItem)
	if err != nil || !ok {
		d.remoteFailed("delete", key, err)
		return true, nil
	}
	if err := d.purgeTombstone(ctx, key); err != nil {
		d.logger.Warn("crudodb: purging tombstone failed", "key", key, "err", err)
	}
	return true, nil
}

// purgeTombstone removes the row under key if it is still a tombstone.
func (d *Database[T]) purgeTombstone(ctx context.Context, key any) error {
	return d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		cur, err := c.Get(key)
		if err != nil || cur == nil || flagOf(cur) != FlagDeleted {
			return err
		}
		_, err = c.Delete(key)
		if err == nil {
			d.verbosef("purge", key, FlagClean)
		}
		return err
	})
}

// GetRecord returns the local row with its flag, tombstones included, or nil.
// It never consults the remote.
func (d *Database[T]) GetRecord(ctx context.Context, key any) (*Record[T], error) {
	key, err := d.normalizeKey("get", key)
	if err != nil {
		return nil, err
	}
	var rec *Record[T]
	err = d.h.view(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		doc, err := c.Get(key)
		if err != nil || doc == nil {
			return err
		}
		item, flag, err := fromDocument[T](doc)
		if err != nil {
			return fmt.Errorf("crudodb: %s: %v: %w", d.key, key, err)
		}
		rec = &Record[T]{Item: item, Flag: flag}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		d.verbosef("get", key, rec.Flag)
	}
	return rec, nil
}

// Get returns the live local item under key. When there is no local row at
// all and the remote is reachable, the remote copy is returned without being
// stored.
func (d *Database[T]) Get(ctx context.Context, key any) (*T, error) {
	rec, err := d.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if rec.Flag == FlagDeleted {
			return nil, nil
		}
		return &rec.Item, nil
	}
	if !d.online(ctx) {
		return nil, nil
	}
	res, err := d.api.Get(ctx, key)
	if err != nil {
		d.remoteFailed("get", key, err)
		return nil, nil
	}
	return res, nil
}

// GetAll returns the live local items in key order. When the collection is
// physically empty and the remote is reachable, the remote snapshot is
// returned without being stored.
func (d *Database[T]) GetAll(ctx context.Context) ([]T, error) {
	var items []T
	var physical int
	err := d.h.view(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		physical = c.Count()
		return c.Scan(func(keyRaw []byte, doc kvstore.Document) error {
			if flagOf(doc) == FlagDeleted {
				return nil
			}
			item, _, err := fromDocument[T](doc)
			if err != nil {
				return fmt.Errorf("crudodb: %s: %s: %w", d.key, kvstore.KeyString(keyRaw), err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if d.env.verbose {
		d.logger.Debug("crudodb: local get-all", "op", "get-all", "rows", physical, "live", len(items))
	}
	if physical > 0 || !d.online(ctx) {
		return items, nil
	}
	remote, err := d.api.GetAll(ctx)
	if err != nil {
		d.remoteFailed("get-all", nil, err)
		return items, nil
	}
	return remote, nil
}

// Dirty lists the rows waiting to be pushed: creates, then updates, then
// tombstones, each in key order.
func (d *Database[T]) Dirty(ctx context.Context) ([]Record[T], error) {
	docs, err := d.dirtyDocs(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Record[T], 0, len(docs))
	for _, doc := range docs {
		item, flag, err := fromDocument[T](doc)
		if err != nil {
			return nil, fmt.Errorf("crudodb: %s: %w", d.key, err)
		}
		recs = append(recs, Record[T]{Item: item, Flag: flag})
	}
	return recs, nil
}

func (d *Database[T]) dirtyDocs(ctx context.Context) ([]kvstore.Document, error) {
	var docs []kvstore.Document
	err := d.h.view(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		for _, flag := range []Flag{FlagCreated, FlagUpdated, FlagDeleted} {
			found, err := c.Lookup(flagField, string(flag))
			if err != nil {
				return err
			}
			docs = append(docs, found...)
		}
		return nil
	})
	return docs, err
}

// Count returns the number of live local rows.
func (d *Database[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := d.h.view(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		tombstones, err := c.LookupKeys(flagField, string(FlagDeleted))
		if err != nil {
			return err
		}
		n = c.Count() - len(tombstones)
		return nil
	})
	return n, err
}

// putClean writes items as clean rows, bypassing the remote. Used for data
// the remote side already has, such as registry entries.
func (d *Database[T]) putClean(ctx context.Context, items ...T) error {
	docs := make([]kvstore.Document, 0, len(items))
	for _, item := range items {
		doc, _, err := d.prepare("put", item)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	return d.h.update(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := c.Put(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// lookup returns the live items whose index value equals value.
func (d *Database[T]) lookup(ctx context.Context, index string, value any) ([]T, error) {
	var items []T
	err := d.h.view(ctx, func(tx *kvstore.Tx) error {
		c, err := d.coll(tx)
		if err != nil {
			return err
		}
		docs, err := c.Lookup(index, value)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			item, flag, err := fromDocument[T](doc)
			if err != nil {
				return err
			}
			if flag != FlagDeleted {
				items = append(items, item)
			}
		}
		return nil
	})
	return items, err
}
