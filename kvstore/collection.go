package kvstore

import (
	"bytes"
	"errors"
	"slices"
)

// Collection is a transaction-bound handle to one collection.
type Collection struct {
	tx    *Tx
	name  string
	root  string
	state *collectionState
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) KeyPath() string {
	return c.state.KeyPath
}

// Indices returns the declared indices in creation order.
func (c *Collection) Indices() []IndexSpec {
	return slices.Clone(c.state.Indices)
}

func (c *Collection) IndexNames() []string {
	names := make([]string, len(c.state.Indices))
	for i, spec := range c.state.Indices {
		names[i] = spec.Name
	}
	return names
}

func (c *Collection) HasIndex(name string) bool {
	_, ok := c.state.index(name)
	return ok
}

func (c *Collection) data() backendBucket {
	return c.tx.btx.Bucket(c.root, dataSub)
}

func (c *Collection) indexBucket(name string) backendBucket {
	return c.tx.btx.Bucket(c.root, indexPrefix+name)
}

// Get returns the document stored under key, or nil if there is none.
func (c *Collection) Get(key any) (Document, error) {
	keyRaw, err := EncodeKey(nil, key)
	if err != nil {
		return nil, collErrf(c.name, "", nil, err, "")
	}
	return c.getRaw(keyRaw)
}

func (c *Collection) getRaw(keyRaw []byte) (Document, error) {
	data := c.data()
	if data == nil {
		return nil, collErrf(c.name, "", nil, ErrCollectionNotFound, "data bucket missing")
	}
	raw, err := data.Get(keyRaw)
	if err != nil {
		return nil, collErrf(c.name, "", keyRaw, err, "")
	}
	if raw == nil {
		return nil, nil
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, collErrf(c.name, "", keyRaw, err, "")
	}
	return doc, nil
}

// Put inserts or replaces doc under the key found at the collection's key path.
func (c *Collection) Put(doc Document) error {
	return c.put(doc, false)
}

// Add is like Put, but fails with ErrKeyExists if the key is already taken.
func (c *Collection) Add(doc Document) error {
	return c.put(doc, true)
}

func (c *Collection) put(doc Document, mustBeNew bool) error {
	if !c.tx.Writable() {
		return collErrf(c.name, "", nil, ErrReadOnly, "")
	}
	key, err := doc.Key(c.state.KeyPath)
	if err != nil {
		return collErrf(c.name, "", nil, err, "cannot store document")
	}
	keyRaw := appendKey(nil, key)
	valueRaw, err := EncodeDocument(doc)
	if err != nil {
		return collErrf(c.name, "", keyRaw, err, "")
	}

	data := c.data()
	if data == nil {
		return collErrf(c.name, "", nil, ErrCollectionNotFound, "data bucket missing")
	}
	oldRaw, err := data.Get(keyRaw)
	if err != nil {
		return collErrf(c.name, "", keyRaw, err, "")
	}
	if oldRaw != nil && mustBeNew {
		return collErrf(c.name, "", keyRaw, ErrKeyExists, "")
	}

	var oldEntries []indexEntry
	if oldRaw != nil {
		old, err := DecodeDocument(oldRaw)
		if err != nil {
			return collErrf(c.name, "", keyRaw, err, "failed to decode previous value")
		}
		oldEntries = c.indexEntries(old, keyRaw)
	}
	newEntries := c.indexEntries(doc, keyRaw)

	for _, e := range newEntries {
		if !e.spec.Unique {
			continue
		}
		existing, err := c.indexBucket(e.spec.Name).Get(e.key)
		if err != nil {
			return collErrf(c.name, e.spec.Name, keyRaw, err, "")
		}
		if existing != nil && !bytes.Equal(existing, keyRaw) {
			existingKey, _ := DecodeKey(existing)
			return &ConstraintError{Collection: c.name, Index: e.spec.Name, Value: e.value, Existing: existingKey}
		}
	}

	for _, e := range oldEntries {
		if slices.ContainsFunc(newEntries, e.same) {
			continue
		}
		if err := c.indexBucket(e.spec.Name).Delete(e.key); err != nil {
			return collErrf(c.name, e.spec.Name, keyRaw, err, "failed to delete index entry")
		}
	}
	for _, e := range newEntries {
		if err := c.indexBucket(e.spec.Name).Put(e.key, keyRaw); err != nil {
			return collErrf(c.name, e.spec.Name, keyRaw, err, "failed to write index entry")
		}
	}
	if err := data.Put(keyRaw, valueRaw); err != nil {
		return collErrf(c.name, "", keyRaw, err, "")
	}
	return nil
}

// Delete removes the document under key and reports whether it existed.
func (c *Collection) Delete(key any) (bool, error) {
	if !c.tx.Writable() {
		return false, collErrf(c.name, "", nil, ErrReadOnly, "")
	}
	keyRaw, err := EncodeKey(nil, key)
	if err != nil {
		return false, collErrf(c.name, "", nil, err, "")
	}
	old, err := c.getRaw(keyRaw)
	if err != nil || old == nil {
		return false, err
	}
	for _, e := range c.indexEntries(old, keyRaw) {
		if err := c.indexBucket(e.spec.Name).Delete(e.key); err != nil {
			return false, collErrf(c.name, e.spec.Name, keyRaw, err, "failed to delete index entry")
		}
	}
	if err := c.data().Delete(keyRaw); err != nil {
		return false, collErrf(c.name, "", keyRaw, err, "")
	}
	return true, nil
}

// All returns every document in primary key order.
func (c *Collection) All() ([]Document, error) {
	var docs []Document
	err := c.Scan(func(keyRaw []byte, doc Document) error {
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// Scan calls fn for every document in primary key order. The collection must
// not be modified from within fn.
func (c *Collection) Scan(fn func(keyRaw []byte, doc Document) error) error {
	data := c.data()
	if data == nil {
		return collErrf(c.name, "", nil, ErrCollectionNotFound, "data bucket missing")
	}
	cur := data.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		doc, err := DecodeDocument(v)
		if err != nil {
			return collErrf(c.name, "", k, err, "")
		}
		if err := fn(k, doc); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return collErrf(c.name, "", nil, err, "scan failed")
	}
	return nil
}

// Lookup returns the documents whose index value equals value, in primary key
// order.
func (c *Collection) Lookup(index string, value any) ([]Document, error) {
	keys, err := c.LookupKeys(index, value)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(keys))
	for _, keyRaw := range keys {
		doc, err := c.getRaw(keyRaw)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, collErrf(c.name, index, keyRaw, nil, "index entry points to a missing document")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// LookupKeys returns the encoded primary keys of the documents whose index
// value equals value.
func (c *Collection) LookupKeys(index string, value any) ([][]byte, error) {
	if _, ok := c.state.index(index); !ok {
		return nil, collErrf(c.name, index, nil, ErrIndexNotFound, "")
	}
	valueRaw, err := EncodeKey(nil, value)
	if err != nil {
		return nil, collErrf(c.name, index, nil, err, "invalid lookup value")
	}
	ib := c.indexBucket(index)
	if ib == nil {
		return nil, collErrf(c.name, index, nil, ErrIndexNotFound, "index bucket missing")
	}
	prefix := indexEntryPrefix(valueRaw)
	var keys [][]byte
	cur := ib.Cursor()
	for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
		keys = append(keys, bytes.Clone(v))
	}
	if err := cur.Err(); err != nil {
		return nil, collErrf(c.name, index, nil, err, "index scan failed")
	}
	return keys, nil
}

func (c *Collection) Count() int {
	data := c.data()
	if data == nil {
		return 0
	}
	return data.KeyCount()
}

// CreateIndex adds an index and fills it from the existing documents. Only
// allowed during an upgrade.
func (c *Collection) CreateIndex(spec IndexSpec) error {
	if !c.tx.upgrading {
		return collErrf(c.name, spec.Name, nil, nil, "indices can only be created during an upgrade")
	}
	if err := validateIndexSpec(spec); err != nil {
		return collErrf(c.name, "", nil, err, "")
	}
	if c.HasIndex(spec.Name) {
		return collErrf(c.name, spec.Name, nil, nil, "index already exists")
	}
	ib, err := c.tx.btx.CreateBucket(c.root, indexPrefix+spec.Name)
	if err != nil {
		return collErrf(c.name, spec.Name, nil, err, "failed to create index bucket")
	}

	var n int
	err = c.Scan(func(keyRaw []byte, doc Document) error {
		e, ok := makeIndexEntry(spec, doc, keyRaw)
		if !ok {
			return nil
		}
		if spec.Unique {
			existing, err := ib.Get(e.key)
			if err != nil {
				return err
			}
			if existing != nil {
				existingKey, _ := DecodeKey(existing)
				return &ConstraintError{Collection: c.name, Index: spec.Name, Value: e.value, Existing: existingKey}
			}
		}
		n++
		return ib.Put(e.key, bytes.Clone(keyRaw))
	})
	if err != nil {
		return err
	}

	c.state.addIndex(spec)
	if err := c.saveState(); err != nil {
		return err
	}
	c.tx.inst.logger.Debug("kvstore: created index", "instance", c.tx.inst.name, "collection", c.name, "index", spec.String(), "entries", n)
	return nil
}

// DeleteIndex drops an index. Only allowed during an upgrade.
func (c *Collection) DeleteIndex(name string) error {
	if !c.tx.upgrading {
		return collErrf(c.name, name, nil, nil, "indices can only be deleted during an upgrade")
	}
	if !c.HasIndex(name) {
		return collErrf(c.name, name, nil, ErrIndexNotFound, "")
	}
	err := c.tx.btx.DeleteBucket(c.root, indexPrefix+name)
	if err != nil && !errors.Is(err, ErrBucketNotFound) {
		return collErrf(c.name, name, nil, err, "failed to delete index bucket")
	}
	c.state.removeIndex(name)
	if err := c.saveState(); err != nil {
		return err
	}
	c.tx.inst.logger.Debug("kvstore: deleted index", "instance", c.tx.inst.name, "collection", c.name, "index", name)
	return nil
}

type indexEntry struct {
	spec  IndexSpec
	value any
	key   []byte
}

func (e indexEntry) same(other indexEntry) bool {
	return e.spec.Name == other.spec.Name && bytes.Equal(e.key, other.key)
}

func (c *Collection) indexEntries(doc Document, keyRaw []byte) []indexEntry {
	var entries []indexEntry
	for _, spec := range c.state.Indices {
		if e, ok := makeIndexEntry(spec, doc, keyRaw); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// makeIndexEntry reports false when the document has no usable value at the
// index's key path; such documents are left out of the index.
func makeIndexEntry(spec IndexSpec, doc Document, keyRaw []byte) (indexEntry, bool) {
	v, ok := doc.Lookup(spec.Path())
	if !ok {
		return indexEntry{}, false
	}
	v, err := NormalizeKey(v)
	if err != nil {
		return indexEntry{}, false
	}
	valueRaw := appendKey(nil, v)
	return indexEntry{
		spec:  spec,
		value: v,
		key:   indexEntryKey(nil, valueRaw, keyRaw, spec.Unique),
	}, true
}
