package crudodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/andreyvit/crudodb/kvstore"
	"golang.org/x/sync/errgroup"
)

// DB is the Store Orchestrator. It owns the schema registry, one handle per
// physical instance and one Database per registered schema.
type DB struct {
	opt    Options
	env    *env
	logger *slog.Logger

	registry   *registry
	registryH  *handle
	registerMu sync.Mutex // serializes registrations
	mu         sync.RWMutex
	handles    map[string]*handle
	stores     map[string]boundStore
	facades    map[string]any
	closed     bool
}

// boundStore is the type-erased view of a *Database[T].
type boundStore interface {
	Key() string
	Sync(ctx context.Context) (SyncReport, error)
	itemType() reflect.Type
}

// Open bootstraps the schema registry and returns an orchestrator with no
// schemas bound. Schemas persisted by earlier runs are bound again on their
// next Register.
func Open(ctx context.Context, opt Options) (*DB, error) {
	if opt.Engine == nil {
		return nil, fmt.Errorf("crudodb: Options.Engine is required")
	}
	opt = opt.withDefaults()
	env, err := newEnv(opt)
	if err != nil {
		return nil, fmt.Errorf("crudodb: metrics: %w", err)
	}

	reg, h, err := openRegistry(ctx, opt.RegistryInstance, opt.Engine, env)
	if err != nil {
		return nil, err
	}
	return &DB{
		opt:       opt,
		env:       env,
		logger:    opt.Logger,
		registry:  reg,
		registryH: h,
		handles:   make(map[string]*handle),
		stores:    make(map[string]boundStore),
		facades:   make(map[string]any),
	}, nil
}

// Close releases every physical instance and forgets the bound stores.
func (db *DB) Close() error {
	db.registerMu.Lock()
	defer db.registerMu.Unlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	for _, h := range db.handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if err := db.registryH.close(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", db.registryH.name, err))
	}
	clear(db.handles)
	clear(db.stores)
	clear(db.facades)
	return errors.Join(errs...)
}

func (db *DB) handleFor(instance string) *handle {
	db.mu.Lock()
	defer db.mu.Unlock()
	h := db.handles[instance]
	if h == nil {
		h = newHandle(instance, db.opt.Engine, db.logger)
		db.handles[instance] = h
	}
	return h
}

func (db *DB) bound(key string) (boundStore, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, ok := db.stores[key]
	return s, ok
}

func (db *DB) bind(key string, s boundStore) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stores[key] = s
}

// Register records the schema in the registry, migrates its physical instance
// when needed and binds a Database for it. It returns the SchemaKey.
//
// The physical version of an instance is the sum of the requested versions
// of every schema on it, bumped further when needed so that it only ever
// increases. Registering an unchanged schema again does nothing.
func Register[T any](ctx context.Context, db *DB, reg Registration[T]) (string, error) {
	s := reg.Schema.withDefaults()
	if err := s.validate(db.opt.RegistryInstance); err != nil {
		return "", err
	}
	key := reg.Key
	if key == "" {
		key = s.Key()
	}

	db.registerMu.Lock()
	defer db.registerMu.Unlock()
	if db.isClosed() {
		return "", ErrClosed
	}
	logger := db.logger.With("store", key)

	prev, err := db.registry.entry(ctx, key)
	if err != nil {
		return "", fmt.Errorf("crudodb: %s: reading registry: %w", key, err)
	}
	if prev != nil && prev.Instance != s.Instance {
		return "", fmt.Errorf("crudodb: %s: already registered on instance %q, not %q", key, prev.Instance, s.Instance)
	}

	h := db.handleFor(s.Instance)
	physical, err := h.version(ctx)
	if err != nil {
		return "", fmt.Errorf("crudodb: %s: opening instance %s: %w", key, s.Instance, err)
	}

	if prev != nil && prev.RequestedVersion == s.Version {
		present, err := hasCollection(ctx, h, s.Collection)
		if err != nil {
			return "", err
		}
		if present && physical >= prev.AggregateVersion {
			if !sameIndices(prev.Indices, s.Indices) {
				logger.Warn("crudodb: index changes are ignored until the schema version is bumped", "version", s.Version)
			}
			if cur, ok := db.bound(key); ok && cur.itemType() == reflect.TypeFor[T]() {
				return key, nil
			}
			db.bind(key, newDatabase(key, s, h, reg.API, db.env))
			return key, nil
		}
		logger.Warn("crudodb: collection lost, migrating again", "instance", s.Instance, "physical_version", physical)
	}

	siblings, err := db.registry.siblings(ctx, s.Instance)
	if err != nil {
		return "", fmt.Errorf("crudodb: %s: reading registry: %w", key, err)
	}
	aggregate := max(sumRequested(siblings, key)+s.Version, physical+1)

	start := time.Now()
	err = h.upgrade(ctx, aggregate, func(up *kvstore.Upgrade) error {
		return migrateCollection(up, s, prev)
	})
	if err != nil {
		return "", &MigrationError{Key: key, Instance: s.Instance, From: physical, To: aggregate, Err: err}
	}

	now := time.Now()
	entry := RegistryEntry{
		ID:               key,
		Collection:       s.Collection,
		KeyField:         s.KeyField,
		Instance:         s.Instance,
		Indices:          slices.Clone(s.Indices),
		RequestedVersion: s.Version,
		AggregateVersion: aggregate,
		UpdatedAt:        now,
	}
	entries := []RegistryEntry{entry}
	for _, sib := range siblings {
		if sib.ID == key {
			continue
		}
		sib.AggregateVersion = aggregate
		sib.UpdatedAt = now
		entries = append(entries, sib)
	}
	if err := db.registry.save(ctx, entries...); err != nil {
		return "", fmt.Errorf("crudodb: %s: saving registry: %w", key, err)
	}

	db.bind(key, newDatabase(key, s, h, reg.API, db.env))
	logger.Info("crudodb: registered schema", "instance", s.Instance, "collection", s.Collection,
		"version", s.Version, "aggregate_version", aggregate, "siblings", len(entries)-1, "took", time.Since(start))
	return key, nil
}

func hasCollection(ctx context.Context, h *handle, name string) (bool, error) {
	var found bool
	err := h.view(ctx, func(tx *kvstore.Tx) error {
		found = tx.HasCollection(name)
		return nil
	})
	return found, err
}

func (db *DB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Apply registers the schema and returns a facade bound to its key. Repeated
// calls return the same facade.
func Apply[T any](ctx context.Context, db *DB, reg Registration[T]) (*Store[T], error) {
	key, err := Register(ctx, db, reg)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if f, ok := db.facades[key].(*Store[T]); ok {
		return f, nil
	}
	f := &Store[T]{db: db, key: key}
	db.facades[key] = f
	return f, nil
}

// DatabaseFor returns the Database bound to key.
func DatabaseFor[T any](db *DB, key string) (*Database[T], error) {
	s, ok := db.bound(key)
	if !ok {
		return nil, &NotRegisteredError{Key: key}
	}
	d, ok := s.(*Database[T])
	if !ok {
		return nil, &TypeMismatchError{Key: key, Want: reflect.TypeFor[T](), Have: s.itemType()}
	}
	return d, nil
}

func Get[T any](ctx context.Context, db *DB, key string, id any) (*T, error) {
	d, err := DatabaseFor[T](db, key)
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, id)
}

func GetAll[T any](ctx context.Context, db *DB, key string) ([]T, error) {
	d, err := DatabaseFor[T](db, key)
	if err != nil {
		return nil, err
	}
	return d.GetAll(ctx)
}

func Create[T any](ctx context.Context, db *DB, key string, item T) (T, error) {
	d, err := DatabaseFor[T](db, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return d.Create(ctx, item)
}

func Update[T any](ctx context.Context, db *DB, key string, item T) (T, error) {
	d, err := DatabaseFor[T](db, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return d.Update(ctx, item)
}

func Delete[T any](ctx context.Context, db *DB, key string, item T) (bool, error) {
	d, err := DatabaseFor[T](db, key)
	if err != nil {
		return false, err
	}
	return d.Delete(ctx, item)
}

// Keys lists the bound schema keys in sorted order.
func (db *DB) Keys() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0, len(db.stores))
	for k := range db.stores {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Sync syncs the given stores, or every bound store if no keys are given,
// several at a time. A failing store never stops the others; its report
// carries the error.
func (db *DB) Sync(ctx context.Context, keys ...string) []SyncReport {
	if len(keys) == 0 {
		keys = db.Keys()
	}
	reports := make([]SyncReport, len(keys))

	var g errgroup.Group
	g.SetLimit(db.env.concurrency)
	for i, key := range keys {
		s, ok := db.bound(key)
		if !ok {
			reports[i] = SyncReport{Key: key, Err: &NotRegisteredError{Key: key}}
			db.logger.Warn("crudodb: cannot sync unregistered store", "store", key)
			continue
		}
		g.Go(func() error {
			rep, err := s.Sync(ctx)
			rep.Key = key
			rep.Err = err
			reports[i] = rep
			return nil
		})
	}
	g.Wait()
	return reports
}

// Entries lists the registry, one entry per registered schema.
func (db *DB) Entries(ctx context.Context) ([]RegistryEntry, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.registry.GetAll(ctx)
}

// Dump renders the contents of a physical instance, for tests and debugging.
func (db *DB) Dump(ctx context.Context, instance string, f kvstore.DumpFlags) (string, error) {
	h := db.registryH
	if instance != db.opt.RegistryInstance {
		db.mu.RLock()
		h = db.handles[instance]
		db.mu.RUnlock()
		if h == nil {
			return "", fmt.Errorf("crudodb: instance %q is not open", instance)
		}
	}
	var out string
	err := h.view(ctx, func(tx *kvstore.Tx) error {
		out = tx.Dump(f)
		return nil
	})
	return out, err
}
