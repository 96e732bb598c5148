package crudodb

import (
	"context"
	"slices"
	"time"

	"github.com/andreyvit/crudodb/kvstore"
)

const (
	registryCollection = "stores"
	registryVersion    = 1
	registryByInstance = "instance"
)

// RegistryEntry records a registered schema and the version its physical
// instance was opened at.
type RegistryEntry struct {
	ID               string    `msgpack:"id" json:"id"`
	Collection       string    `msgpack:"collection" json:"collection"`
	KeyField         string    `msgpack:"keyField" json:"keyField"`
	Instance         string    `msgpack:"instance" json:"instance"`
	Indices          []Index   `msgpack:"indices" json:"indices"`
	RequestedVersion uint64    `msgpack:"requestedVersion" json:"requestedVersion"`
	AggregateVersion uint64    `msgpack:"aggregateVersion" json:"aggregateVersion"`
	UpdatedAt        time.Time `msgpack:"updatedAt" json:"updatedAt"`
}

func registrySchema(instance string) Schema {
	return Schema{
		Collection: registryCollection,
		KeyField:   "id",
		Instance:   instance,
		Version:    registryVersion,
		Indices:    []Index{{Name: registryByInstance}},
	}
}

// registry is the Schema Registry: a local-only Database of entries.
type registry struct {
	*Database[RegistryEntry]
}

func openRegistry(ctx context.Context, instance string, engine kvstore.Engine, env *env) (*registry, *handle, error) {
	s := registrySchema(instance)
	h := newHandle(instance, engine, env.logger)
	v, err := h.version(ctx)
	if err != nil {
		return nil, nil, err
	}
	if v < registryVersion {
		err = h.upgrade(ctx, registryVersion, func(up *kvstore.Upgrade) error {
			return migrateCollection(up, s, nil)
		})
		if err != nil {
			h.close()
			return nil, nil, &MigrationError{Key: s.Key(), Instance: instance, From: v, To: registryVersion, Err: err}
		}
	}
	db := newDatabase[RegistryEntry](s.Key(), s, h, nil, env)
	return &registry{db}, h, nil
}

func (r *registry) entry(ctx context.Context, key string) (*RegistryEntry, error) {
	rec, err := r.GetRecord(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return &rec.Item, nil
}

// siblings returns the entries sharing a physical instance, in key order.
func (r *registry) siblings(ctx context.Context, instance string) ([]RegistryEntry, error) {
	return r.lookup(ctx, registryByInstance, instance)
}

func (r *registry) save(ctx context.Context, entries ...RegistryEntry) error {
	return r.putClean(ctx, entries...)
}

func sumRequested(entries []RegistryEntry, except string) uint64 {
	var sum uint64
	for _, e := range entries {
		if e.ID != except {
			sum += e.RequestedVersion
		}
	}
	return sum
}

func sameIndices(a, b []Index) bool {
	return slices.EqualFunc(a, b, Index.Equal)
}
