package crudodb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/crudodb/kvstore"
)

// Index declares a secondary index of a collection; KeyPath defaults to Name.
type Index = kvstore.IndexSpec

const (
	DefaultKeyField = "id"

	flagField = "flag"
)

// flagIndex is present on every collection. Only dirty rows carry a flag
// attribute, so the index lists exactly the rows waiting to be pushed.
var flagIndex = Index{Name: flagField}

// Schema declares one logical collection living in a shared physical instance.
type Schema struct {
	Collection string  `yaml:"collection"`
	KeyField   string  `yaml:"key_field,omitempty"`
	Instance   string  `yaml:"instance"`
	Version    uint64  `yaml:"version"`
	Indices    []Index `yaml:"indices,omitempty"`

	// Migrate replaces the default index diff when the schema version changes
	// on an existing collection.
	Migrate MigrateFunc `yaml:"-"`
}

// SchemaKey is the default identifier of a logical collection.
func SchemaKey(instance, collection string) string {
	return "custom_schema:" + instance + ":" + collection
}

func (s Schema) Key() string {
	return SchemaKey(s.Instance, s.Collection)
}

func (s Schema) withDefaults() Schema {
	if s.KeyField == "" {
		s.KeyField = DefaultKeyField
	}
	return s
}

func (s Schema) validate(registryInstance string) error {
	switch {
	case s.Collection == "":
		return fmt.Errorf("crudodb: schema has no collection name")
	case s.Instance == "":
		return fmt.Errorf("crudodb: schema %s has no instance name", s.Collection)
	case s.Instance == registryInstance:
		return fmt.Errorf("crudodb: schema %s: instance name %q is reserved", s.Collection, s.Instance)
	case strings.ContainsAny(s.Instance, "/\\:\x00") || s.Instance == "." || s.Instance == "..":
		return fmt.Errorf("crudodb: schema %s: invalid instance name %q", s.Collection, s.Instance)
	case s.Version < 1:
		return fmt.Errorf("crudodb: schema %s: version must be at least 1", s.Collection)
	case s.KeyField == flagField:
		return fmt.Errorf("crudodb: schema %s: %q cannot be the key field", s.Collection, flagField)
	}
	for i, idx := range s.Indices {
		if idx.Name == "" {
			return fmt.Errorf("crudodb: schema %s: index %d has no name", s.Collection, i)
		}
		if idx.Name == flagField {
			return fmt.Errorf("crudodb: schema %s: index name %q is reserved", s.Collection, flagField)
		}
		if slices.ContainsFunc(s.Indices[:i], func(o Index) bool { return o.Name == idx.Name }) {
			return fmt.Errorf("crudodb: schema %s: duplicate index %q", s.Collection, idx.Name)
		}
	}
	return nil
}

// MigrateFunc runs inside the physical upgrade when an existing collection
// changes version. Returning an error (ErrMigrationDeclined, typically)
// aborts the registration with a MigrationError.
type MigrateFunc func(m *Migration) error

type Migration struct {
	Upgrade    *kvstore.Upgrade
	Collection *kvstore.Collection
	Schema     Schema

	// Previous is the registry entry before this change, nil when the
	// registry has no record of the collection.
	Previous *RegistryEntry
}

// DiffIndices applies the default index diff. Hooks that only need to move
// data around can call it to keep the declared indices in sync.
func (m *Migration) DiffIndices() error {
	return diffIndices(m.Collection, m.Schema.Indices)
}
