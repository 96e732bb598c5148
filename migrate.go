package crudodb

import (
	"fmt"

	"github.com/andreyvit/crudodb/kvstore"
)

// migrateCollection brings one collection in line with its schema inside a
// physical upgrade. A missing collection is created with the flag index and
// the declared indices. An existing one goes through the schema's Migrate hook
// or, by default, the index diff. Data is never dropped.
func migrateCollection(up *kvstore.Upgrade, s Schema, prev *RegistryEntry) error {
	if !up.HasCollection(s.Collection) {
		indices := append([]Index{flagIndex}, s.Indices...)
		_, err := up.CreateCollection(s.Collection, s.KeyField, indices...)
		return err
	}

	c, err := up.Collection(s.Collection)
	if err != nil {
		return err
	}
	if c.KeyPath() != s.KeyField {
		return fmt.Errorf("collection %s is keyed by %q, cannot change key field to %q", s.Collection, c.KeyPath(), s.KeyField)
	}
	if s.Migrate != nil {
		err := s.Migrate(&Migration{Upgrade: up, Collection: c, Schema: s, Previous: prev})
		if err != nil {
			return err
		}
		if !c.HasIndex(flagField) {
			return c.CreateIndex(flagIndex)
		}
		return nil
	}
	return diffIndices(c, s.Indices)
}

// diffIndices creates declared indices the collection lacks, drops the ones no
// longer declared and recreates those whose definition changed. The flag
// index is kept regardless.
func diffIndices(c *kvstore.Collection, declared []Index) error {
	for _, cur := range c.Indices() {
		if cur.Name == flagField {
			continue
		}
		want, found := findIndex(declared, cur.Name)
		if found && want.Equal(cur) {
			continue
		}
		if err := c.DeleteIndex(cur.Name); err != nil {
			return err
		}
	}
	for _, want := range declared {
		if c.HasIndex(want.Name) {
			continue
		}
		if err := c.CreateIndex(want); err != nil {
			return err
		}
	}
	if !c.HasIndex(flagField) {
		return c.CreateIndex(flagIndex)
	}
	return nil
}

func findIndex(indices []Index, name string) (Index, bool) {
	for _, idx := range indices {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}
