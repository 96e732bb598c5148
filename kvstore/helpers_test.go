package kvstore

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type engineFactory struct {
	name string
	new  func(t testing.TB) Engine
}

var engines = []engineFactory{
	{"mem", func(t testing.TB) Engine { return NewMemEngine() }},
	{"bolt", func(t testing.TB) Engine { return NewBoltEngine(t.TempDir(), BoltOptions{NoSync: true}) }},
	{"sqlite", func(t testing.TB) Engine { return NewSQLiteEngine(t.TempDir()) }},
}

func forEachEngine(t *testing.T, f func(t *testing.T, eng Engine)) {
	for _, ef := range engines {
		t.Run(ef.name, func(t *testing.T) {
			f(t, ef.new(t))
		})
	}
}

func open(t testing.TB, eng Engine, name string, version uint64, upgrade UpgradeFunc) *Instance {
	t.Helper()
	inst, err := eng.Open(context.Background(), name, version, upgrade)
	if err != nil {
		t.Fatalf("Open(%q, %d) failed: %v", name, version, err)
	}
	t.Cleanup(func() { inst.Close() })
	return inst
}

// setupUsers opens an instance with a "users" collection keyed by "id" with a
// unique "email" index and a plain "team" index.
func setupUsers(t testing.TB, eng Engine) *Instance {
	t.Helper()
	return open(t, eng, "app", 1, func(up *Upgrade) error {
		_, err := up.CreateCollection("users", "id",
			IndexSpec{Name: "email", Unique: true},
			IndexSpec{Name: "team", KeyPath: "team.id"})
		return err
	})
}

func write(t testing.TB, inst *Instance, f func(tx *Tx) error) {
	t.Helper()
	if err := inst.Update(context.Background(), f); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func read(t testing.TB, inst *Instance, f func(tx *Tx) error) {
	t.Helper()
	if err := inst.View(context.Background(), f); err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func coll(t testing.TB, tx *Tx, name string) *Collection {
	t.Helper()
	c, err := tx.Collection(name)
	if err != nil {
		t.Fatalf("Collection(%q) failed: %v", name, err)
	}
	return c
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func iserr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Fatalf("** got error %v, wanted %v", err, target)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func docKeys(t testing.TB, docs []Document, path string) []any {
	t.Helper()
	var out []any
	for _, doc := range docs {
		k, err := doc.Key(path)
		if err != nil {
			t.Fatalf("Key(%q) of %v failed: %v", path, doc, err)
		}
		out = append(out, k)
	}
	return out
}
