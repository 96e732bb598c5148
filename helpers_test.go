package crudodb

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/andreyvit/crudodb/kvstore"
	"github.com/andreyvit/crudodb/remote/remotetest"
)

type todo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Rev   int    `json:"rev,omitempty"`
}

type note struct {
	Num  int64  `msgpack:"num"`
	Text string `msgpack:"text"`
}

var _ CrudAPI[todo] = (*remotetest.Fake[todo])(nil)
var _ OnlineChecker = (*remotetest.Fake[todo])(nil)

func todoKey(t todo) any { return t.ID }

func newFake() *remotetest.Fake[todo] {
	return remotetest.New(todoKey)
}

func todoSchema(version uint64, indices ...Index) Schema {
	return Schema{Collection: "todos", Instance: "app", Version: version, Indices: indices}
}

func setup(t testing.TB) *DB {
	t.Helper()
	return setupWith(t, Options{Engine: kvstore.NewMemEngine()})
}

func setupWith(t testing.TB, opt Options) *DB {
	t.Helper()
	if opt.RetryInterval == 0 {
		opt.RetryInterval = time.Millisecond
	}
	db, err := Open(context.Background(), opt)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTodos registers the todos schema with the given remote (nil for none)
// and returns its Database.
func setupTodos(t testing.TB, db *DB, api CrudAPI[todo]) *Database[todo] {
	t.Helper()
	key, err := Register(context.Background(), db, Registration[todo]{Schema: todoSchema(1), API: api})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d, err := DatabaseFor[todo](db, key)
	if err != nil {
		t.Fatalf("DatabaseFor failed: %v", err)
	}
	return d
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Fatalf("** got nil %T, wanted non-nil", a)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func errAs[E error](t testing.TB, err error) E {
	t.Helper()
	var target E
	if !errors.As(err, &target) {
		t.Fatalf("** got error %v, wanted %T", err, target)
	}
	return target
}

func record(t testing.TB, d *Database[todo], key string) *Record[todo] {
	t.Helper()
	rec, err := d.GetRecord(context.Background(), key)
	ok(t, err)
	return rec
}

func flagOfKey(t testing.TB, d *Database[todo], key string) Flag {
	t.Helper()
	rec := record(t, d, key)
	if rec == nil {
		t.Fatalf("** no local row %q", key)
	}
	return rec.Flag
}

func ids(items []todo) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	slices.Sort(out)
	return out
}

func localIDs(t testing.TB, d *Database[todo]) []string {
	t.Helper()
	return ids(must(d.GetAll(context.Background())))
}

func indexNames(t testing.TB, db *DB, key string) []string {
	t.Helper()
	d, err := DatabaseFor[todo](db, key)
	ok(t, err)
	var names []string
	err = d.h.view(context.Background(), func(tx *kvstore.Tx) error {
		c, err := tx.Collection(d.schema.Collection)
		if err != nil {
			return err
		}
		names = c.IndexNames()
		return nil
	})
	ok(t, err)
	return names
}
