package crudodb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/andreyvit/crudodb/kvstore"
	"github.com/andreyvit/crudodb/remote/remotetest"
)

func TestCreate_noRemote(t *testing.T) {
	ctx := context.Background()
	d := setupTodos(t, setup(t), nil)

	res, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	deepEqual(t, res, todo{ID: "a", Title: "Buy milk"})
	deepEqual(t, flagOfKey(t, d, "a"), FlagCreated)
	deepEqual(t, *must(d.Get(ctx, "a")), todo{ID: "a", Title: "Buy milk"})
}

func TestCreate_storesCanonicalEcho(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Canonicalize = func(item todo) todo {
		item.Title = strings.TrimSpace(item.Title)
		item.Rev++
		return item
	}
	d := setupTodos(t, setup(t), api)

	res, err := d.Create(ctx, todo{ID: "a", Title: "  Buy milk "})
	ok(t, err)
	want := todo{ID: "a", Title: "Buy milk", Rev: 1}
	deepEqual(t, res, want)
	deepEqual(t, flagOfKey(t, d, "a"), FlagClean)
	deepEqual(t, record(t, d, "a").Item, want)
	deepEqual(t, api.Items(), []todo{want})
}

func TestCreate_remoteFailureKeepsFlag(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Fail(remotetest.OpCreate, nil)
	d := setupTodos(t, setup(t), api)

	res, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	deepEqual(t, res, todo{ID: "a", Title: "Buy milk"})
	deepEqual(t, flagOfKey(t, d, "a"), FlagCreated)
	deepEqual(t, api.Calls(remotetest.OpCreate), 1)
	isempty(t, api.Items())
}

func TestCreate_remoteRefusalKeepsFlag(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Refuse(remotetest.OpCreate)
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagCreated)
}

func TestCreate_offlineSkipsRemote(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.SetOnline(false)
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagCreated)
	deepEqual(t, api.Calls(remotetest.OpCreate), 0)
	deepEqual(t, api.OnlineChecks(), 1)
}

func TestCreate_duplicate(t *testing.T) {
	ctx := context.Background()
	d := setupTodos(t, setup(t), nil)

	_, err := d.Create(ctx, todo{ID: "a", Title: "first"})
	ok(t, err)
	_, err = d.Create(ctx, todo{ID: "a", Title: "second"})
	if !errors.Is(err, kvstore.ErrKeyExists) {
		t.Fatalf("** got %v, wanted ErrKeyExists", err)
	}
	deepEqual(t, must(d.Get(ctx, "a")).Title, "first")
}

func TestCreate_overTombstone(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "first"})
	ok(t, err)
	api.SetOnline(false)
	_, err = d.Delete(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagDeleted)

	_, err = d.Create(ctx, todo{ID: "a", Title: "second"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagUpdated)

	api.SetOnline(true)
	_, err = d.Update(ctx, todo{ID: "a", Title: "third"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagClean)
	deepEqual(t, api.Calls(remotetest.OpCreate), 1)
	deepEqual(t, api.Calls(remotetest.OpUpdate), 1)
	deepEqual(t, api.Items(), []todo{{ID: "a", Title: "third"}})
}

func TestUpdate_createdRowStaysCreated(t *testing.T) {
	ctx := context.Background()
	d := setupTodos(t, setup(t), nil)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy oat milk"})
	ok(t, err)
	deepEqual(t, *record(t, d, "a"), Record[todo]{Item: todo{ID: "a", Title: "Buy oat milk"}, Flag: FlagCreated})
}

func TestUpdate_cleanRowBecomesUpdated(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	api.Fail(remotetest.OpUpdate, nil)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy oat milk"})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagUpdated)
	deepEqual(t, api.Items(), []todo{{ID: "a", Title: "Buy milk"}})
}

func TestUpdate_replacesWholeRow(t *testing.T) {
	ctx := context.Background()
	d := setupTodos(t, setup(t), nil)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk", Owner: "ann", Done: true})
	ok(t, err)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy oat milk"})
	ok(t, err)
	deepEqual(t, *must(d.Get(ctx, "a")), todo{ID: "a", Title: "Buy oat milk"})
	deepEqual(t, flagOfKey(t, d, "a"), FlagCreated)
}

func TestUpdate_clearsOmittedFieldOnline(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk", Done: true})
	ok(t, err)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy milk", Done: false})
	ok(t, err)

	deepEqual(t, api.Items(), []todo{{ID: "a", Title: "Buy milk"}})
	deepEqual(t, must(d.Get(ctx, "a")).Done, false)
	deepEqual(t, flagOfKey(t, d, "a"), FlagClean)
}

func TestUpdate_clearsOmittedFieldOffline(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk", Done: true})
	ok(t, err)
	api.SetOnline(false)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy milk", Done: false})
	ok(t, err)
	deepEqual(t, flagOfKey(t, d, "a"), FlagUpdated)
	deepEqual(t, must(d.Get(ctx, "a")).Done, false)

	api.SetOnline(true)
	rep, err := d.Sync(ctx)
	ok(t, err)
	deepEqual(t, rep.Pushed, 1)
	deepEqual(t, api.Items(), []todo{{ID: "a", Title: "Buy milk"}})
	deepEqual(t, must(d.Get(ctx, "a")).Done, false)
	isempty(t, must(d.Dirty(ctx)))
}

func TestUpdate_neverPushedGoesThroughCreate(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.SetOnline(false)
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	api.SetOnline(true)
	_, err = d.Update(ctx, todo{ID: "a", Title: "Buy oat milk"})
	ok(t, err)

	deepEqual(t, api.Calls(remotetest.OpCreate), 1)
	deepEqual(t, api.Calls(remotetest.OpUpdate), 0)
	deepEqual(t, flagOfKey(t, d, "a"), FlagClean)
	deepEqual(t, api.Items(), []todo{{ID: "a", Title: "Buy oat milk"}})
}

func TestUpdate_missing(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Update(ctx, todo{ID: "nope"})
	e := errAs[*ObjectNotFoundError](t, err)
	deepEqual(t, e.Key, any("nope"))

	_, err = d.Create(ctx, todo{ID: "a"})
	ok(t, err)
	api.SetOnline(false)
	_, err = d.Delete(ctx, todo{ID: "a"})
	ok(t, err)
	_, err = d.Update(ctx, todo{ID: "a", Title: "zombie"})
	errAs[*ObjectNotFoundError](t, err)
	deepEqual(t, api.Calls(remotetest.OpUpdate), 0)
}

func TestDelete_tombstoneIsInvisible(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a"})
	ok(t, err)
	_, err = d.Create(ctx, todo{ID: "b"})
	ok(t, err)
	api.Fail(remotetest.OpDelete, nil)

	deleted, err := d.Delete(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, deleted, true)
	isnil(t, must(d.Get(ctx, "a")))
	deepEqual(t, localIDs(t, d), []string{"b"})
	deepEqual(t, must(d.Count(ctx)), 1)
	deepEqual(t, flagOfKey(t, d, "a"), FlagDeleted)
	deepEqual(t, api.Calls(remotetest.OpGet), 0)
}

func TestDelete_confirmedPurges(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a", Title: "Buy milk"})
	ok(t, err)
	deleted, err := d.Delete(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, deleted, true)
	isnil(t, record(t, d, "a"))
	isempty(t, api.Items())
}

func TestDelete_neverPushedRowIsPurged(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.SetOnline(false)
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{ID: "a"})
	ok(t, err)
	api.SetOnline(true)
	deleted, err := d.Delete(ctx, todo{ID: "a"})
	ok(t, err)
	deepEqual(t, deleted, true)
	isnil(t, record(t, d, "a"))
	deepEqual(t, api.Calls(remotetest.OpDelete), 0)
	isempty(t, must(d.Dirty(ctx)))
}

func TestDelete_missing(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	deleted, err := d.Delete(ctx, todo{ID: "nope"})
	ok(t, err)
	deepEqual(t, deleted, false)
	deepEqual(t, api.Calls(remotetest.OpDelete), 0)
}

func TestValidation_emptyKey(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	_, err := d.Create(ctx, todo{Title: "no id"})
	e := errAs[*ValidationError](t, err)
	deepEqual(t, e.Field, "id")
	deepEqual(t, e.Op, "create")
	if !errors.Is(err, kvstore.ErrMissingKey) {
		t.Errorf("** got %v, wanted it to wrap ErrMissingKey", err)
	}

	_, err = d.Update(ctx, todo{Title: "no id"})
	errAs[*ValidationError](t, err)
	_, err = d.Delete(ctx, todo{Title: "no id"})
	errAs[*ValidationError](t, err)
	_, err = d.Get(ctx, "")
	errAs[*ValidationError](t, err)

	deepEqual(t, must(d.Count(ctx)), 0)
	deepEqual(t, api.Calls(remotetest.OpCreate), 0)
}

type flagged struct {
	ID   string `json:"id"`
	Flag string `json:"flag,omitempty"`
}

func TestValidation_reservedFlagField(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	key, err := Register(ctx, db, Registration[flagged]{Schema: Schema{Collection: "flagged", Instance: "app", Version: 1}})
	ok(t, err)
	d := must(DatabaseFor[flagged](db, key))

	_, err = d.Create(ctx, flagged{ID: "a", Flag: "x"})
	e := errAs[*ValidationError](t, err)
	deepEqual(t, e.Field, "flag")
	if !errors.Is(err, ErrReservedField) {
		t.Errorf("** got %v, wanted it to wrap ErrReservedField", err)
	}
	deepEqual(t, must(d.Count(ctx)), 0)

	_, err = d.Create(ctx, flagged{ID: "a"})
	ok(t, err)
	_, err = d.Update(ctx, flagged{ID: "a", Flag: "U"})
	errAs[*ValidationError](t, err)
	deepEqual(t, *must(d.Get(ctx, "a")), flagged{ID: "a"})
}

func TestGet_readThrough(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Seed(todo{ID: "r1", Title: "remote"}, todo{ID: "r2"})
	d := setupTodos(t, setup(t), api)

	deepEqual(t, *must(d.Get(ctx, "r1")), todo{ID: "r1", Title: "remote"})
	isnil(t, record(t, d, "r1"))
	isnil(t, must(d.Get(ctx, "zzz")))
	deepEqual(t, ids(must(d.GetAll(ctx))), []string{"r1", "r2"})
	deepEqual(t, must(d.Count(ctx)), 0)

	_, err := d.Create(ctx, todo{ID: "local"})
	ok(t, err)
	deepEqual(t, localIDs(t, d), []string{"local"})
}

func TestGet_offlineReturnsNothing(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Seed(todo{ID: "r1"})
	api.SetOnline(false)
	d := setupTodos(t, setup(t), api)

	isnil(t, must(d.Get(ctx, "r1")))
	isempty(t, must(d.GetAll(ctx)))
	deepEqual(t, api.Calls(remotetest.OpGet), 0)
	deepEqual(t, api.Calls(remotetest.OpGetAll), 0)
}

func TestGet_remoteFailureIsNotAnError(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Fail(remotetest.OpGet, nil)
	api.Fail(remotetest.OpGetAll, nil)
	d := setupTodos(t, setup(t), api)

	isnil(t, must(d.Get(ctx, "r1")))
	isempty(t, must(d.GetAll(ctx)))
}

func TestGet_numericKeys(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	key, err := Register(ctx, db, Registration[note]{Schema: Schema{Collection: "notes", Instance: "app", Version: 1, KeyField: "num"}})
	ok(t, err)
	d := must(DatabaseFor[note](db, key))

	_, err = d.Create(ctx, note{Num: 42, Text: "answer"})
	ok(t, err)
	deepEqual(t, *must(d.Get(ctx, 42)), note{Num: 42, Text: "answer"})
	deepEqual(t, *must(d.Get(ctx, uint8(42))), note{Num: 42, Text: "answer"})
}

// hookedAPI runs after before returning the remote's answer to Create.
type hookedAPI struct {
	CrudAPI[todo]
	after func()
}

func (h *hookedAPI) Create(ctx context.Context, item todo) (*todo, error) {
	res, err := h.CrudAPI.Create(ctx, item)
	if h.after != nil {
		h.after()
	}
	return res, err
}

func TestWriteBack_skippedWhenRowChanged(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	api.Canonicalize = func(item todo) todo {
		item.Rev = 7
		return item
	}
	hooked := &hookedAPI{CrudAPI: api}
	d := setupTodos(t, setup(t), hooked)

	hooked.after = func() {
		err := d.h.update(ctx, func(tx *kvstore.Tx) error {
			c := must(d.coll(tx))
			return c.Put(withFlag(kvstore.Document{"id": "a", "title": "edited meanwhile"}, FlagUpdated))
		})
		ok(t, err)
	}

	res, err := d.Create(ctx, todo{ID: "a", Title: "original"})
	ok(t, err)
	deepEqual(t, res, todo{ID: "a", Title: "original"})
	deepEqual(t, *record(t, d, "a"), Record[todo]{Item: todo{ID: "a", Title: "edited meanwhile"}, Flag: FlagUpdated})
}

func TestDirty_order(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	d := setupTodos(t, setup(t), api)

	for _, id := range []string{"u", "d", "x"} {
		_, err := d.Create(ctx, todo{ID: id})
		ok(t, err)
	}
	api.SetOnline(false)
	_, err := d.Create(ctx, todo{ID: "c2"})
	ok(t, err)
	_, err = d.Create(ctx, todo{ID: "c1"})
	ok(t, err)
	_, err = d.Update(ctx, todo{ID: "u", Title: "changed"})
	ok(t, err)
	_, err = d.Delete(ctx, todo{ID: "d"})
	ok(t, err)

	var got []string
	for _, rec := range must(d.Dirty(ctx)) {
		got = append(got, string(rec.Flag)+":"+rec.Item.ID)
	}
	deepEqual(t, got, []string{"C:c1", "C:c2", "U:u", "D:d"})
}
