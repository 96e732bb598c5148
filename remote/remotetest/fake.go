// Package remotetest provides an in-memory remote for testing crudodb stores.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/andreyvit/crudodb/kvstore"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpGet    Op = "get"
	OpGetAll Op = "get-all"
)

// ErrUnavailable is the transport error injected by Fail when no specific
// error is given.
var ErrUnavailable = errors.New("remotetest: remote unavailable")

// Fake keeps items in memory, keyed the way kvstore orders keys. It can be
// taken offline, made to fail or refuse specific operations, and records the
// calls it receives.
type Fake[T any] struct {
	// Canonicalize, if set, is applied to items accepted by Create and Update;
	// the result is what gets stored and echoed back.
	Canonicalize func(item T) T

	keyOf func(item T) any

	mu     sync.Mutex
	items  map[string]T
	online bool
	fail   map[Op]error
	failN  map[Op]int
	refuse map[Op]bool
	calls  map[Op]int
	checks int
}

func New[T any](keyOf func(item T) any) *Fake[T] {
	return &Fake[T]{
		keyOf:  keyOf,
		items:  make(map[string]T),
		online: true,
		fail:   make(map[Op]error),
		failN:  make(map[Op]int),
		refuse: make(map[Op]bool),
		calls:  make(map[Op]int),
	}
}

func (f *Fake[T]) rawKey(key any) (string, error) {
	raw, err := kvstore.EncodeKey(nil, key)
	if err != nil {
		return "", fmt.Errorf("remotetest: key %v: %w", key, err)
	}
	return string(raw), nil
}

func (f *Fake[T]) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// Fail makes every subsequent call of op return err (ErrUnavailable if nil)
// until Heal is called.
func (f *Fake[T]) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrUnavailable
	}
	f.fail[op] = err
	delete(f.failN, op)
}

// FailNext makes the next n calls of op fail with err (ErrUnavailable if
// nil); later calls go through.
func (f *Fake[T]) FailNext(op Op, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrUnavailable
	}
	f.fail[op] = err
	f.failN[op] = n
}

// Refuse makes op return a business refusal (nil or false) until Heal.
func (f *Fake[T]) Refuse(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse[op] = true
}

// Heal clears all injected failures and refusals.
func (f *Fake[T]) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.fail)
	clear(f.failN)
	clear(f.refuse)
}

// Seed stores items directly, bypassing call accounting.
func (f *Fake[T]) Seed(items ...T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		k, err := f.rawKey(f.keyOf(item))
		if err != nil {
			panic(err)
		}
		f.items[k] = item
	}
}

// Items returns the stored items in key order.
func (f *Fake[T]) Items() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedLocked()
}

func (f *Fake[T]) sortedLocked() []T {
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.items[k])
	}
	return out
}

func (f *Fake[T]) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake[T]) OnlineChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *Fake[T]) IsOnline(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.online
}

// enter accounts for a call and reports whether it should proceed.
func (f *Fake[T]) enter(ctx context.Context, op Op) (refused bool, err error) {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !f.online {
		return false, ErrUnavailable
	}
	if err := f.fail[op]; err != nil {
		if n, limited := f.failN[op]; limited {
			if n <= 1 {
				delete(f.fail, op)
				delete(f.failN, op)
			} else {
				f.failN[op] = n - 1
			}
		}
		return false, err
	}
	return f.refuse[op], nil
}

func (f *Fake[T]) Create(ctx context.Context, item T) (*T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refused, err := f.enter(ctx, OpCreate); err != nil || refused {
		return nil, err
	}
	return f.storeLocked(item, false)
}

func (f *Fake[T]) Update(ctx context.Context, item T) (*T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refused, err := f.enter(ctx, OpUpdate); err != nil || refused {
		return nil, err
	}
	return f.storeLocked(item, true)
}

func (f *Fake[T]) storeLocked(item T, mustExist bool) (*T, error) {
	if f.Canonicalize != nil {
		item = f.Canonicalize(item)
	}
	k, err := f.rawKey(f.keyOf(item))
	if err != nil {
		return nil, nil
	}
	_, exists := f.items[k]
	if exists != mustExist {
		return nil, nil
	}
	f.items[k] = item
	return &item, nil
}

func (f *Fake[T]) Delete(ctx context.Context, item T) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refused, err := f.enter(ctx, OpDelete); err != nil || refused {
		return false, err
	}
	k, err := f.rawKey(f.keyOf(item))
	if err != nil {
		return false, nil
	}
	if _, exists := f.items[k]; !exists {
		return false, nil
	}
	delete(f.items, k)
	return true, nil
}

func (f *Fake[T]) Get(ctx context.Context, key any) (*T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refused, err := f.enter(ctx, OpGet); err != nil || refused {
		return nil, err
	}
	k, err := f.rawKey(key)
	if err != nil {
		return nil, nil
	}
	item, found := f.items[k]
	if !found {
		return nil, nil
	}
	return &item, nil
}

func (f *Fake[T]) GetAll(ctx context.Context) ([]T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refused, err := f.enter(ctx, OpGetAll); err != nil {
		return nil, err
	} else if refused {
		return []T{}, nil
	}
	return f.sortedLocked(), nil
}
