package crudodb

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrClosed = errors.New("crudodb: closed")

	// ErrMigrationDeclined can be returned by a MigrateFunc to refuse a
	// schema change it cannot handle.
	ErrMigrationDeclined = errors.New("migration declined")

	// ErrReservedField is reported for items that carry a value in the
	// "flag" attribute, which holds the sync state of a row.
	ErrReservedField = errors.New(`field "flag" is reserved`)
)

// ValidationError is returned when a write carries no usable key.
type ValidationError struct {
	Store string
	Op    string
	Field string
	Err   error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crudodb: %s: %s: invalid key field %q: %v", e.Store, e.Op, e.Field, e.Err)
	}
	return fmt.Sprintf("crudodb: %s: %s: invalid key field %q", e.Store, e.Op, e.Field)
}

type ObjectNotFoundError struct {
	Store string
	Key   any
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("crudodb: %s: object %v not found", e.Store, e.Key)
}

type NotRegisteredError struct {
	Key string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("crudodb: schema %q is not registered", e.Key)
}

// TypeMismatchError is returned when a store is addressed with an item type
// other than the one it was registered with.
type TypeMismatchError struct {
	Key  string
	Want reflect.Type
	Have reflect.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("crudodb: schema %q holds %v, not %v", e.Key, e.Have, e.Want)
}

type MigrationError struct {
	Key      string
	Instance string
	From     uint64
	To       uint64
	Err      error
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("crudodb: %s: migrating instance %s from v%d to v%d: %v", e.Key, e.Instance, e.From, e.To, e.Err)
}

// RemoteError describes a failed remote call. It is only ever logged and
// reported by Sync, never returned from CRUD operations.
type RemoteError struct {
	Store string
	Op    string
	Key   any
	Err   error
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Error() string {
	msg := "rejected"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Key != nil {
		return fmt.Sprintf("crudodb: %s: remote %s %v: %s", e.Store, e.Op, e.Key, msg)
	}
	return fmt.Sprintf("crudodb: %s: remote %s: %s", e.Store, e.Op, msg)
}
