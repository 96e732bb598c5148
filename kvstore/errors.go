package kvstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingKey         = errors.New("missing key")
	ErrInvalidKey         = errors.New("invalid key")
	ErrKeyExists          = errors.New("key already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrIndexNotFound      = errors.New("index not found")
	ErrReadOnly           = errors.New("transaction is read-only")
	ErrClosed             = errors.New("instance closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}

// CollectionError describes a failure tied to a collection, optionally
// narrowed down to an index and a primary key.
type CollectionError struct {
	Collection string
	Index      string
	Key        []byte
	Msg        string
	Err        error
}

func collErrf(coll, idx string, key []byte, err error, format string, args ...any) error {
	return &CollectionError{coll, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(KeyString(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ConstraintError reports a unique index violation.
type ConstraintError struct {
	Collection string
	Index      string
	Value      any
	Existing   any // primary key of the row already holding Value
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s.%s: unique constraint violated by value %v (already used by %v)", e.Collection, e.Index, e.Value, e.Existing)
}

// VersionError is returned when an instance is opened at a version lower than
// the one it is stored at.
type VersionError struct {
	Instance  string
	Requested uint64
	Stored    uint64
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: requested version %d is less than the stored version %d", e.Instance, e.Requested, e.Stored)
}
