package crudodb

import (
	"bytes"
	"fmt"

	"github.com/andreyvit/crudodb/kvstore"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Flag marks a record with a local mutation that the remote side has not
// seen yet.
type Flag string

const (
	FlagClean   Flag = ""
	FlagCreated Flag = "C"
	FlagUpdated Flag = "U"
	FlagDeleted Flag = "D"
)

func (f Flag) Dirty() bool {
	return f != FlagClean
}

func (f Flag) String() string {
	if f == FlagClean {
		return "clean"
	}
	return string(f)
}

// Record is an item together with its sync state.
type Record[T any] struct {
	Item T
	Flag Flag
}

// toDocument converts an item into the map form stored by kvstore. Field
// names follow msgpack tags, falling back to json tags.
func toDocument[T any](item T) (kvstore.Document, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(item); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", item, err)
	}

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&buf)
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%T does not encode as a map: %w", item, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%T encodes as nil", item)
	}
	return kvstore.Document(m), nil
}

// fromDocument is the inverse of toDocument. The flag attribute is returned
// separately and never reaches T.
func fromDocument[T any](doc kvstore.Document) (T, Flag, error) {
	var item T
	flag := flagOf(doc)
	if _, found := doc[flagField]; found {
		doc = doc.Clone()
		delete(doc, flagField)
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return item, flag, err
	}

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&buf)
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&item); err != nil {
		return item, flag, fmt.Errorf("decoding %T: %w", item, err)
	}
	return item, flag, nil
}

func flagOf(doc kvstore.Document) Flag {
	if doc == nil {
		return FlagClean
	}
	s, _ := doc[flagField].(string)
	return Flag(s)
}

func withFlag(doc kvstore.Document, flag Flag) kvstore.Document {
	doc = doc.Clone()
	if flag == FlagClean {
		delete(doc, flagField)
	} else {
		doc[flagField] = string(flag)
	}
	return doc
}

// digest identifies the content of a row regardless of its flag.
func digest(doc kvstore.Document) (uint64, error) {
	if _, found := doc[flagField]; found {
		doc = withFlag(doc, FlagClean)
	}
	raw, err := kvstore.EncodeDocument(doc)
	if err != nil {
		return 0, fmt.Errorf("digest: %w", err)
	}
	return xxhash.Sum64(raw), nil
}

func sameKey(a, b any) bool {
	ra, err := kvstore.EncodeKey(nil, a)
	if err != nil {
		return false
	}
	rb, err := kvstore.EncodeKey(nil, b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
