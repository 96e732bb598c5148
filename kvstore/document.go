package kvstore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Document is the unit stored in a collection: a msgpack-encodable map whose
// fields are addressed by key paths ("id", "owner.id").
type Document map[string]any

// Lookup resolves a dotted key path. Missing fields and nil values both
// report ok == false.
func (doc Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, comp := range strings.Split(path, ".") {
		m, isMap := asStringMap(cur)
		if !isMap {
			return nil, false
		}
		v, found := m[comp]
		if !found || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Key returns the normalized primary key under keyPath.
func (doc Document) Key(keyPath string) (any, error) {
	v, ok := doc.Lookup(keyPath)
	if !ok {
		return nil, fmt.Errorf("%w: no value at %q", ErrMissingKey, keyPath)
	}
	return NormalizeKey(v)
}

// Clone returns a shallow copy of the top-level fields.
func (doc Document) Clone() Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// EncodeDocument produces a deterministic msgpack encoding: map keys are
// sorted and integers use their most compact form, so two documents with equal
// content always encode to equal bytes.
func EncodeDocument(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, fmt.Errorf("failed to encode document using MsgPack: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDocument is the inverse of EncodeDocument.
func DecodeDocument(raw []byte) (Document, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(raw))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, dataErrf(raw, 0, err, "failed to decode msgpack document")
	}
	return Document(m), nil
}
