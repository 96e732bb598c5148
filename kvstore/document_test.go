package kvstore

import (
	"bytes"
	"testing"
)

func TestDocumentLookup(t *testing.T) {
	doc := Document{
		"id":   "u1",
		"team": map[string]any{"id": 7, "name": nil},
		"tags": []any{"x"},
		"gone": nil,
	}

	v, found := doc.Lookup("team.id")
	if !found || v != 7 {
		t.Errorf("Lookup(team.id) = %v, %v, wanted 7, true", v, found)
	}
	for _, path := range []string{"gone", "team.name", "team.missing", "id.sub", "tags.0", "nope"} {
		if v, found := doc.Lookup(path); found {
			t.Errorf("Lookup(%q) = %v, wanted not found", path, v)
		}
	}

	k, err := doc.Key("team.id")
	ok(t, err)
	deepEqual[any](t, k, int64(7))
	_, err = doc.Key("gone")
	iserr(t, err, ErrMissingKey)
	_, err = doc.Key("tags")
	iserr(t, err, ErrInvalidKey)
}

func TestEncodeDocumentIsDeterministic(t *testing.T) {
	a := Document{"b": 2, "a": "x", "c": map[string]any{"z": 1, "y": int64(2)}}
	b := Document{"c": map[string]any{"y": int8(2), "z": uint32(1)}, "a": "x", "b": int64(2)}

	ra, err := EncodeDocument(a)
	ok(t, err)
	rb, err := EncodeDocument(b)
	ok(t, err)
	if !bytes.Equal(ra, rb) {
		t.Errorf("** encodings differ:\n%x\n%x", ra, rb)
	}

	dec, err := DecodeDocument(ra)
	ok(t, err)
	re, err := EncodeDocument(dec)
	ok(t, err)
	if !bytes.Equal(ra, re) {
		t.Errorf("** re-encoding differs:\n%x\n%x", ra, re)
	}
	deepEqual[any](t, dec["a"], "x")
}

func TestDecodeDocumentGarbage(t *testing.T) {
	_, err := DecodeDocument([]byte{0xc1})
	if err == nil {
		t.Fatalf("DecodeDocument(garbage) succeeded, wanted error")
	}
}

func TestDocumentClone(t *testing.T) {
	doc := Document{"a": 1}
	c := doc.Clone()
	c["a"] = 2
	deepEqual[any](t, doc["a"], 1)
}
