package kvstore

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestNormalizeKey(t *testing.T) {
	type myString string
	type myInt uint16
	s := "ptr"

	tests := []struct {
		in   any
		want any
	}{
		{int(5), int64(5)},
		{int8(-3), int64(-3)},
		{uint8(200), int64(200)},
		{uint64(math.MaxUint64), uint64(math.MaxUint64)},
		{uint64(7), int64(7)},
		{float32(1.5), float64(1.5)},
		{myString("abc"), "abc"},
		{myInt(9), int64(9)},
		{&s, "ptr"},
	}
	for _, tt := range tests {
		got, err := NormalizeKey(tt.in)
		if err != nil {
			t.Errorf("NormalizeKey(%T %v) failed: %v", tt.in, tt.in, err)
			continue
		}
		deepEqual(t, got, tt.want)
	}

	tm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	got, err := NormalizeKey(tm)
	ok(t, err)
	if got.(time.Time).Location() != time.UTC || !got.(time.Time).Equal(tm) {
		t.Errorf("NormalizeKey(time) = %v, wanted %v in UTC", got, tm)
	}

	_, err = NormalizeKey(nil)
	iserr(t, err, ErrMissingKey)
	_, err = NormalizeKey((*string)(nil))
	iserr(t, err, ErrMissingKey)
	_, err = NormalizeKey(math.NaN())
	iserr(t, err, ErrInvalidKey)
	_, err = NormalizeKey(struct{}{})
	iserr(t, err, ErrInvalidKey)
	_, err = NormalizeKey(true)
	iserr(t, err, ErrInvalidKey)
}

func TestEncodeKeyOrdering(t *testing.T) {
	ordered := []any{
		int64(math.MinInt64), int64(-10), int64(-1), int64(0), int64(1), int64(1 << 40), int64(math.MaxInt64),
	}
	assertOrdered(t, ordered)

	assertOrdered(t, []any{math.Inf(-1), -2.5, -0.5, 0.0, 0.25, 3.0, math.Inf(1)})
	assertOrdered(t, []any{"", "a", "ab", "b", "ba"})
	assertOrdered(t, []any{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 0, 0, 0, 1, time.UTC),
	})
	// numbers < dates < strings < binary
	assertOrdered(t, []any{int64(99), time.Unix(0, 0), "0", []byte{0}})
}

func assertOrdered(t testing.TB, keys []any) {
	t.Helper()
	var prev []byte
	for i, k := range keys {
		raw, err := EncodeKey(nil, k)
		ok(t, err)
		if i > 0 && bytes.Compare(prev, raw) >= 0 {
			t.Errorf("** key %v (%x) does not sort after %v (%x)", k, raw, keys[i-1], prev)
		}
		dec, err := DecodeKey(raw)
		ok(t, err)
		norm, _ := NormalizeKey(k)
		if tm, isTime := norm.(time.Time); isTime {
			if !dec.(time.Time).Equal(tm) {
				t.Errorf("** DecodeKey(%x) = %v, wanted %v", raw, dec, tm)
			}
		} else {
			deepEqual(t, dec, norm)
		}
		prev = raw
	}
}

func TestDecodeKeyErrors(t *testing.T) {
	_, err := DecodeKey(nil)
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("DecodeKey(nil) err = %v, wanted *DataError", err)
	}
	_, err = DecodeKey([]byte{keyTagInt, 1, 2})
	if !errors.As(err, &de) {
		t.Fatalf("DecodeKey(short int) err = %v, wanted *DataError", err)
	}
	_, err = DecodeKey([]byte{0x99, 0, 0, 0, 0, 0, 0, 0, 0})
	if !errors.As(err, &de) {
		t.Fatalf("DecodeKey(bad tag) err = %v, wanted *DataError", err)
	}
}

func TestKeyString(t *testing.T) {
	deepEqual(t, KeyString(must(EncodeKey(nil, "abc"))), `"abc"`)
	deepEqual(t, KeyString(must(EncodeKey(nil, 42))), "42")
	deepEqual(t, KeyString(must(EncodeKey(nil, []byte{0xab}))), "0xab")
	deepEqual(t, KeyString([]byte{0x99}), "<99>")
}

func TestIndexEntryKeyPrefixes(t *testing.T) {
	a := must(EncodeKey(nil, "a"))
	ab := must(EncodeKey(nil, "ab"))
	pk := must(EncodeKey(nil, 1))

	entry := indexEntryKey(nil, a, pk, false)
	if !bytes.HasPrefix(entry, indexEntryPrefix(a)) {
		t.Errorf("** entry %x lacks prefix %x", entry, indexEntryPrefix(a))
	}
	// "a" must not match entries for "ab" even though the raw values share a prefix
	if bytes.HasPrefix(indexEntryKey(nil, ab, pk, false), indexEntryPrefix(a)) {
		t.Errorf("** entry for %q matches prefix of %q", "ab", "a")
	}
	deepEqual(t, indexEntryKey(nil, a, pk, true), indexEntryPrefix(a))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
