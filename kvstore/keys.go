package kvstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Key tags keep values of different types apart and order them
// numbers < dates < strings < binary, the way IndexedDB compares keys.
const (
	keyTagInt    = 0x20
	keyTagUint   = 0x21
	keyTagFloat  = 0x22
	keyTagTime   = 0x30
	keyTagString = 0x40
	keyTagBytes  = 0x50
)

var timeType = reflect.TypeOf((*time.Time)(nil)).Elem()

// NormalizeKey converts a key or index value into one of the canonical key
// types: int64, uint64 (only above math.MaxInt64), float64, time.Time, string
// or []byte. Integers of any width compare equal by value.
func NormalizeKey(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, ErrMissingKey
	case string:
		return v, nil
	case []byte:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return normalizeUint(uint64(v)), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v), nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case time.Time:
		return v.UTC(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, ErrMissingKey
		}
		return NormalizeKey(rv.Elem().Interface())
	}
	if rv.Type().ConvertibleTo(timeType) {
		return rv.Convert(timeType).Interface().(time.Time).UTC(), nil
	}
	return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, v)
}

func normalizeUint(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

func normalizeFloat(v float64) (any, error) {
	if math.IsNaN(v) {
		return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
	}
	return v, nil
}

// EncodeKey normalizes a key and appends its ordered binary form to buf.
func EncodeKey(buf []byte, key any) ([]byte, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	return appendKey(buf, key), nil
}

// appendKey expects a normalized key.
func appendKey(buf []byte, key any) []byte {
	switch k := key.(type) {
	case int64:
		buf = append(buf, keyTagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(k)^(1<<63))
	case uint64:
		buf = append(buf, keyTagUint)
		return binary.BigEndian.AppendUint64(buf, k)
	case float64:
		bits := math.Float64bits(k)
		if k < 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf = append(buf, keyTagFloat)
		return binary.BigEndian.AppendUint64(buf, bits)
	case time.Time:
		buf = append(buf, keyTagTime)
		return binary.BigEndian.AppendUint64(buf, uint64(k.UnixNano())^(1<<63))
	case string:
		buf = append(buf, keyTagString)
		return append(buf, k...)
	case []byte:
		buf = append(buf, keyTagBytes)
		return append(buf, k...)
	default:
		panic(fmt.Errorf("appendKey: key not normalized: %T", key))
	}
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, dataErrf(raw, 0, nil, "empty key")
	}
	tag, data := raw[0], raw[1:]
	switch tag {
	case keyTagString:
		return string(data), nil
	case keyTagBytes:
		return append([]byte(nil), data...), nil
	}
	if len(data) != 8 {
		return nil, dataErrf(raw, 1, nil, "invalid key: expected 8 bytes after tag %x", tag)
	}
	u := binary.BigEndian.Uint64(data)
	switch tag {
	case keyTagInt:
		return int64(u ^ (1 << 63)), nil
	case keyTagUint:
		return u, nil
	case keyTagFloat:
		if u&(1<<63) != 0 {
			u &^= 1 << 63
		} else {
			u = ^u
		}
		return math.Float64frombits(u), nil
	case keyTagTime:
		return time.Unix(0, int64(u^(1<<63))).UTC(), nil
	default:
		return nil, dataErrf(raw, 0, nil, "invalid key tag %x", tag)
	}
}

// KeyString renders a raw key for logs and dumps.
func KeyString(raw []byte) string {
	k, err := DecodeKey(raw)
	if err != nil {
		return "<" + hexstr(raw) + ">"
	}
	switch k := k.(type) {
	case string:
		return strconv.Quote(k)
	case []byte:
		return "0x" + hex.EncodeToString(k)
	case time.Time:
		return k.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(k)
	}
}

// indexEntryKey builds the key of an index row: the length-prefixed index
// value, followed by the primary key for non-unique indices. The length prefix
// makes an exact-value lookup a plain prefix scan.
func indexEntryKey(buf []byte, valueRaw, primaryRaw []byte, unique bool) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(valueRaw)))
	buf = append(buf, valueRaw...)
	if !unique {
		buf = append(buf, primaryRaw...)
	}
	return buf
}

func indexEntryPrefix(valueRaw []byte) []byte {
	return indexEntryKey(nil, valueRaw, nil, true)
}
