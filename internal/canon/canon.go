// Package canon implements the canonical deterministic binary encoding
// shared by the change-event codec (spec §4.3) and the Merkle hashing
// rules (spec §4.8). The encoding is a function only of a value's
// semantic content: fixed type tags, minimal-width integers via varint,
// no platform-dependent padding, and map keys sorted by their own
// encoded bytes. Two implementations that encode the same logical value
// must produce byte-identical output (spec invariant I5).
package canon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Kind tags the type of an encoded Value. Values are small and fixed so
// the wire format never depends on struct layout or map iteration order.
type Kind byte

const (
	KindNil Kind = iota
	KindBoolFalse
	KindBoolTrue
	KindInt
	KindText
	KindBytes
	KindList
	KindMap
	KindFloat
)

// Value is the canonical in-memory representation encoded by this
// package. Construct one with the Bool/Int/Text/Bytes/List/Map/Float
// helpers below.
type Value struct {
	kind  Kind
	i     int64
	f     float64
	s     string
	b     []byte
	items []Value
	pairs []Pair
}

// Pair is a single map entry prior to canonical key-sort.
type Pair struct {
	Key Value
	Val Value
}

func Nil() Value             { return Value{kind: KindNil} }
func Bool(v bool) Value {
	if v {
		return Value{kind: KindBoolTrue}
	}
	return Value{kind: KindBoolFalse}
}
func Int(v int64) Value      { return Value{kind: KindInt, i: v} }
func Text(v string) Value    { return Value{kind: KindText, s: v} }
func Bytes(v []byte) Value   { return Value{kind: KindBytes, b: v} }
func List(items ...Value) Value { return Value{kind: KindList, items: items} }
func Map(pairs ...Pair) Value { return Value{kind: KindMap, pairs: pairs} }

// Float normalizes NaN and canonicalizes the sign of the two possible
// NaN bit patterns so that any NaN value encodes identically across
// implementations; +/-Inf are already canonical under IEEE-754.
func Float(v float64) Value {
	if math.IsNaN(v) {
		v = math.NaN() // canonical quiet NaN bit pattern
	}
	return Value{kind: KindFloat, f: v}
}

var (
	ErrTruncated    = errors.New("canon: truncated input")
	ErrUnknownKind  = errors.New("canon: unknown type tag")
	ErrNotUTF8      = errors.New("canon: text is not valid UTF-8")
)

// Encode serializes v into its canonical byte form.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.kind {
	case KindNil:
		return append(buf, byte(KindNil))
	case KindBoolFalse:
		return append(buf, byte(KindBoolFalse))
	case KindBoolTrue:
		return append(buf, byte(KindBoolTrue))
	case KindInt:
		buf = append(buf, byte(KindInt))
		return appendVarint(buf, v.i)
	case KindText:
		buf = append(buf, byte(KindText))
		data := []byte(v.s)
		buf = appendUvarint(buf, uint64(len(data)))
		return append(buf, data...)
	case KindBytes:
		buf = append(buf, byte(KindBytes))
		buf = appendUvarint(buf, uint64(len(v.b)))
		return append(buf, v.b...)
	case KindList:
		buf = append(buf, byte(KindList))
		buf = appendUvarint(buf, uint64(len(v.items)))
		for _, item := range v.items {
			buf = appendValue(buf, item)
		}
		return buf
	case KindMap:
		encodedPairs := make([][2][]byte, len(v.pairs))
		for i, p := range v.pairs {
			encodedPairs[i] = [2][]byte{appendValue(nil, p.Key), appendValue(nil, p.Val)}
		}
		sort.Slice(encodedPairs, func(i, j int) bool {
			return lessBytes(encodedPairs[i][0], encodedPairs[j][0])
		})
		buf = append(buf, byte(KindMap))
		buf = appendUvarint(buf, uint64(len(encodedPairs)))
		for _, kv := range encodedPairs {
			buf = append(buf, kv[0]...)
			buf = append(buf, kv[1]...)
		}
		return buf
	case KindFloat:
		buf = append(buf, byte(KindFloat))
		var bits uint64
		if math.IsNaN(v.f) {
			bits = 0x7ff8000000000000 // canonical quiet NaN
		} else {
			bits = math.Float64bits(v.f)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], bits)
		return append(buf, tmp[:]...)
	default:
		panic(fmt.Sprintf("canon: unhandled kind %d", v.kind))
	}
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func appendVarint(buf []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Decode parses a single canonical value from the front of b, returning
// the value and the number of bytes consumed. Decode never panics, even
// on arbitrary/fuzzed input: all error paths return ErrTruncated or
// ErrUnknownKind.
func Decode(b []byte) (v Value, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, n, err = Value{}, 0, ErrTruncated
		}
	}()
	return decodeValue(b)
}

func decodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, ErrTruncated
	}
	kind := Kind(b[0])
	rest := b[1:]
	consumed := 1

	switch kind {
	case KindNil:
		return Value{kind: KindNil}, consumed, nil
	case KindBoolFalse:
		return Value{kind: KindBoolFalse}, consumed, nil
	case KindBoolTrue:
		return Value{kind: KindBoolTrue}, consumed, nil
	case KindInt:
		val, n := binary.Varint(rest)
		if n <= 0 {
			return Value{}, 0, ErrTruncated
		}
		return Value{kind: KindInt, i: val}, consumed + n, nil
	case KindText:
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			return Value{}, 0, ErrTruncated
		}
		rest = rest[n:]
		consumed += n
		if uint64(len(rest)) < length {
			return Value{}, 0, ErrTruncated
		}
		data := rest[:length]
		return Value{kind: KindText, s: string(data)}, consumed + int(length), nil
	case KindBytes:
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			return Value{}, 0, ErrTruncated
		}
		rest = rest[n:]
		consumed += n
		if uint64(len(rest)) < length {
			return Value{}, 0, ErrTruncated
		}
		data := make([]byte, length)
		copy(data, rest[:length])
		return Value{kind: KindBytes, b: data}, consumed + int(length), nil
	case KindList:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return Value{}, 0, ErrTruncated
		}
		rest = rest[n:]
		consumed += n
		items := make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			item, m, err := decodeValue(rest)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			rest = rest[m:]
			consumed += m
		}
		return Value{kind: KindList, items: items}, consumed, nil
	case KindMap:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return Value{}, 0, ErrTruncated
		}
		rest = rest[n:]
		consumed += n
		pairs := make([]Pair, 0, count)
		for i := uint64(0); i < count; i++ {
			key, m, err := decodeValue(rest)
			if err != nil {
				return Value{}, 0, err
			}
			rest = rest[m:]
			consumed += m
			val, m2, err := decodeValue(rest)
			if err != nil {
				return Value{}, 0, err
			}
			rest = rest[m2:]
			consumed += m2
			pairs = append(pairs, Pair{Key: key, Val: val})
		}
		return Value{kind: KindMap, pairs: pairs}, consumed, nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, 0, ErrTruncated
		}
		bits := binary.BigEndian.Uint64(rest[:8])
		return Value{kind: KindFloat, f: math.Float64frombits(bits)}, consumed + 8, nil
	default:
		return Value{}, 0, ErrUnknownKind
	}
}

// Accessors used by decoders that know the expected shape.

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case KindBoolTrue:
		return true, true
	case KindBoolFalse:
		return false, true
	default:
		return false, false
	}
}
func (v Value) Int() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}
func (v Value) Text() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.s, true
}
func (v Value) BytesVal() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.b, true
}
func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.items, true
}
func (v Value) Float() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}
