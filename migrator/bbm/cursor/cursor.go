// Package cursor implements an order preserving binary encoding for tuples of key column values. Encoded cursors
// compare with bytes.Compare in the same order as the tuples they represent, which lets batch boundaries be stored
// as opaque byte strings and still be checked for ordering and contiguity.
package cursor

import (
	"bytes"
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a key column value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindTime
	KindUUID
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "bigint"
	case KindTime:
		return "timestamp"
	case KindUUID:
		return "uuid"
	case KindString:
		return "text"
	}
	return "unknown"
}

// ParseKind maps a Postgres column type name to a Kind.
func ParseKind(typ string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "bigint", "int8", "integer", "int", "int4", "smallint", "int2", "bigserial", "serial":
		return KindInt, nil
	case "timestamp", "timestamptz", "timestamp with time zone", "timestamp without time zone":
		return KindTime, nil
	case "uuid":
		return KindUUID, nil
	case "text", "varchar", "character varying":
		return KindString, nil
	}
	return KindNull, fmt.Errorf("unsupported key column type %q", typ)
}

// Shape is the ordered list of key column kinds a cursor must match.
type Shape []Kind

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, k := range s {
		parts[i] = k.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Value is a single typed key column value.
type Value struct {
	kind Kind
	i    int64
	t    time.Time
	u    uuid.UUID
	s    string
}

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Time returns a timestamp value.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// UUID returns a uuid value.
func UUID(v uuid.UUID) Value { return Value{kind: KindUUID, u: v} }

// String returns a text value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Null returns a null value. Nulls sort after every other value, like an ascending index orders them.
func Null() Value { return Value{kind: KindNull} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Int64() int64 { return v.i }

func (v Value) Time() time.Time { return v.t }

func (v Value) UUID() uuid.UUID { return v.u }

func (v Value) Str() string { return v.s }

// Any returns the value as a database/sql query argument.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindTime:
		return v.t
	case KindUUID:
		return v.u
	case KindString:
		return v.s
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprint(v.i)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindUUID:
		return v.u.String()
	case KindString:
		return fmt.Sprintf("%q", v.s)
	}
	return "NULL"
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindTime:
		return v.t.Equal(o.t)
	case KindUUID:
		return v.u == o.u
	case KindString:
		return v.s == o.s
	}
	return true
}

// Cursor is an encoded tuple of key column values.
type Cursor []byte

// String renders the cursor as hex.
func (c Cursor) String() string {
	return hex.EncodeToString(c)
}

// Parse reverses Cursor.String.
func Parse(s string) (Cursor, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parsing cursor: %w", err)
	}
	return b, nil
}

// Value implements driver.Valuer, an empty cursor is stored as NULL.
func (c Cursor) Value() (driver.Value, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return []byte(c), nil
}

// Scan implements sql.Scanner for bytea columns.
func (c *Cursor) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = nil
	case []byte:
		*c = bytes.Clone(v)
	default:
		return fmt.Errorf("cannot scan %T into cursor", src)
	}
	return nil
}

// Compare compares two encoded cursors. The result is 0 if a == b, -1 if a < b, and +1 if a > b.
func Compare(a, b Cursor) int {
	return bytes.Compare(a, b)
}

var (
	// ErrCursorShapeMismatch is returned when a cursor does not decode to the expected shape.
	ErrCursorShapeMismatch = errors.New("cursor shape mismatch")
	// ErrUnsupportedKind is returned when encoding a value of an unknown kind.
	ErrUnsupportedKind = errors.New("unsupported value kind")
)

// CursorShapeMismatchError describes the expected and decoded shape of a cursor that failed to decode.
type CursorShapeMismatchError struct {
	Expected Shape
	Actual   Shape
	Reason   string
}

func (e *CursorShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s: %s", ErrCursorShapeMismatch, e.Expected, e.Actual, e.Reason)
}

func (e *CursorShapeMismatchError) Unwrap() error {
	return ErrCursorShapeMismatch
}

const (
	intTag    byte = 0x02
	timeTag   byte = 0x03
	uuidTag   byte = 0x04
	stringTag byte = 0x05
	nullTag   byte = 0xff

	intZero byte = 0x88

	escape     byte = 0x00
	escaped00  byte = 0xff
	terminator byte = 0x01
)

var kindTags = map[byte]Kind{
	intTag:    KindInt,
	timeTag:   KindTime,
	uuidTag:   KindUUID,
	stringTag: KindString,
	nullTag:   KindNull,
}

// Encode encodes values into a cursor.
func Encode(values []Value) (Cursor, error) {
	buf := make([]byte, 0, 16*len(values))
	for i, v := range values {
		switch v.kind {
		case KindNull:
			buf = append(buf, nullTag)
		case KindInt:
			buf = append(buf, intTag)
			buf = appendVarint(buf, v.i)
		case KindTime:
			buf = append(buf, timeTag)
			buf = appendVarint(buf, v.t.Unix())
			buf = appendVarint(buf, int64(v.t.Nanosecond()))
		case KindUUID:
			buf = append(buf, uuidTag)
			buf = append(buf, v.u[:]...)
		case KindString:
			buf = append(buf, stringTag)
			buf = appendEscaped(buf, v.s)
		default:
			return nil, fmt.Errorf("encoding element %d: %w: %d", i, ErrUnsupportedKind, v.kind)
		}
	}
	return buf, nil
}

// MustEncode is like Encode but panics on error. It is meant for tests and constant cursors.
func MustEncode(values ...Value) Cursor {
	c, err := Encode(values)
	if err != nil {
		panic(err)
	}
	return c
}

// Decode decodes a cursor, validating it against shape. Null elements match any kind.
func Decode(c Cursor, shape Shape) ([]Value, error) {
	values, err := decode(c, len(shape)+1)
	actual := shapeOf(values)
	if err != nil {
		return nil, &CursorShapeMismatchError{Expected: shape, Actual: actual, Reason: err.Error()}
	}
	if len(values) != len(shape) {
		return nil, &CursorShapeMismatchError{
			Expected: shape,
			Actual:   actual,
			Reason:   fmt.Sprintf("expected %d elements, got %d", len(shape), len(values)),
		}
	}
	for i, v := range values {
		if v.kind != KindNull && v.kind != shape[i] {
			return nil, &CursorShapeMismatchError{
				Expected: shape,
				Actual:   actual,
				Reason:   fmt.Sprintf("element %d is %s", i, v.kind),
			}
		}
	}
	return values, nil
}

// DecodeAny decodes a cursor without validating its shape.
func DecodeAny(c Cursor) ([]Value, error) {
	return decode(c, -1)
}

// Format renders the decoded tuple of a cursor, or its hex form if it cannot be decoded.
func Format(c Cursor) string {
	values, err := DecodeAny(c)
	if err != nil {
		return c.String()
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func shapeOf(values []Value) Shape {
	s := make(Shape, len(values))
	for i, v := range values {
		s[i] = v.kind
	}
	return s
}

// decode reads at most limit elements, a negative limit reads until the end of the cursor.
func decode(c Cursor, limit int) ([]Value, error) {
	var values []Value
	b := []byte(c)
	for len(b) > 0 && (limit < 0 || len(values) < limit) {
		kind, ok := kindTags[b[0]]
		if !ok {
			return values, fmt.Errorf("unknown tag 0x%02x at element %d", b[0], len(values))
		}
		b = b[1:]

		var (
			v   Value
			err error
		)
		switch kind {
		case KindNull:
			v = Null()
		case KindInt:
			var i int64
			i, b, err = readVarint(b)
			v = Int(i)
		case KindTime:
			var sec, nsec int64
			sec, b, err = readVarint(b)
			if err == nil {
				nsec, b, err = readVarint(b)
			}
			v = Time(time.Unix(sec, nsec).UTC())
		case KindUUID:
			if len(b) < 16 {
				err = errors.New("truncated uuid")
				break
			}
			var u uuid.UUID
			copy(u[:], b[:16])
			b = b[16:]
			v = UUID(u)
		case KindString:
			var s string
			s, b, err = readEscaped(b)
			v = String(s)
		}
		if err != nil {
			return values, fmt.Errorf("element %d: %w", len(values), err)
		}
		values = append(values, v)
	}
	return values, nil
}

// appendVarint writes a length prefixed big-endian integer. The prefix byte orders integers by sign and magnitude so
// that shorter encodings of smaller magnitudes compare correctly against longer ones.
func appendVarint(b []byte, v int64) []byte {
	if v >= 0 {
		n := (bits.Len64(uint64(v)) + 7) / 8
		b = append(b, intZero+byte(n))
		return appendBigEndian(b, uint64(v), n)
	}
	u := uint64(^v)
	n := (bits.Len64(u) + 7) / 8
	b = append(b, intZero-1-byte(n))
	return appendBigEndian(b, uint64(v), n)
}

func appendBigEndian(b []byte, u uint64, n int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	return append(b, tmp[8-n:]...)
}

func readVarint(b []byte) (int64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, errors.New("truncated integer")
	}
	prefix := b[0]
	b = b[1:]
	switch {
	case prefix >= intZero && prefix <= intZero+8:
		n := int(prefix - intZero)
		if len(b) < n {
			return 0, nil, errors.New("truncated integer")
		}
		var u uint64
		for _, c := range b[:n] {
			u = u<<8 | uint64(c)
		}
		if u > 1<<63-1 {
			return 0, nil, errors.New("integer overflow")
		}
		return int64(u), b[n:], nil
	case prefix < intZero && prefix >= intZero-9:
		n := int(intZero - 1 - prefix)
		if len(b) < n {
			return 0, nil, errors.New("truncated integer")
		}
		u := ^uint64(0)
		for _, c := range b[:n] {
			u = u<<8 | uint64(c)
		}
		return int64(u), b[n:], nil
	}
	return 0, nil, fmt.Errorf("invalid integer prefix 0x%02x", prefix)
}

func appendEscaped(b []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == escape {
			b = append(b, escape, escaped00)
			continue
		}
		b = append(b, s[i])
	}
	return append(b, escape, terminator)
}

func readEscaped(b []byte) (string, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != escape {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, errors.New("truncated string")
		}
		switch b[i+1] {
		case terminator:
			return string(out), b[i+2:], nil
		case escaped00:
			out = append(out, escape)
			i++
		default:
			return "", nil, fmt.Errorf("invalid escape 0x%02x", b[i+1])
		}
	}
	return "", nil, errors.New("unterminated string")
}
