package fit

import (
	"time"
)

// The telemetry epoch: seconds are counted from 1989-12-31T00:00:00Z.
const epochOffsetSeconds int64 = 631065600

// epochTime converts an on-wire timestamp to absolute UTC time.
func epochTime(raw uint32) time.Time {
	return time.Unix(int64(raw)+epochOffsetSeconds, 0).UTC()
}

// Base type identifiers as encoded in definition records. The high bit
// marks multi-byte types subject to architecture byte ordering.
const (
	baseEnum    byte = 0x00
	baseSint8   byte = 0x01
	baseUint8   byte = 0x02
	baseSint16  byte = 0x83
	baseUint16  byte = 0x84
	baseSint32  byte = 0x85
	baseUint32  byte = 0x86
	baseString  byte = 0x07
	baseFloat32 byte = 0x88
	baseFloat64 byte = 0x89
	baseUint8z  byte = 0x0A
	baseUint16z byte = 0x8B
	baseUint32z byte = 0x8C
	baseByte    byte = 0x0D
	baseSint64  byte = 0x8E
	baseUint64  byte = 0x8F
	baseUint64z byte = 0x90
)

// baseTypeSize returns the encoded width of one element of a base type,
// or 0 for unknown types.
func baseTypeSize(baseType byte) int {
	switch baseType {
	case baseEnum, baseSint8, baseUint8, baseUint8z, baseByte, baseString:
		return 1
	case baseSint16, baseUint16, baseUint16z:
		return 2
	case baseSint32, baseUint32, baseUint32z, baseFloat32:
		return 4
	case baseFloat64, baseSint64, baseUint64, baseUint64z:
		return 8
	default:
		return 0
	}
}

// invalidRaw returns the sentinel raw value denoting "field not populated"
// for a base type.
func invalidRaw(baseType byte) uint64 {
	switch baseType {
	case baseEnum, baseUint8, baseByte:
		return 0xFF
	case baseSint8:
		return 0x7F
	case baseSint16:
		return 0x7FFF
	case baseUint16:
		return 0xFFFF
	case baseSint32:
		return 0x7FFFFFFF
	case baseUint32:
		return 0xFFFFFFFF
	case baseSint64:
		return 0x7FFFFFFFFFFFFFFF
	case baseUint64:
		return 0xFFFFFFFFFFFFFFFF
	case baseUint8z, baseUint16z, baseUint32z, baseUint64z:
		return 0
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

// Value is one decoded, unit-resolved field value.
type Value struct {
	value any
}

// NewValue wraps a decoded value. Accepted dynamic types are int64, uint64,
// float64, string, and time.Time.
func NewValue(value any) Value {
	return Value{value: value}
}

// Float64 returns the value as a float64 where the dynamic type allows it.
func (v Value) Float64() (float64, bool) {
	switch value := v.value.(type) {
	case float64:
		return value, true
	case int64:
		return float64(value), true
	case uint64:
		return float64(value), true
	default:
		return 0, false
	}
}

// Int64 returns the value as an int64 where the dynamic type allows it.
func (v Value) Int64() (int64, bool) {
	switch value := v.value.(type) {
	case int64:
		return value, true
	case uint64:
		return int64(value), true
	case float64:
		return int64(value), true
	default:
		return 0, false
	}
}

// AsString returns the value as a string if it is one.
func (v Value) AsString() (string, bool) {
	value, ok := v.value.(string)
	return value, ok
}

// Time returns the value as an absolute timestamp if it is one.
func (v Value) Time() (time.Time, bool) {
	value, ok := v.value.(time.Time)
	return value, ok
}

// Any exposes the raw dynamic value.
func (v Value) Any() any {
	return v.value
}

// Message is one decoded record: a global message number plus its
// unit-resolved fields. Consumed immediately by the normalizer; never
// persisted.
type Message struct {
	MesgNum   uint16
	Name      string
	Fields    map[byte]Value
	Timestamp time.Time
}

// Field returns the value for a field number.
func (m *Message) Field(num byte) (Value, bool) {
	value, ok := m.Fields[num]
	return value, ok
}

// FieldFloat64 returns a field as float64, or the fallback when absent.
func (m *Message) FieldFloat64(num byte, fallback float64) float64 {
	if value, ok := m.Fields[num]; ok {
		if f, ok := value.Float64(); ok {
			return f
		}
	}
	return fallback
}

// FieldInt64 returns a field as int64, or the fallback when absent.
func (m *Message) FieldInt64(num byte, fallback int64) int64 {
	if value, ok := m.Fields[num]; ok {
		if i, ok := value.Int64(); ok {
			return i
		}
	}
	return fallback
}

// FieldTime returns a field as a timestamp, or the zero time when absent.
func (m *Message) FieldTime(num byte) time.Time {
	if value, ok := m.Fields[num]; ok {
		if t, ok := value.Time(); ok {
			return t
		}
	}
	return time.Time{}
}
