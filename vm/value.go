package vm

import (
	"math"
	"strconv"
	"strings"
)

// Value represents a Lumen value using NaN-boxing.
//
// Every value is a 64-bit IEEE 754 double. Non-number values live in the
// quiet NaN space, distinguished by three tag bits. Collectable values carry
// a 48-bit arena handle (32-bit slot index, 16-bit generation) as payload, so
// a Value never holds a Go pointer and a stale handle is detectable.
//
// Encoding scheme:
//   - Number: native IEEE 754 double (NaNs are canonicalized on entry)
//   - Special: quiet NaN + tagSpecial + nil/true/false id
//   - String, Table, Function, Userdata, Coroutine: quiet NaN + tag + handle
//   - Internal: quiet NaN + tagInternal + handle (prototypes, upvalues)
//
// The zero Value is the number 0, not nil. Slices of Values must be filled
// with Nil explicitly.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for the handle
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Canonical NaN: the one NaN pattern numbers are allowed to carry
	canonicalNaN uint64 = 0x7FF8000000000000

	tagSpecial   uint64 = 0x0001000000000000
	tagString    uint64 = 0x0002000000000000
	tagTable     uint64 = 0x0003000000000000
	tagFunction  uint64 = 0x0004000000000000
	tagUserdata  uint64 = 0x0005000000000000
	tagCoroutine uint64 = 0x0006000000000000
	tagInternal  uint64 = 0x0007000000000000
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Type is the dynamic type of a Value as seen by programs.
type Type uint8

const (
	TypeNil Type = iota
	TypeBoolean
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeUserdata
	TypeCoroutine
	typeInternal

	numTypes
)

var typeNames = [...]string{
	TypeNil:       "nil",
	TypeBoolean:   "boolean",
	TypeNumber:    "number",
	TypeString:    "string",
	TypeTable:     "table",
	TypeFunction:  "function",
	TypeUserdata:  "userdata",
	TypeCoroutine: "thread",
	typeInternal:  "proto",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v holds a number.
func (v Value) IsNumber() bool {
	bits := uint64(v)
	if bits&nanBits != nanBits {
		return true
	}
	return bits&tagMask == 0
}

func (v Value) tag() uint64 {
	if v.IsNumber() {
		return 0
	}
	return uint64(v) & tagMask
}

// Type returns the dynamic type of v.
func (v Value) Type() Type {
	switch v.tag() {
	case 0:
		return TypeNumber
	case tagSpecial:
		if v == Nil {
			return TypeNil
		}
		return TypeBoolean
	case tagString:
		return TypeString
	case tagTable:
		return TypeTable
	case tagFunction:
		return TypeFunction
	case tagUserdata:
		return TypeUserdata
	case tagCoroutine:
		return TypeCoroutine
	default:
		return typeInternal
	}
}

// TypeName returns the name programs see for v's type.
func (v Value) TypeName() string { return v.Type().String() }

func (v Value) IsNil() bool       { return v == Nil }
func (v Value) IsBool() bool      { return v == True || v == False }
func (v Value) IsString() bool    { return v.tag() == tagString }
func (v Value) IsTable() bool     { return v.tag() == tagTable }
func (v Value) IsFunction() bool  { return v.tag() == tagFunction }
func (v Value) IsUserdata() bool  { return v.tag() == tagUserdata }
func (v Value) IsCoroutine() bool { return v.tag() == tagCoroutine }

// IsFalsy reports whether v counts as false in a condition: only nil and
// false do.
func (v Value) IsFalsy() bool { return v == Nil || v == False }

// IsCollectable reports whether v refers to a heap object.
func (v Value) IsCollectable() bool {
	t := v.tag()
	return t >= tagString
}

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// FromNumber boxes a float64. Any NaN is replaced by the canonical NaN so it
// cannot collide with a tagged value.
func FromNumber(f float64) Value {
	if f != f {
		return Value(canonicalNaN)
	}
	return Value(math.Float64bits(f))
}

// FromInt boxes an integer as a number.
func FromInt(i int) Value { return FromNumber(float64(i)) }

// FromBool converts a Go bool to True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Number returns the float64 held by v. It panics if v is not a number.
func (v Value) Number() float64 {
	if !v.IsNumber() {
		panic("Value.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// Bool returns the Go truth value of v.
func (v Value) Bool() bool { return !v.IsFalsy() }

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// handle addresses an arena slot: low 32 bits are the slot index, the next
// 16 bits the slot generation at the time the object was created.
type handle uint64

func makeHandle(idx uint32, gen uint16) handle {
	return handle(uint64(idx) | uint64(gen)<<32)
}

func (h handle) index() uint32 { return uint32(h) }
func (h handle) gen() uint16   { return uint16(h >> 32) }

func fromHandle(tag uint64, h handle) Value {
	return Value(nanBits | tag | (uint64(h) & payloadMask))
}

func (v Value) handle() handle { return handle(uint64(v) & payloadMask) }

// rawEqual compares without metamethods. Strings are interned so equal
// contents share a handle.
func rawEqual(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Number() == b.Number()
	}
	return a == b
}

// ---------------------------------------------------------------------------
// Number conversions
// ---------------------------------------------------------------------------

// formatNumber renders a number the way tostring does ("%.14g").
func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f != f:
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// parseNumber converts a string to a number, accepting decimal and
// hexadecimal forms with surrounding whitespace.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	body, neg := s, false
	if body[0] == '-' || body[0] == '+' {
		neg = body[0] == '-'
		body = body[1:]
	}
	if len(body) > 2 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
		n, err := strconv.ParseUint(body[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		f := float64(n)
		if neg {
			f = -f
		}
		return f, true
	}
	for i := 0; i < len(body); i++ {
		if body[i] == '_' {
			return 0, false
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return 0, false
		}
	}
	return f, true
}
