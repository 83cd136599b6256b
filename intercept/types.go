package intercept

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TypeID indexes a TypeDescriptor within a Catalogue.
type TypeID int

// NoType is used where a descriptor does not reference another type.
const NoType TypeID = -1

// LengthUnspecified is passed as a length when the caller does not know the element count of a value.
const LengthUnspecified = -1

// PointerSize is the byte width of captured target addresses.
const PointerSize = 8

// TypeCode classifies how a value of a type is decoded.
type TypeCode int

const (
	CodeEnum TypeCode = iota
	CodeIntegral
	CodeFloat
	CodeComplex
	CodePointer
	CodeArray
	CodeRecord
	CodeOther
)

func (c TypeCode) String() string {
	switch c {
	case CodeEnum:
		return "enum"
	case CodeIntegral:
		return "integral"
	case CodeFloat:
		return "float"
	case CodeComplex:
		return "complex"
	case CodePointer:
		return "pointer"
	case CodeArray:
		return "array"
	case CodeRecord:
		return "record"
	case CodeOther:
		return "other"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// FieldDescriptor is one member of a record type.
type FieldDescriptor struct {
	Name   string
	Type   TypeID
	Offset int
}

// TypeDescriptor describes the shape and rendering of one value type.
type TypeDescriptor struct {
	Name string
	Code TypeCode
	// Base is the pointee type for pointers and the element type for arrays.
	Base TypeID
	// Pointer is the id of the type "pointer to this type", when one exists.
	Pointer TypeID
	// Size is the byte size of a single instance.
	Size int
	// Length is the element count of a fixed array type.
	Length int
	// Signed selects signed decoding for integral types.
	Signed bool
	Fields []FieldDescriptor
	// Tokens names the values of an enum type.
	Tokens *TokenTable
	// Bits renders an integral type as a bitfield of named flags.
	Bits []BitfieldTag
	// Dumper replaces the default rendering.
	Dumper func(p *Printer, v Value, length int) error
	// DynamicType may refine the type of a value at run time, returning NoType or the same id when it does not.
	DynamicType func(v Value) TypeID
	// LengthOf computes the element count of a variable length value when the caller did not supply one.
	LengthOf func(p *Printer, v Value) int
}

// Value is a captured value: its declared type and the raw little-endian bytes of one instance.
type Value struct {
	Type  TypeID
	Bytes []byte
}

// Uint decodes the value as an unsigned little-endian integer of its byte width.
func (v Value) Uint() uint64 {
	var buf [8]byte
	copy(buf[:], v.Bytes)
	return binary.LittleEndian.Uint64(buf[:])
}

// Int decodes the value as a signed little-endian integer, sign extending from its byte width.
func (v Value) Int() int64 {
	n := len(v.Bytes)
	u := v.Uint()
	if n == 0 || n >= 8 {
		return int64(u)
	}
	shift := uint(64 - 8*n)
	return int64(u<<shift) >> shift
}

// Float decodes a 4 or 8 byte IEEE value.
func (v Value) Float() float64 {
	if len(v.Bytes) == 4 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.Bytes)))
	}
	return math.Float64frombits(v.Uint())
}

// Addr decodes the value as a target address.
func (v Value) Addr() uint64 {
	return v.Uint()
}

// UintValue encodes an unsigned integer of the given byte size.
func UintValue(t TypeID, size int, u uint64) Value {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], u)
	b := make([]byte, size)
	copy(b, buf[:])
	return Value{Type: t, Bytes: b}
}

// IntValue encodes a signed integer of the given byte size.
func IntValue(t TypeID, size int, i int64) Value {
	return UintValue(t, size, uint64(i))
}

// FloatValue encodes a 4 or 8 byte IEEE value.
func FloatValue(t TypeID, size int, f float64) Value {
	if size == 4 {
		return UintValue(t, 4, uint64(math.Float32bits(float32(f))))
	}
	return UintValue(t, 8, math.Float64bits(f))
}

// Catalogue is the table of every type known to the engine.
type Catalogue struct {
	types  []TypeDescriptor
	byName map[string]TypeID
}

// NewCatalogue builds a catalogue, assigning ids in the order given.
func NewCatalogue(types []TypeDescriptor) *Catalogue {
	c := &Catalogue{
		types:  types,
		byName: make(map[string]TypeID, len(types)),
	}
	for i, t := range types {
		if t.Name != "" {
			c.byName[t.Name] = TypeID(i)
		}
	}
	return c
}

// Describe returns the descriptor for a type id.
func (c *Catalogue) Describe(id TypeID) (*TypeDescriptor, bool) {
	if id < 0 || int(id) >= len(c.types) {
		return nil, false
	}
	return &c.types[id], true
}

// Lookup finds a type by its declared name.
func (c *Catalogue) Lookup(name string) (TypeID, bool) {
	id, ok := c.byName[name]
	return id, ok
}

// Len returns the number of types in the catalogue.
func (c *Catalogue) Len() int {
	return len(c.types)
}

// Elem returns element i of an array value.
func (c *Catalogue) Elem(v Value, i int) (Value, bool) {
	d, ok := c.Describe(v.Type)
	if !ok || d.Code != CodeArray || i < 0 || i >= d.Length {
		return Value{}, false
	}
	elem, ok := c.Describe(d.Base)
	if !ok || (i+1)*elem.Size > len(v.Bytes) {
		return Value{}, false
	}
	return Value{Type: d.Base, Bytes: v.Bytes[i*elem.Size : (i+1)*elem.Size]}, true
}

// Field returns field i of a record value.
func (c *Catalogue) Field(v Value, i int) (Value, bool) {
	d, ok := c.Describe(v.Type)
	if !ok || d.Code != CodeRecord || i < 0 || i >= len(d.Fields) {
		return Value{}, false
	}
	f := d.Fields[i]
	fd, ok := c.Describe(f.Type)
	if !ok || f.Offset+fd.Size > len(v.Bytes) {
		return Value{}, false
	}
	return Value{Type: f.Type, Bytes: v.Bytes[f.Offset : f.Offset+fd.Size]}, true
}

func (c *Catalogue) validRef(id TypeID) bool {
	return id == NoType || (id >= 0 && int(id) < len(c.types))
}

// Validate checks that every reference resolves and that sizes agree with type codes.
func (c *Catalogue) Validate() error {
	var errs []error
	for i, t := range c.types {
		fail := func(format string, args ...any) {
			errs = append(errs, fmt.Errorf("type %d (%s): "+format, append([]any{i, t.Name}, args...)...))
		}
		if !c.validRef(t.Base) {
			fail("invalid base type %d", t.Base)
			continue
		} else if !c.validRef(t.Pointer) {
			fail("invalid pointer type %d", t.Pointer)
			continue
		}
		switch t.Code {
		case CodeEnum, CodeIntegral:
			if t.Size != 1 && t.Size != 2 && t.Size != 4 && t.Size != 8 {
				fail("unsupported integer size %d", t.Size)
			}
		case CodeFloat:
			if t.Size != 4 && t.Size != 8 {
				fail("unsupported float size %d", t.Size)
			}
		case CodeComplex:
			if t.Size != 8 && t.Size != 16 {
				fail("unsupported complex size %d", t.Size)
			}
		case CodePointer:
			if t.Size != PointerSize {
				fail("pointer size %d, expected %d", t.Size, PointerSize)
			}
		case CodeArray:
			if t.Base == NoType {
				fail("array without element type")
			} else if elem := c.types[t.Base]; t.Size != t.Length*elem.Size {
				fail("array size %d does not match %d x %d", t.Size, t.Length, elem.Size)
			}
		case CodeRecord:
			for _, f := range t.Fields {
				if f.Type < 0 || int(f.Type) >= len(c.types) {
					fail("field %s has invalid type %d", f.Name, f.Type)
				} else if f.Offset < 0 || f.Offset+c.types[f.Type].Size > t.Size {
					fail("field %s exceeds record size %d", f.Name, t.Size)
				}
			}
		}
	}
	return errors.Join(errs...)
}
