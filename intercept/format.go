package intercept

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Printer renders values of a catalogue into a string builder, following pointers through captured memory.
type Printer struct {
	catalogue *Catalogue
	mem       Memory
	sb        *strings.Builder
}

// NewPrinter returns a Printer writing to sb. mem may be nil, in which case only null pointers can be followed.
func (c *Catalogue) NewPrinter(sb *strings.Builder, mem Memory) *Printer {
	return &Printer{catalogue: c, mem: mem, sb: sb}
}

// FormatValue renders a single value to a string.
func (c *Catalogue) FormatValue(v Value, length int, mem Memory) (string, error) {
	var sb strings.Builder
	err := c.NewPrinter(&sb, mem).Format(v, length)
	return sb.String(), err
}

func (p *Printer) Catalogue() *Catalogue {
	return p.catalogue
}

func (p *Printer) Memory() Memory {
	return p.mem
}

func (p *Printer) Builder() *strings.Builder {
	return p.sb
}

func (p *Printer) WriteString(s string) {
	p.sb.WriteString(s)
}

// Read returns captured target memory.
func (p *Printer) Read(addr uint64, n int) ([]byte, bool) {
	if p.mem == nil || addr == 0 {
		return nil, false
	}
	return p.mem.Read(addr, n)
}

// Format renders v. An explicit length takes precedence over the type's length resolver.
func (p *Printer) Format(v Value, length int) error {
	d, ok := p.catalogue.Describe(v.Type)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, v.Type)
	}
	if d.DynamicType != nil {
		if t := d.DynamicType(v); t != NoType && t != v.Type {
			return p.Format(Value{Type: t, Bytes: v.Bytes}, length)
		}
	}
	if length == LengthUnspecified && d.LengthOf != nil {
		length = d.LengthOf(p, v)
	}
	if d.Dumper != nil {
		return d.Dumper(p, v, length)
	}
	if len(v.Bytes) < d.Size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrValueSize, d.Name, d.Size, len(v.Bytes))
	}
	v.Bytes = v.Bytes[:d.Size]

	switch d.Code {
	case CodeEnum:
		p.formatEnum(d, v)
	case CodeIntegral:
		if d.Bits != nil {
			DumpBitfield(p.sb, v.Uint(), d.Bits)
		} else if d.Signed {
			p.sb.WriteString(strconv.FormatInt(v.Int(), 10))
		} else {
			p.sb.WriteString(strconv.FormatUint(v.Uint(), 10))
		}
	case CodeFloat:
		p.sb.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 8*d.Size))
	case CodeComplex:
		half := d.Size / 2
		re := Value{Bytes: v.Bytes[:half]}
		im := Value{Bytes: v.Bytes[half:]}
		p.sb.WriteByte('(')
		p.sb.WriteString(strconv.FormatFloat(re.Float(), 'g', -1, 8*half))
		p.sb.WriteString(", ")
		p.sb.WriteString(strconv.FormatFloat(im.Float(), 'g', -1, 8*half))
		p.sb.WriteByte(')')
	case CodePointer:
		return p.formatPointer(d, v, length)
	case CodeArray:
		return p.formatElements(Value{Type: d.Base, Bytes: v.Bytes}, LengthUnspecified, d.Length, 0, false)
	case CodeRecord:
		p.sb.WriteString("{ ")
		for i, f := range d.Fields {
			if i > 0 {
				p.sb.WriteString(", ")
			}
			fd, ok := p.catalogue.Describe(f.Type)
			if !ok {
				return fmt.Errorf("field %s: %w: %d", f.Name, ErrUnknownType, f.Type)
			} else if err := p.Format(Value{Type: f.Type, Bytes: v.Bytes[f.Offset : f.Offset+fd.Size]}, LengthUnspecified); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		p.sb.WriteString(" }")
	default:
		p.sb.WriteString("0x")
		p.sb.WriteString(hex.EncodeToString(v.Bytes))
	}
	return nil
}

func (p *Printer) formatEnum(d *TypeDescriptor, v Value) {
	if d.Tokens != nil {
		if name, ok := d.Tokens.Name(v.Uint()); ok {
			p.sb.WriteString(name)
		} else {
			fmt.Fprintf(p.sb, "<unknown token 0x%.4x>", v.Uint())
		}
	} else if d.Signed {
		p.sb.WriteString(strconv.FormatInt(v.Int(), 10))
	} else {
		p.sb.WriteString(strconv.FormatUint(v.Uint(), 10))
	}
}

func (p *Printer) formatPointer(d *TypeDescriptor, v Value, length int) error {
	addr := v.Addr()
	if addr == 0 {
		p.sb.WriteString("NULL")
		return nil
	} else if length == LengthUnspecified || d.Base == NoType {
		fmt.Fprintf(p.sb, "%#x", addr)
		return nil
	}
	base, ok := p.catalogue.Describe(d.Base)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, d.Base)
	}
	data, ok := p.Read(addr, length*base.Size)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnreadablePointer, addr)
	}
	return p.formatElements(Value{Type: d.Base, Bytes: data}, LengthUnspecified, length, addr, true)
}

// FormatExtended renders v as the first of outerLength consecutive values. With LengthUnspecified as the outer
// length this is the same as Format. When addr is given it is printed first as "ADDR -> ".
func (p *Printer) FormatExtended(v Value, length, outerLength int, addr *uint64) error {
	if addr != nil {
		return p.formatElements(v, length, outerLength, *addr, true)
	}
	return p.formatElements(v, length, outerLength, 0, false)
}

func (p *Printer) formatElements(v Value, length, outerLength int, addr uint64, showAddr bool) error {
	if showAddr {
		fmt.Fprintf(p.sb, "%#x -> ", addr)
	}
	if outerLength == LengthUnspecified {
		return p.Format(v, length)
	}
	d, ok := p.catalogue.Describe(v.Type)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, v.Type)
	} else if len(v.Bytes) < outerLength*d.Size {
		return fmt.Errorf("%w: %d x %s needs %d bytes, have %d",
			ErrValueSize, outerLength, d.Name, outerLength*d.Size, len(v.Bytes))
	}
	p.sb.WriteString("{ ")
	for i := 0; i < outerLength; i++ {
		if i > 0 {
			p.sb.WriteString(", ")
		}
		elem := Value{Type: v.Type, Bytes: v.Bytes[i*d.Size : (i+1)*d.Size]}
		if err := p.Format(elem, length); err != nil {
			return err
		}
	}
	p.sb.WriteString(" }")
	return nil
}

// DumpString writes s quoted and escaped, stopping at the first NUL. A nil s is written as NULL.
func DumpString(sb *strings.Builder, s []byte) {
	if s == nil {
		sb.WriteString("NULL")
		return
	}
	sb.WriteByte('"')
	for _, c := range s {
		if c == 0 {
			break
		}
		escapeByte(sb, c)
	}
	sb.WriteByte('"')
}

// DumpStringLength writes exactly length bytes of s quoted and escaped, including any NUL bytes.
func DumpStringLength(sb *strings.Builder, s []byte, length int) {
	if s == nil {
		sb.WriteString("NULL")
		return
	}
	length = min(length, len(s))
	sb.WriteByte('"')
	for _, c := range s[:length] {
		escapeByte(sb, c)
	}
	sb.WriteByte('"')
}

func escapeByte(sb *strings.Builder, c byte) {
	switch c {
	case '"':
		sb.WriteString(`\"`)
	case '\\':
		sb.WriteString(`\\`)
	case '\n':
		sb.WriteString(`\n`)
	case '\r':
		sb.WriteString(`\r`)
	default:
		if c < 0x20 || c == 0x7f {
			fmt.Fprintf(sb, `\%03o`, c)
		} else {
			sb.WriteByte(c)
		}
	}
}

// CountString returns the length of a NUL terminated string including its terminator, 0 for nil.
func CountString(s []byte) int {
	if s == nil {
		return 0
	}
	for i, c := range s {
		if c == 0 {
			return i + 1
		}
	}
	return len(s) + 1
}

// CStringDumper renders a pointer to a NUL terminated string. With an explicit length exactly that many bytes
// are rendered.
func CStringDumper(p *Printer, v Value, length int) error {
	addr := v.Addr()
	if addr == 0 {
		p.sb.WriteString("NULL")
		return nil
	}
	if length != LengthUnspecified {
		data, ok := p.Read(addr, length)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrUnreadablePointer, addr)
		} else if data == nil {
			data = []byte{}
		}
		DumpStringLength(p.sb, data, length)
		return nil
	}
	if p.mem == nil {
		return fmt.Errorf("%w: %#x", ErrUnreadablePointer, addr)
	}
	data, ok := p.mem.ReadCString(addr)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnreadablePointer, addr)
	} else if data == nil {
		data = []byte{}
	}
	DumpString(p.sb, data)
	return nil
}

// BitfieldTag names one flag bit (or multi-bit mask) of a bitfield.
type BitfieldTag struct {
	Bits uint64
	Name string
}

// DumpBitfield writes the names of the flags set in value joined by " | ", followed by any bits no tag accounts
// for as 8 digit hex. A zero value writes nothing.
func DumpBitfield(sb *strings.Builder, value uint64, tags []BitfieldTag) {
	first := true
	for _, tag := range tags {
		if tag.Bits != 0 && value&tag.Bits == tag.Bits {
			if !first {
				sb.WriteString(" | ")
			}
			sb.WriteString(tag.Name)
			first = false
			value &^= tag.Bits
		}
	}
	if value != 0 {
		if !first {
			sb.WriteString(" | ")
		}
		fmt.Fprintf(sb, "%08x", value)
	}
}
