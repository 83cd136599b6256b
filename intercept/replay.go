package intercept

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScriptCall is one call of a call script.
type ScriptCall struct {
	Call string `yaml:"call"`
	Args []any  `yaml:"args"`
	// Thread selects the replay thread, calls with the same number share a thread binding.
	Thread int `yaml:"thread"`
	// Expect, when set, is compared with the formatted return value.
	Expect string `yaml:"expect"`
}

// CallScript is a named sequence of calls.
type CallScript struct {
	Name  string
	Calls []ScriptCall
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Calls      int
	Suppressed int
	Mismatches []string
}

// ParseCallScript parses a YAML list of calls.
func ParseCallScript(name string, data []byte) (*CallScript, error) {
	var calls []ScriptCall
	if err := yaml.Unmarshal(data, &calls); err != nil {
		return nil, fmt.Errorf("parse call script %s failed: %w", name, err)
	}
	for i, c := range calls {
		if c.Call == "" {
			return nil, fmt.Errorf("call script %s entry %d has no call", name, i)
		}
	}
	return &CallScript{Name: name, Calls: calls}, nil
}

// LoadCallScripts reads and parses the script files concurrently, returning them in the order given.
func LoadCallScripts(paths []string) ([]*CallScript, error) {
	scripts := make([]*CallScript, len(paths))
	errGroup := ErrGroupLimitCPU()
	for i, path := range paths {
		errGroup.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read call script failed: %w", err)
			}
			scripts[i], err = ParseCallScript(path, data)
			return err
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	return scripts, nil
}

// BuildCall encodes the literal arguments of a script call into a captured call. Strings and lists passed to
// pointer parameters are placed in mem.
func (ft *FunctionTable) BuildCall(sc ScriptCall, mem *MemoryImage) (*Call, error) {
	id, ok := ft.Lookup(sc.Call)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, sc.Call)
	}
	_, g, err := ft.Signature(id)
	if err != nil {
		return nil, err
	} else if len(sc.Args) != len(g.Params) {
		return nil, fmt.Errorf("%w: %s takes %d, script has %d", ErrArityMismatch, sc.Call, len(g.Params), len(sc.Args))
	}
	enc := &literalEncoder{catalogue: ft.catalogue, mem: mem}
	call := &Call{Function: id, Args: make([]Value, len(sc.Args)), Memory: mem}
	for i, lit := range sc.Args {
		pd := &g.Params[i]
		t := pd.Type
		if pd.DynamicType != nil {
			// earlier arguments are already encoded, which is all a sibling lookup needs
			if dt := pd.DynamicType(call, i, Value{Type: pd.Type}); dt != NoType {
				t = dt
			}
		}
		if call.Args[i], err = enc.encode(t, lit); err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", sc.Call, i, err)
		}
		call.Args[i].Type = pd.Type
	}
	return call, nil
}

type literalEncoder struct {
	catalogue *Catalogue
	mem       *MemoryImage
}

func (e *literalEncoder) encode(t TypeID, lit any) (Value, error) {
	d, ok := e.catalogue.Describe(t)
	if !ok {
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	switch d.Code {
	case CodeEnum:
		if name, ok := lit.(string); ok && d.Tokens != nil {
			if v, ok := d.Tokens.Value(name); ok {
				return UintValue(t, d.Size, v), nil
			}
		}
		u, err := literalUint(lit)
		return UintValue(t, d.Size, u), err
	case CodeIntegral:
		if s, ok := lit.(string); ok && d.Bits != nil {
			u, err := parseBitfield(s, d.Bits)
			return UintValue(t, d.Size, u), err
		}
		u, err := literalUint(lit)
		return UintValue(t, d.Size, u), err
	case CodeFloat:
		f, err := literalFloat(lit)
		return FloatValue(t, d.Size, f), err
	case CodeComplex:
		parts, ok := lit.([]any)
		if !ok || len(parts) != 2 {
			return Value{}, fmt.Errorf("complex literal must be [re, im]")
		}
		re, err1 := literalFloat(parts[0])
		im, err2 := literalFloat(parts[1])
		half := d.Size / 2
		b := append(FloatValue(t, half, re).Bytes, FloatValue(t, half, im).Bytes...)
		return Value{Type: t, Bytes: b}, errors.Join(err1, err2)
	case CodePointer:
		addr, err := e.encodePointee(d, lit)
		return UintValue(t, PointerSize, addr), err
	case CodeArray:
		items, ok := lit.([]any)
		if !ok || len(items) != d.Length {
			return Value{}, fmt.Errorf("array %s needs a list of %d", d.Name, d.Length)
		}
		b, err := e.encodeElements(d.Base, items)
		return Value{Type: t, Bytes: b}, err
	case CodeRecord:
		b, err := e.encodeRecord(d, lit)
		return Value{Type: t, Bytes: b}, err
	default:
		u, err := literalUint(lit)
		return UintValue(t, d.Size, u), err
	}
}

func (e *literalEncoder) encodePointee(d *TypeDescriptor, lit any) (uint64, error) {
	if lit == nil {
		return 0, nil
	} else if d.Base == NoType {
		return literalUint(lit)
	}
	base, _ := e.catalogue.Describe(d.Base)
	var data []byte
	var err error
	switch v := lit.(type) {
	case string:
		if base.Size != 1 || base.Code == CodeEnum {
			return 0, fmt.Errorf("string literal for %s", d.Name)
		}
		data = append([]byte(v), 0)
	case []any:
		data, err = e.encodeElements(d.Base, v)
	case map[string]any:
		data, err = e.encodeRecord(base, v)
	default:
		return literalUint(lit) // raw address
	}
	if err != nil {
		return 0, err
	} else if e.mem == nil {
		return 0, fmt.Errorf("no memory to place %s argument", d.Name)
	}
	return e.mem.Alloc(data), nil
}

func (e *literalEncoder) encodeElements(t TypeID, items []any) ([]byte, error) {
	var b []byte
	for i, item := range items {
		v, err := e.encode(t, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		b = append(b, v.Bytes...)
	}
	return b, nil
}

func (e *literalEncoder) encodeRecord(d *TypeDescriptor, lit any) ([]byte, error) {
	b := make([]byte, d.Size)
	put := func(f FieldDescriptor, item any) error {
		v, err := e.encode(f.Type, item)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		copy(b[f.Offset:], v.Bytes)
		return nil
	}
	switch v := lit.(type) {
	case map[string]any:
		for _, f := range d.Fields {
			if item, ok := v[f.Name]; ok {
				if err := put(f, item); err != nil {
					return nil, err
				}
			}
		}
	case []any:
		if len(v) != len(d.Fields) {
			return nil, fmt.Errorf("record %s needs %d fields", d.Name, len(d.Fields))
		}
		for i, f := range d.Fields {
			if err := put(f, v[i]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("record %s needs a mapping or list", d.Name)
	}
	return b, nil
}

func literalUint(lit any) (uint64, error) {
	switch v := lit.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("integer literal %v has a fraction", v)
		}
		return uint64(int64(v)), nil
	case string:
		if i, err := strconv.ParseInt(v, 0, 64); err == nil {
			return uint64(i), nil
		}
		u, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer literal %q", v)
		}
		return u, nil
	default:
		return 0, fmt.Errorf("invalid integer literal %v", lit)
	}
}

func literalFloat(lit any) (float64, error) {
	switch v := lit.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float literal %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid float literal %v", lit)
	}
}

// parseBitfield accepts "NAME | NAME | 0x10" and the eight digit remainder DumpBitfield writes.
func parseBitfield(s string, tags []BitfieldTag) (uint64, error) {
	var value uint64
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		found := false
		for _, tag := range tags {
			if tag.Name == part {
				value |= tag.Bits
				found = true
				break
			}
		}
		if found {
			continue
		}
		digits, hex := strings.CutPrefix(part, "0x")
		if !hex && len(part) != 8 {
			return 0, fmt.Errorf("unknown bitfield flag %q", part)
		}
		u, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("unknown bitfield flag %q", part)
		}
		value |= u
	}
	return value, nil
}

// Replay dispatches the calls of a script in order. Each script thread number gets its own Thread binding.
func Replay(d *Dispatcher, script *CallScript) (ReplayResult, error) {
	var result ReplayResult
	if err := d.Init(); err != nil {
		return result, err
	}
	threads := make(map[int]*Thread)
	mem := NewMemoryImage()
	for i, sc := range script.Calls {
		call, err := d.Functions().BuildCall(sc, mem)
		if err != nil {
			return result, fmt.Errorf("%s call %d: %w", script.Name, i, err)
		}
		th, ok := threads[sc.Thread]
		if !ok {
			th = d.NewThread()
			threads[sc.Thread] = th
		}
		result.Calls++
		if d.Dispatch(th, call) == Stop {
			result.Suppressed++
		}
		if sc.Expect == "" {
			continue
		}
		_, ret, err := d.Functions().FormatArguments(call)
		if err != nil {
			return result, fmt.Errorf("%s call %d: %w", script.Name, i, err)
		} else if ret != sc.Expect {
			mismatch := fmt.Sprintf("%s call %d %s: expected %s, returned %s", script.Name, i, sc.Call, sc.Expect, ret)
			log.Printf("warning: %s", mismatch)
			result.Mismatches = append(result.Mismatches, mismatch)
		}
	}
	return result, nil
}

