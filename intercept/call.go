package intercept

import (
	"errors"
	"fmt"
	"strings"
)

// FunctionID indexes a target function in a FunctionTable.
type FunctionID int

// GroupID indexes a parameter group shared by functions with identical signatures.
type GroupID int

// ReturnArg is the argument position used for the return value in per-argument resolvers.
const ReturnArg = -1

// ArgDumper renders an argument itself, returning false when it declines and the generic formatter should be used.
// length is the element count resolved by the parameter's ArgLength, or LengthUnspecified.
type ArgDumper func(p *Printer, call *Call, arg int, v Value, length int) (bool, error)

// ArgLength computes the element count of an argument, typically from a sibling argument.
type ArgLength func(call *Call, arg int, v Value) int

// ArgType resolves the run time type of an argument, typically from a sibling enum argument.
type ArgType func(call *Call, arg int, v Value) TypeID

// ParamDescriptor describes one argument position (or the return value) of a parameter group.
type ParamDescriptor struct {
	Name        string
	Type        TypeID
	Dumper      ArgDumper
	Length      ArgLength
	DynamicType ArgType
}

// GroupDescriptor is a parameter group. A nil Return means the functions return nothing.
type GroupDescriptor struct {
	Params []ParamDescriptor
	Return *ParamDescriptor
}

// FunctionKind marks the role a function plays for the built-in filter-sets.
type FunctionKind int

const (
	KindPlain FunctionKind = iota
	// KindCreateContext returns a new context key.
	KindCreateContext
	// KindMakeCurrent binds the calling thread to the context named by the context argument.
	KindMakeCurrent
	// KindDestroyContext releases the context named by the context argument.
	KindDestroyContext
	// KindFrameBoundary ends a frame.
	KindFrameBoundary
	// KindQuery returns information about the current context.
	KindQuery
)

// FunctionDescriptor describes one target function.
type FunctionDescriptor struct {
	Name  string
	Group GroupID
	Kind  FunctionKind
	// Version is the API version that introduced the function, empty for the base version.
	Version string
	// ContextArg is the argument holding the context key for context management functions.
	ContextArg int
}

// FunctionTable is the per-function descriptor table of the target API.
type FunctionTable struct {
	catalogue *Catalogue
	groups    []GroupDescriptor
	functions []FunctionDescriptor
	byName    map[string]FunctionID
}

// NewFunctionTable builds a function table; function ids are assigned in the order given.
func NewFunctionTable(catalogue *Catalogue, groups []GroupDescriptor, functions []FunctionDescriptor) *FunctionTable {
	ft := &FunctionTable{
		catalogue: catalogue,
		groups:    groups,
		functions: functions,
		byName:    make(map[string]FunctionID, len(functions)),
	}
	for i, f := range functions {
		ft.byName[f.Name] = FunctionID(i)
	}
	return ft
}

func (ft *FunctionTable) Catalogue() *Catalogue {
	return ft.catalogue
}

// Len returns the number of functions.
func (ft *FunctionTable) Len() int {
	return len(ft.functions)
}

func (ft *FunctionTable) Function(id FunctionID) (*FunctionDescriptor, bool) {
	if id < 0 || int(id) >= len(ft.functions) {
		return nil, false
	}
	return &ft.functions[id], true
}

func (ft *FunctionTable) Lookup(name string) (FunctionID, bool) {
	id, ok := ft.byName[name]
	return id, ok
}

func (ft *FunctionTable) Group(id GroupID) (*GroupDescriptor, bool) {
	if id < 0 || int(id) >= len(ft.groups) {
		return nil, false
	}
	return &ft.groups[id], true
}

// Signature returns the function and its parameter group.
func (ft *FunctionTable) Signature(id FunctionID) (*FunctionDescriptor, *GroupDescriptor, error) {
	f, ok := ft.Function(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownFunction, id)
	}
	g, ok := ft.Group(f.Group)
	if !ok {
		return nil, nil, fmt.Errorf("function %s has invalid group %d", f.Name, f.Group)
	}
	return f, g, nil
}

// Validate checks that every function references a group and every type referenced by a group is catalogued.
func (ft *FunctionTable) Validate() error {
	var errs []error
	for i, f := range ft.functions {
		if _, _, err := ft.Signature(FunctionID(i)); err != nil {
			errs = append(errs, err)
		} else if f.Kind == KindMakeCurrent || f.Kind == KindDestroyContext {
			if g, _ := ft.Group(f.Group); f.ContextArg < 0 || f.ContextArg >= len(g.Params) {
				errs = append(errs, fmt.Errorf("function %s has invalid context argument %d", f.Name, f.ContextArg))
			}
		}
	}
	for gi, g := range ft.groups {
		for pi, p := range g.Params {
			if _, ok := ft.catalogue.Describe(p.Type); !ok {
				errs = append(errs, fmt.Errorf("group %d param %d: %w: %d", gi, pi, ErrUnknownType, p.Type))
			}
		}
		if g.Return != nil {
			if _, ok := ft.catalogue.Describe(g.Return.Type); !ok {
				errs = append(errs, fmt.Errorf("group %d return: %w: %d", gi, ErrUnknownType, g.Return.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// Call is a captured invocation of a target function. It lives only for the duration of one dispatch.
type Call struct {
	Function FunctionID
	Args     []Value
	// Return is nil for void functions and before the real implementation has run.
	Return *Value
	// Memory holds target memory reachable from pointer arguments.
	Memory Memory
	// UserData is the call scratch shared by the active filters, each filter-set sees only its own range.
	UserData []byte
	// Thread is the dispatching thread binding, set by the dispatcher.
	Thread *Thread
}

// FormatCall renders call as "name(arg0, arg1) = ret" preceded by indent spaces, without a trailing newline.
func (ft *FunctionTable) FormatCall(sb *strings.Builder, call *Call, indentSize int) error {
	f, g, err := ft.Signature(call.Function)
	if err != nil {
		return err
	} else if len(call.Args) != len(g.Params) {
		return fmt.Errorf("%w: %s takes %d, captured %d", ErrArityMismatch, f.Name, len(g.Params), len(call.Args))
	}

	indent(sb, indentSize)
	sb.WriteString(f.Name)
	sb.WriteByte('(')
	p := ft.catalogue.NewPrinter(sb, call.Memory)
	for i := range g.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		if err := formatParam(p, call, i, &g.Params[i], call.Args[i]); err != nil {
			return fmt.Errorf("%s argument %d: %w", f.Name, i, err)
		}
	}
	sb.WriteByte(')')
	if call.Return != nil && g.Return != nil {
		sb.WriteString(" = ")
		if err := formatParam(p, call, ReturnArg, g.Return, *call.Return); err != nil {
			return fmt.Errorf("%s return: %w", f.Name, err)
		}
	}
	return nil
}

// CallString is FormatCall into a new string.
func (ft *FunctionTable) CallString(call *Call) (string, error) {
	var sb strings.Builder
	err := ft.FormatCall(&sb, call, 0)
	return sb.String(), err
}

func formatParam(p *Printer, call *Call, arg int, pd *ParamDescriptor, v Value) error {
	length := LengthUnspecified
	if pd.Length != nil {
		length = pd.Length(call, arg, v)
	}
	if pd.Dumper != nil {
		if handled, err := pd.Dumper(p, call, arg, v, length); err != nil {
			return err
		} else if handled {
			return nil
		}
	}
	t := pd.Type
	if pd.DynamicType != nil {
		if dt := pd.DynamicType(call, arg, v); dt != NoType {
			t = dt
		}
	}
	return p.Format(Value{Type: t, Bytes: v.Bytes}, length)
}

// FormatArguments renders each argument, and the return value when present, separately.
func (ft *FunctionTable) FormatArguments(call *Call) ([]string, string, error) {
	f, g, err := ft.Signature(call.Function)
	if err != nil {
		return nil, "", err
	} else if len(call.Args) != len(g.Params) {
		return nil, "", fmt.Errorf("%w: %s takes %d, captured %d", ErrArityMismatch, f.Name, len(g.Params), len(call.Args))
	}
	var sb strings.Builder
	p := ft.catalogue.NewPrinter(&sb, call.Memory)
	args := make([]string, len(g.Params))
	for i := range g.Params {
		sb.Reset()
		if err := formatParam(p, call, i, &g.Params[i], call.Args[i]); err != nil {
			return nil, "", fmt.Errorf("%s argument %d: %w", f.Name, i, err)
		}
		args[i] = sb.String()
	}
	var ret string
	if call.Return != nil && g.Return != nil {
		sb.Reset()
		if err := formatParam(p, call, ReturnArg, g.Return, *call.Return); err != nil {
			return nil, "", fmt.Errorf("%s return: %w", f.Name, err)
		}
		ret = sb.String()
	}
	return args, ret, nil
}

// FunctionName returns the name of the call's function, "?" when unknown.
func (ft *FunctionTable) FunctionName(id FunctionID) string {
	if f, ok := ft.Function(id); ok {
		return f.Name
	}
	return "?"
}
