package intercept

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	tInt32 TypeID = iota
	tUint32
	tUint8
	tFloat32
	tFloat64
	tChar
	tString
	tToken
	tMask
	tKey
	tInt3
	tInt32Ptr
	tComplex
	tPoint
	tBytes
	tPointPtr
)

const (
	tokOne     = 1
	tokTwo     = 2
	tokVersion = 0x10
	tokExts    = 0x11
)

var testTokens = NewTokenTable(
	Token{Name: "ONE", Value: tokOne},
	Token{Name: "TWO", Value: tokTwo},
	Token{Name: "UNO", Value: tokOne},
	Token{Name: "VERSION", Value: tokVersion},
	Token{Name: "EXTENSIONS", Value: tokExts},
)

var testBits = []BitfieldTag{
	{Bits: 1, Name: "A"},
	{Bits: 2, Name: "B"},
}

func testCatalogue() *Catalogue {
	types := make([]TypeDescriptor, tPointPtr+1)
	types[tInt32] = TypeDescriptor{Name: "int32", Code: CodeIntegral, Size: 4, Signed: true, Base: NoType, Pointer: tInt32Ptr}
	types[tUint32] = TypeDescriptor{Name: "uint32", Code: CodeIntegral, Size: 4, Base: NoType, Pointer: NoType}
	types[tUint8] = TypeDescriptor{Name: "uint8", Code: CodeIntegral, Size: 1, Base: NoType, Pointer: tBytes}
	types[tFloat32] = TypeDescriptor{Name: "float32", Code: CodeFloat, Size: 4, Base: NoType, Pointer: NoType}
	types[tFloat64] = TypeDescriptor{Name: "float64", Code: CodeFloat, Size: 8, Base: NoType, Pointer: NoType}
	types[tChar] = TypeDescriptor{Name: "char", Code: CodeIntegral, Size: 1, Signed: true, Base: NoType, Pointer: tString}
	types[tString] = TypeDescriptor{Name: "string", Code: CodePointer, Size: PointerSize, Base: tChar, Pointer: NoType, Dumper: CStringDumper}
	types[tToken] = TypeDescriptor{Name: "token", Code: CodeEnum, Size: 4, Base: NoType, Pointer: NoType, Tokens: testTokens}
	types[tMask] = TypeDescriptor{Name: "mask", Code: CodeIntegral, Size: 4, Base: NoType, Pointer: NoType, Bits: testBits}
	types[tKey] = TypeDescriptor{Name: "key", Code: CodeIntegral, Size: 8, Base: NoType, Pointer: NoType}
	types[tInt3] = TypeDescriptor{Name: "int3", Code: CodeArray, Size: 12, Length: 3, Base: tInt32, Pointer: NoType}
	types[tInt32Ptr] = TypeDescriptor{Name: "int32*", Code: CodePointer, Size: PointerSize, Base: tInt32, Pointer: NoType}
	types[tComplex] = TypeDescriptor{Name: "complex64", Code: CodeComplex, Size: 8, Base: NoType, Pointer: NoType}
	types[tPoint] = TypeDescriptor{
		Name: "point", Code: CodeRecord, Size: 8, Base: NoType, Pointer: tPointPtr,
		Fields: []FieldDescriptor{{Name: "x", Type: tInt32, Offset: 0}, {Name: "y", Type: tInt32, Offset: 4}},
	}
	types[tBytes] = TypeDescriptor{Name: "uint8*", Code: CodePointer, Size: PointerSize, Base: tUint8, Pointer: NoType}
	types[tPointPtr] = TypeDescriptor{Name: "point*", Code: CodePointer, Size: PointerSize, Base: tPoint, Pointer: NoType}
	return NewCatalogue(types)
}

const (
	fCreate FunctionID = iota
	fBind
	fDestroy
	fAdd
	fSetMask
	fLabel
	fFill
	fSwap
	fQuery
	fMove
	fModern
	fMissing
)

const (
	gCreate GroupID = iota
	gKey
	gAdd
	gMask
	gLabel
	gFill
	gVoid
	gQuery
	gMove
)

func testFunctions() *FunctionTable {
	groups := []GroupDescriptor{
		gCreate: {Return: &ParamDescriptor{Type: tKey}},
		gKey:    {Params: []ParamDescriptor{{Name: "ctx", Type: tKey}}},
		gAdd: {
			Params: []ParamDescriptor{{Name: "a", Type: tInt32}, {Name: "b", Type: tInt32}},
			Return: &ParamDescriptor{Type: tInt32},
		},
		gMask:  {Params: []ParamDescriptor{{Name: "mask", Type: tMask}}},
		gLabel: {Params: []ParamDescriptor{{Name: "label", Type: tString}}},
		gFill: {Params: []ParamDescriptor{
			{Name: "values", Type: tInt32Ptr, Length: func(call *Call, arg int, v Value) int {
				return int(call.Args[1].Int())
			}},
			{Name: "count", Type: tInt32},
		}},
		gVoid: {},
		gQuery: {
			Params: []ParamDescriptor{{Name: "name", Type: tToken}},
			Return: &ParamDescriptor{Type: tString},
		},
		gMove: {Params: []ParamDescriptor{
			{Name: "to", Type: tPoint},
			{Name: "scale", Type: tFloat32},
		}},
	}
	functions := []FunctionDescriptor{
		fCreate:  {Name: "Create", Group: gCreate, Kind: KindCreateContext},
		fBind:    {Name: "Bind", Group: gKey, Kind: KindMakeCurrent},
		fDestroy: {Name: "Destroy", Group: gKey, Kind: KindDestroyContext},
		fAdd:     {Name: "Add", Group: gAdd},
		fSetMask: {Name: "SetMask", Group: gMask},
		fLabel:   {Name: "Label", Group: gLabel},
		fFill:    {Name: "Fill", Group: gFill},
		fSwap:    {Name: "Swap", Group: gVoid, Kind: KindFrameBoundary},
		fQuery:   {Name: "Query", Group: gQuery, Kind: KindQuery},
		fMove:    {Name: "Move", Group: gMove},
		fModern:  {Name: "Modern", Group: gVoid, Version: "3.0"},
		fMissing: {Name: "Missing", Group: gVoid},
	}
	return NewFunctionTable(testCatalogue(), groups, functions)
}

// testTarget is a minimal real implementation of the fixture functions.
type testTarget struct {
	mu      sync.Mutex
	next    uint64
	calls   map[string]int
	version string
}

func (tt *testTarget) count(name string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.calls[name]++
}

func (tt *testTarget) Calls(name string) int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.calls[name]
}

func (tt *testTarget) resolver() Resolver {
	return MapResolver{
		"Create": func(call *Call) error {
			tt.mu.Lock()
			tt.next++
			v := UintValue(tKey, 8, tt.next)
			tt.mu.Unlock()
			call.Return = &v
			tt.count("Create")
			return nil
		},
		"Bind":    func(call *Call) error { tt.count("Bind"); return nil },
		"Destroy": func(call *Call) error { tt.count("Destroy"); return nil },
		"Add": func(call *Call) error {
			v := IntValue(tInt32, 4, call.Args[0].Int()+call.Args[1].Int())
			call.Return = &v
			tt.count("Add")
			return nil
		},
		"SetMask": func(call *Call) error { tt.count("SetMask"); return nil },
		"Label":   func(call *Call) error { tt.count("Label"); return nil },
		"Fill":    func(call *Call) error { tt.count("Fill"); return nil },
		"Swap":    func(call *Call) error { tt.count("Swap"); return nil },
		"Move":    func(call *Call) error { tt.count("Move"); return nil },
		"Modern":  func(call *Call) error { tt.count("Modern"); return nil },
		"Query": func(call *Call) error {
			tt.count("Query")
			var s string
			switch call.Args[0].Uint() {
			case tokVersion:
				s = tt.version
			case tokExts:
				s = "EXT_one EXT_two"
			}
			mem, ok := call.Memory.(*MemoryImage)
			if !ok {
				return errors.New("query needs a memory image")
			}
			v := UintValue(tString, PointerSize, mem.Alloc(append([]byte(s), 0)))
			call.Return = &v
			return nil
		},
	}
}

// testStateSpec has a context collection at ".contexts" and a keyed object collection at ".objects".
func testStateSpec() *StateSpec {
	return &StateSpec{
		Children: []*StateSpec{
			{
				Name:    "contexts",
				Indexed: &StateSpec{Name: "context", Children: []*StateSpec{{Name: "calls"}}},
				Key:     &KeySpec{Type: tKey, Compare: CompareUintKeys},
			},
			{
				Name:    "objects",
				Indexed: &StateSpec{Name: "object"},
				Key:     &KeySpec{Type: tUint32, Compare: CompareUintKeys},
			},
		},
	}
}

type fixture struct {
	d      *Dispatcher
	target *testTarget
	fatal  []error
}

func newFixture(t *testing.T, config *Config, opts BuiltinOptions) *fixture {
	t.Helper()

	fx := &fixture{target: &testTarget{calls: make(map[string]int), version: "2.1 Test"}}
	if config == nil {
		config = &Config{}
	}
	fx.d = NewDispatcher(DispatcherOptions{
		Functions:   testFunctions(),
		StateSpec:   testStateSpec(),
		ContextPath: ".contexts",
		Resolver:    fx.target.resolver(),
		Bootstrap:   ChainBootstrap(config),
	})
	fx.d.Fatal = func(err error) {
		fx.fatal = append(fx.fatal, err)
	}
	opts.Config = config
	if opts.QueryCapabilities == nil {
		opts.QueryCapabilities = queryFixtureCapabilities
	}
	require.NoError(t, RegisterBuiltins(fx.d, opts))
	t.Cleanup(fx.d.Shutdown)
	return fx
}

func queryFixtureCapabilities(d *Dispatcher, th *Thread) (*Capabilities, error) {
	mem := NewMemoryImage()
	read := func(token uint64) string {
		call := &Call{Function: fQuery, Args: []Value{UintValue(tToken, 4, token)}, Memory: mem}
		d.Dispatch(th, call)
		if call.Return == nil {
			return ""
		}
		s, _ := mem.ReadCString(call.Return.Addr())
		return string(s)
	}
	return &Capabilities{Version: read(tokVersion), Extensions: strings.Fields(read(tokExts))}, nil
}

// writeChain writes a single chain configuration enabling sets in order, returning its path.
func writeChain(t *testing.T, yamlText string) string {
	t.Helper()
	path := t.TempDir() + "/chains.yaml"
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0644))
	return path
}

func keyValue(k uint64) Value {
	return UintValue(tKey, 8, k)
}

func addCall(a, b int64) *Call {
	return &Call{Function: fAdd, Args: []Value{IntValue(tInt32, 4, a), IntValue(tInt32, 4, b)}}
}
