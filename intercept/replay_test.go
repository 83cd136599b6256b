package intercept

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCall(t *testing.T) {
	t.Parallel()

	ft := testFunctions()
	tests := []struct {
		name   string
		script string
		check  func(t *testing.T, call *Call, mem *MemoryImage)
	}{
		{
			name:   "signed",
			script: "- call: Add\n  args: [2, -3]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, int64(2), call.Args[0].Int())
				assert.Equal(t, int64(-3), call.Args[1].Int())
				assert.Len(t, call.Args[1].Bytes, 4)
			},
		},
		{
			name:   "hex_string",
			script: "- call: Add\n  args: ['0x10', '7']\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, int64(16), call.Args[0].Int())
				assert.Equal(t, int64(7), call.Args[1].Int())
			},
		},
		{
			name:   "bitfield",
			script: "- call: SetMask\n  args: ['A | B | 0x10']\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, uint64(0x13), call.Args[0].Uint())
			},
		},
		{
			name:   "bitfield_dumped_remainder",
			script: "- call: SetMask\n  args: ['B | 00000010']\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, uint64(0x12), call.Args[0].Uint())
			},
		},
		{
			name:   "token",
			script: "- call: Query\n  args: [EXTENSIONS]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, uint64(tokExts), call.Args[0].Uint())
			},
		},
		{
			name:   "string",
			script: "- call: Label\n  args: [hello]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				s, ok := mem.ReadCString(call.Args[0].Addr())
				require.True(t, ok)
				assert.Equal(t, "hello", string(s))
			},
		},
		{
			name:   "null_pointer",
			script: "- call: Label\n  args: [null]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Zero(t, call.Args[0].Addr())
			},
		},
		{
			name:   "array_pointer",
			script: "- call: Fill\n  args: [[1, 2, -1], 3]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				data, ok := mem.Read(call.Args[0].Addr(), 12)
				require.True(t, ok)
				assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data))
				assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[4:]))
				assert.Equal(t, uint32(math.MaxUint32), binary.LittleEndian.Uint32(data[8:]))
			},
		},
		{
			name:   "record_and_float",
			script: "- call: Move\n  args: [{x: 1, y: -2}, 1.5]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				assert.Equal(t, []byte{1, 0, 0, 0, 0xfe, 0xff, 0xff, 0xff}, call.Args[0].Bytes)
				assert.InDelta(t, 1.5, call.Args[1].Float(), 0)
			},
		},
		{
			name:   "record_list",
			script: "- call: Move\n  args: [[3, 4], 2]\n",
			check: func(t *testing.T, call *Call, mem *MemoryImage) {
				x, _ := ft.Catalogue().Field(call.Args[0], 0)
				y, _ := ft.Catalogue().Field(call.Args[0], 1)
				assert.Equal(t, int64(3), x.Int())
				assert.Equal(t, int64(4), y.Int())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := ParseCallScript(tt.name, []byte(tt.script))
			require.NoError(t, err)
			mem := NewMemoryImage()
			call, err := ft.BuildCall(script.Calls[0], mem)
			require.NoError(t, err)
			assert.Same(t, mem, call.Memory)
			tt.check(t, call, mem)
		})
	}
}

func TestBuildCallErrors(t *testing.T) {
	t.Parallel()

	ft := testFunctions()
	tests := []struct {
		name string
		call ScriptCall
	}{
		{"unknown_function", ScriptCall{Call: "Nope"}},
		{"arity", ScriptCall{Call: "Add", Args: []any{1}}},
		{"fraction", ScriptCall{Call: "Add", Args: []any{1.5, 1}}},
		{"bad_integer", ScriptCall{Call: "Add", Args: []any{"abc", 1}}},
		{"bad_flag", ScriptCall{Call: "SetMask", Args: []any{"A | C"}}},
		{"bad_flag_hex_word", ScriptCall{Call: "SetMask", Args: []any{"A | FACE"}}},
		{"bad_flag_no_spaces", ScriptCall{Call: "SetMask", Args: []any{"B|dead"}}},
		{"bad_float", ScriptCall{Call: "Move", Args: []any{[]any{1, 2}, "fast"}}},
		{"record_shape", ScriptCall{Call: "Move", Args: []any{[]any{1}, 1}}},
		{"record_kind", ScriptCall{Call: "Move", Args: []any{7, 1}}},
		{"no_memory", ScriptCall{Call: "Label", Args: []any{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mem *MemoryImage
			if tt.name != "no_memory" {
				mem = NewMemoryImage()
			}
			_, err := ft.BuildCall(tt.call, mem)
			require.Error(t, err)
		})
	}
}

func TestBuildCallDynamicType(t *testing.T) {
	t.Parallel()

	groups := []GroupDescriptor{{
		Params: []ParamDescriptor{
			{Name: "kind", Type: tUint32},
			{
				Name: "value",
				Type: tInt32,
				DynamicType: func(call *Call, arg int, v Value) TypeID {
					if call.Args[0].Uint() == 1 {
						return tToken
					}
					return NoType
				},
			},
		},
	}}
	ft := NewFunctionTable(testCatalogue(), groups, []FunctionDescriptor{{Name: "Set", Group: 0}})

	t.Run("token", func(t *testing.T) {
		call, err := ft.BuildCall(ScriptCall{Call: "Set", Args: []any{1, "TWO"}}, NewMemoryImage())
		require.NoError(t, err)
		assert.Equal(t, uint64(tokTwo), call.Args[1].Uint())
		assert.Equal(t, tInt32, call.Args[1].Type)
		s, err := ft.CallString(call)
		require.NoError(t, err)
		assert.Equal(t, "Set(1, TWO)", s)
	})
	t.Run("declared", func(t *testing.T) {
		call, err := ft.BuildCall(ScriptCall{Call: "Set", Args: []any{0, -4}}, NewMemoryImage())
		require.NoError(t, err)
		assert.Equal(t, int64(-4), call.Args[1].Int())
	})
	t.Run("name_for_declared", func(t *testing.T) {
		_, err := ft.BuildCall(ScriptCall{Call: "Set", Args: []any{0, "TWO"}}, NewMemoryImage())
		require.Error(t, err)
	})
}

func TestParseCallScript(t *testing.T) {
	t.Parallel()

	_, err := ParseCallScript("bad", []byte("- args: [1]\n"))
	require.Error(t, err)
	_, err = ParseCallScript("bad", []byte("call: x"))
	require.Error(t, err)

	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(first, []byte("- call: Swap\n"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("- call: Add\n  args: [1, 1]\n  thread: 2\n  expect: '2'\n"), 0644))

	scripts, err := LoadCallScripts([]string{first, second})
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, first, scripts[0].Name)
	assert.Equal(t, ScriptCall{Call: "Add", Args: []any{1, 1}, Thread: 2, Expect: "2"}, scripts[1].Calls[0])

	_, err = LoadCallScripts([]string{first, filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
}

const replayScript = `
- call: Create
- call: Bind
  args: [1]
- call: Add
  args: [2, 3]
  expect: "5"
- call: Add
  args: [2, 2]
  expect: "5"
- call: SetMask
  args: ["A | B"]
- call: Label
  args: [hello]
- call: Fill
  args: [[1, 2, 3], 3]
- call: Move
  args: [{x: 1, y: 2}, 1.5]
- call: Query
  args: [VERSION]
  expect: '"2.1 Test"'
- call: Modern
  thread: 1
`

func TestReplay(t *testing.T) {
	t.Parallel()

	t.Run("passthrough", func(t *testing.T) {
		fx := newFixture(t, nil, BuiltinOptions{})
		script, err := ParseCallScript("replay", []byte(replayScript))
		require.NoError(t, err)

		result, err := Replay(fx.d, script)
		require.NoError(t, err)
		assert.Equal(t, 10, result.Calls)
		assert.Zero(t, result.Suppressed)
		require.Len(t, result.Mismatches, 1)
		assert.Contains(t, result.Mismatches[0], "call 3 Add: expected 5, returned 4")
		assert.Equal(t, 2, fx.target.Calls("Add"))
		assert.Equal(t, 1, fx.target.Calls("Modern"))
	})

	t.Run("suppressed", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: strict
    filtersets:
      - name: trackextensions
        variables:
          enforce: true
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		script, err := ParseCallScript("replay", []byte(`
- call: Create
- call: Bind
  args: [1]
- call: Modern
- call: Modern
  thread: 1
`))
		require.NoError(t, err)

		result, err := Replay(fx.d, script)
		require.NoError(t, err)
		assert.Equal(t, 4, result.Calls)
		// the second thread has no current context so nothing is known about its version
		assert.Equal(t, 1, result.Suppressed)
		assert.Equal(t, 1, fx.target.Calls("Modern"))
	})

	t.Run("build_error", func(t *testing.T) {
		fx := newFixture(t, nil, BuiltinOptions{})
		_, err := Replay(fx.d, &CallScript{Name: "bad", Calls: []ScriptCall{{Call: "Nope"}}})
		require.ErrorIs(t, err, ErrUnknownFunction)
	})
}
