package intercept

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindNewContext(t *testing.T, fx *fixture, th *Thread) *TargetContext {
	t.Helper()
	create := &Call{Function: fCreate}
	fx.d.Dispatch(th, create)
	require.NotNil(t, create.Return)
	fx.d.Dispatch(th, &Call{Function: fBind, Args: []Value{*create.Return}})
	require.NotNil(t, th.Current())
	return th.Current()
}

func TestCapabilitiesVersion(t *testing.T) {
	t.Parallel()

	caps := &Capabilities{Version: "2.1 Vendor Build", Extensions: []string{"EXT_a"}}
	tests := []struct {
		version string
		expect  bool
	}{
		{"", true},
		{"1.5", true},
		{"2.1", true},
		{"2.1.1", false},
		{"3.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.expect, caps.SupportsVersion(tt.version))
		})
	}
	assert.True(t, caps.HasExtension("EXT_a"))
	assert.False(t, caps.HasExtension("EXT_b"))
	assert.Equal(t, "v0.0.0", canonicalVersion("garbage"))
	assert.Equal(t, "v4.6", canonicalVersion(" 4.6 "))
}

func TestTrackExtensions(t *testing.T) {
	t.Parallel()

	t.Run("enforced", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: strict
    filtersets:
      - name: trackextensions
        variables:
          enforce: true
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()
		tc := bindNewContext(t, fx, th)

		caps, ok := ContextCapabilities(tc)
		require.True(t, ok)
		assert.Equal(t, "2.1 Test", caps.Version)
		assert.Equal(t, []string{"EXT_one", "EXT_two"}, caps.Extensions)
		assert.Equal(t, 2, fx.target.Calls("Query"))

		assert.Equal(t, Stop, fx.d.Dispatch(th, &Call{Function: fModern}))
		assert.Zero(t, fx.target.Calls("Modern"))
		assert.Equal(t, Continue, fx.d.Dispatch(th, addCall(1, 2)))

		// already known contexts are not queried again
		fx.d.Dispatch(th, &Call{Function: fBind, Args: []Value{keyValue(1)}})
		assert.Equal(t, 2, fx.target.Calls("Query"))
	})

	t.Run("not_enforced", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: lenient
    filtersets:
      - name: trackextensions
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()
		bindNewContext(t, fx, th)

		assert.Equal(t, Continue, fx.d.Dispatch(th, &Call{Function: fModern}))
		assert.Equal(t, 1, fx.target.Calls("Modern"))
		track, _ := fx.d.Registry().FilterSet(TrackContextFilterSet)
		assert.True(t, track.Enabled())
	})

	t.Run("no_query_hook", func(t *testing.T) {
		d := NewDispatcher(DispatcherOptions{Functions: testFunctions()})
		require.NoError(t, RegisterBuiltins(d, BuiltinOptions{}))
		fs, ok := d.Registry().FilterSet(TrackExtensionsFilterSet)
		require.True(t, ok)
		var initErr *InitError
		require.ErrorAs(t, d.Registry().EnableFilterSet(fs), &initErr)
	})

	t.Run("bad_variable", func(t *testing.T) {
		fx := newFixture(t, nil, BuiltinOptions{})
		fs, _ := fx.d.Registry().FilterSet(TrackExtensionsFilterSet)
		require.Error(t, fx.d.Registry().Command(fs, "enforce", "sometimes"))
		require.ErrorIs(t, fx.d.Registry().Command(fs, "other", "1"), ErrUnknownCommand)
	})
}

func TestTraceFilterSet(t *testing.T) {
	t.Parallel()

	t.Run("writer", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: trace
    filtersets:
      - name: trace
`)
		var out bytes.Buffer
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{TraceOutput: &out})
		th := fx.d.NewThread()
		fx.d.Dispatch(th, addCall(2, 3))
		fx.d.Dispatch(th, &Call{Function: fSetMask, Args: []Value{UintValue(tMask, 4, 3)}})

		assert.Equal(t, "[1] Add(2, 3) = 5\n[1] SetMask(A | B)\n", out.String())
	})

	t.Run("file_with_value_limit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trace.log")
		chain := writeChain(t, `
chains:
  - name: trace
    filtersets:
      - name: trace
        variables:
          file: `+path+`
          maxvalue: 6
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()
		mem := NewMemoryImage()
		label := mem.Alloc([]byte("a much longer label\x00"))
		fx.d.Dispatch(th, &Call{Function: fLabel, Memory: mem, Args: []Value{UintValue(tString, PointerSize, label)}})
		fx.d.Dispatch(th, addCall(2, 3))
		fx.d.Shutdown()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "[1] Label("+HashValuePrefix), lines[0])
		assert.Equal(t, "[1] Add(2, 3) = 5", lines[1])
	})
}

func TestStatsFilterSet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "stats.json")
	chain := writeChain(t, `
chains:
  - name: stats
    filtersets:
      - name: trackcontext
      - name: stats
        variables:
          json: `+jsonPath+`
`)
	fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
	th := fx.d.NewThread()
	fx.d.Dispatch(th, &Call{Function: fBind, Args: []Value{keyValue(1)}})
	for i := 0; i < 3; i++ {
		fx.d.Dispatch(th, addCall(1, 1))
	}
	fx.d.Dispatch(th, &Call{Function: fSwap})
	fx.d.Dispatch(th, addCall(1, 1))
	fx.d.Dispatch(th, &Call{Function: fSwap})

	report, ok := fx.d.StatsReport()
	require.True(t, ok)
	assert.Equal(t, uint64(7), report.TotalCalls)
	require.Len(t, report.Functions, 3)
	assert.Equal(t, "Add", report.Functions[0].Name)
	assert.Equal(t, uint64(4), report.Functions[0].Calls)
	assert.Equal(t, "Swap", report.Functions[1].Name)
	assert.Equal(t, "Bind", report.Functions[2].Name)
	require.Len(t, report.Contexts, 1)
	assert.Equal(t, ContextReport{Name: "1", Calls: 6, Frames: 2, MaxFrameCalls: 4}, report.Contexts[0])

	fx.d.Shutdown()
	loaded, err := LoadStatsReport(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, report.TotalCalls, loaded.TotalCalls)
	assert.Equal(t, report.Contexts, loaded.Contexts)
}

func TestRecordFilterSet(t *testing.T) {
	t.Parallel()

	t.Run("memory", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: record
    filtersets:
      - name: trackcontext
      - name: record
        variables:
          segment: 2
          compression: snappy
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()
		fx.d.Dispatch(th, &Call{Function: fBind, Args: []Value{keyValue(3)}})
		for i := int64(0); i < 4; i++ {
			fx.d.Dispatch(th, addCall(i, 1))
		}
		session, store, ok := fx.d.RecordingSession()
		require.True(t, ok)
		require.NoError(t, fx.d.FlushRecording())

		calls, err := LoadRecordedCalls(store, session)
		require.NoError(t, err)
		require.Len(t, calls, 5)
		for i, c := range calls {
			assert.Equal(t, uint64(i+1), c.Seq)
		}
		assert.Equal(t, "Bind", calls[0].Function)
		assert.Equal(t, "3", calls[1].Context)
		assert.Equal(t, []string{"3", "1"}, calls[4].Args)
		assert.Equal(t, "4", calls[4].Return)
		assert.Equal(t, IntValue(tInt32, 4, 3).Bytes, calls[4].Raw[0])
		assert.Equal(t, "[1] Add(3, 1) = 4", FormatRecord(calls[4]))

		info, err := LoadSessionInfo(store, session)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), info.Calls)
		assert.Equal(t, 3, info.Segments)

		sessions, err := ListSessions(store)
		require.NoError(t, err)
		assert.Equal(t, []string{session}, sessions)
	})

	t.Run("badger", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip in short mode")
		}
		dir := t.TempDir()
		chain := writeChain(t, `
chains:
  - name: record
    filtersets:
      - name: record
`)
		fx := newFixture(t, &Config{ConfigFile: chain, StoragePath: dir}, BuiltinOptions{})
		th := fx.d.NewThread()
		for i := int64(0); i < 3; i++ {
			fx.d.Dispatch(th, addCall(i, i))
		}
		session, _, ok := fx.d.RecordingSession()
		require.True(t, ok)
		fx.d.Shutdown()

		store, err := NewBadgerStorage(dir, 64, false)
		require.NoError(t, err)
		defer store.Close()
		calls, err := LoadRecordedCalls(store, session)
		require.NoError(t, err)
		require.Len(t, calls, 3)
		assert.Equal(t, "4", calls[2].Return)
		info, err := LoadSessionInfo(store, session)
		require.NoError(t, err)
		assert.False(t, info.Finished.IsZero())
	})

	t.Run("bad_variables", func(t *testing.T) {
		fx := newFixture(t, nil, BuiltinOptions{})
		fs, _ := fx.d.Registry().FilterSet(RecordFilterSet)
		r := fx.d.Registry()
		require.Error(t, r.Command(fs, "compression", "lz4"))
		require.Error(t, r.Command(fs, "segment", "0"))
		require.ErrorIs(t, r.Command(fs, "unknown", "0"), ErrUnknownCommand)
	})
}

func TestScriptFilterSet(t *testing.T) {
	t.Parallel()

	t.Run("veto_and_after", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: script
    filtersets:
      - name: script
        variables:
          source: |
            last = ""
            function filter(name, args, context)
              if name == "Label" then return false end
              if name == "Add" and last == "5" then return false end
              return true
            end
            function after(name, args, ret, context)
              if name == "Add" then last = ret end
            end
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()

		mem := NewMemoryImage()
		label := &Call{Function: fLabel, Memory: mem, Args: []Value{UintValue(tString, PointerSize, mem.Alloc([]byte("x\x00")))}}
		assert.Equal(t, Stop, fx.d.Dispatch(th, label))
		assert.Zero(t, fx.target.Calls("Label"))

		assert.Equal(t, Continue, fx.d.Dispatch(th, addCall(2, 3)))
		assert.Equal(t, Stop, fx.d.Dispatch(th, addCall(2, 3)))
		assert.Equal(t, 1, fx.target.Calls("Add"))
	})

	t.Run("runtime_error_continues", func(t *testing.T) {
		chain := writeChain(t, `
chains:
  - name: script
    filtersets:
      - name: script
        variables:
          source: |
            function filter(name, args, context)
              error("broken " .. name)
            end
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		assert.Equal(t, Continue, fx.d.Dispatch(fx.d.NewThread(), addCall(2, 3)))
		assert.Equal(t, 1, fx.target.Calls("Add"))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "filter.lua")
		require.NoError(t, os.WriteFile(path, []byte(`
function filter(name, args, context)
  return state(".contexts") ~= nil and name ~= "Swap"
end
`), 0644))
		chain := writeChain(t, `
chains:
  - name: script
    filtersets:
      - name: script
        variables:
          file: `+path+`
`)
		fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
		th := fx.d.NewThread()
		assert.Equal(t, Stop, fx.d.Dispatch(th, &Call{Function: fSwap}))
		assert.Equal(t, Continue, fx.d.Dispatch(th, addCall(1, 1)))
	})

	t.Run("nothing_to_load", func(t *testing.T) {
		fx := newFixture(t, nil, BuiltinOptions{})
		fs, _ := fx.d.Registry().FilterSet(ScriptFilterSet)
		require.Error(t, fx.d.Registry().EnableFilterSet(fs))
	})
}
