package intercept

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchPassthrough(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	th := fx.d.NewThread()

	call := addCall(2, 3)
	assert.Equal(t, Continue, fx.d.Dispatch(th, call))
	require.NotNil(t, call.Return)
	assert.Equal(t, int64(5), call.Return.Int())
	assert.Same(t, th, call.Thread)
	assert.Equal(t, 1, fx.target.Calls("Add"))
	assert.Empty(t, fx.fatal)

	invoke, ok := fx.d.Registry().FilterSet(InvokeFilterSet)
	require.True(t, ok)
	assert.True(t, invoke.Enabled())
}

func TestDispatchMissingReal(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	th := fx.d.NewThread()
	assert.Equal(t, Stop, fx.d.Dispatch(th, &Call{Function: fMissing}))
	assert.Equal(t, Stop, fx.d.Dispatch(th, &Call{Function: fMissing}))
	assert.False(t, fx.d.HasReal(fMissing))
	assert.True(t, fx.d.HasReal(fAdd))
	require.ErrorIs(t, fx.d.CallReal(&Call{Function: fMissing}), ErrNoRealFunction)
	assert.Empty(t, fx.fatal)
}

func TestDispatchNested(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	require.NoError(t, fx.d.Init())
	r := fx.d.Registry()
	var filterRuns int
	var nestedResult int64
	fs, err := r.RegisterFilterSet(FilterSetInfo{Name: "nest"})
	require.NoError(t, err)
	_, err = r.RegisterFilter(fs, "nest", func(call *Call, data CallbackData) Outcome {
		filterRuns++
		if call.Function == fSwap {
			nested := addCall(20, 22)
			assert.Equal(t, Continue, fx.d.Dispatch(call.Thread, nested))
			nestedResult = nested.Return.Int()
		}
		return Continue
	})
	require.NoError(t, err)
	r.RegisterFilterDependency(InvokeFilterSet, "nest")
	require.NoError(t, r.EnableFilterSet(fs))

	th := fx.d.NewThread()
	fx.d.Dispatch(th, &Call{Function: fSwap})
	assert.Equal(t, 1, filterRuns)
	assert.Equal(t, int64(42), nestedResult)
	assert.Equal(t, 1, fx.target.Calls("Add"))

	fx.d.Dispatch(th, addCall(1, 1))
	assert.Equal(t, 2, filterRuns)
}

func TestDispatchCycleIsFatal(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	require.NoError(t, fx.d.Init())
	r := fx.d.Registry()
	var log []string
	sets := recordingSets(t, r, &log, "p", "q")
	r.RegisterFilterDependency("p", "q")
	r.RegisterFilterDependency("q", "p")
	require.NoError(t, r.EnableFilterSet(sets["p"]))
	require.NoError(t, r.EnableFilterSet(sets["q"]))

	assert.Equal(t, Stop, fx.d.Dispatch(fx.d.NewThread(), addCall(1, 2)))
	require.Len(t, fx.fatal, 1)
	var cycle *CycleError
	require.ErrorAs(t, fx.fatal[0], &cycle)
	assert.Zero(t, fx.target.Calls("Add"))
}

func TestDispatchBootstrapFailure(t *testing.T) {
	t.Parallel()

	failing := errors.New("bad config")
	var runs int
	d := NewDispatcher(DispatcherOptions{
		Functions: testFunctions(),
		Bootstrap: func(d *Dispatcher) error {
			runs++
			return failing
		},
	})
	var fatal []error
	d.Fatal = func(err error) { fatal = append(fatal, err) }

	assert.Equal(t, Stop, d.Dispatch(d.NewThread(), addCall(1, 2)))
	assert.Equal(t, Stop, d.Dispatch(d.NewThread(), addCall(1, 2)))
	require.Len(t, fatal, 2)
	require.ErrorIs(t, fatal[0], failing)
	require.ErrorIs(t, d.Init(), failing)
	assert.Equal(t, 1, runs)
}

func TestDispatchInvalidTables(t *testing.T) {
	t.Parallel()

	c := NewCatalogue([]TypeDescriptor{{Name: "bad", Code: CodeIntegral, Size: 3, Base: NoType, Pointer: NoType}})
	d := NewDispatcher(DispatcherOptions{Functions: NewFunctionTable(c, nil, nil)})
	require.Error(t, d.Init())
}

func TestDispatchContextTracking(t *testing.T) {
	t.Parallel()

	chain := writeChain(t, `
chains:
  - name: main
    filtersets:
      - name: trackcontext
`)
	fx := newFixture(t, &Config{ConfigFile: chain}, BuiltinOptions{})
	th := fx.d.NewThread()

	create := &Call{Function: fCreate}
	fx.d.Dispatch(th, create)
	require.NotNil(t, create.Return)
	key := *create.Return
	assert.Nil(t, th.Current())

	fx.d.Dispatch(th, &Call{Function: fBind, Args: []Value{key}})
	tc := th.Current()
	require.NotNil(t, tc)
	assert.Equal(t, "1", tc.Name())
	require.NotNil(t, tc.Node)
	assert.Equal(t, ".contexts[1]", tc.Node.Path())
	assert.Len(t, fx.d.Contexts(), 1)

	other := fx.d.NewThread()
	fx.d.Dispatch(other, &Call{Function: fBind, Args: []Value{key}})
	assert.Same(t, tc, other.Current())

	fx.d.Dispatch(other, &Call{Function: fBind, Args: []Value{keyValue(0)}})
	assert.Nil(t, other.Current())

	fx.d.Dispatch(th, &Call{Function: fDestroy, Args: []Value{key}})
	assert.Nil(t, th.Current())
	assert.Empty(t, fx.d.Contexts())
	_, ok := fx.d.LookupContext(key.Bytes)
	assert.False(t, ok)
	root, err := fx.d.StateTree().Root()
	require.NoError(t, err)
	_, ok = root.Resolve(".contexts[1]")
	assert.False(t, ok)
}

func TestDispatchScratch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	require.NoError(t, fx.d.Init())
	r := fx.d.Registry()
	track, ok := r.FilterSet(TrackContextFilterSet)
	require.True(t, ok)
	require.NoError(t, r.EnableFilterSet(track))

	var dirtyCallState bool
	fs, err := r.RegisterFilterSet(FilterSetInfo{Name: "count", CallStateSpace: 4, ContextStateSpace: 8})
	require.NoError(t, err)
	_, err = r.RegisterFilter(fs, "count", func(call *Call, data CallbackData) Outcome {
		if binary.LittleEndian.Uint32(data.CallState) != 0 {
			dirtyCallState = true
		}
		binary.LittleEndian.PutUint32(data.CallState, 0xffffffff)
		if data.ContextState != nil {
			n := binary.LittleEndian.Uint64(data.ContextState)
			binary.LittleEndian.PutUint64(data.ContextState, n+1)
		}
		return Continue
	})
	require.NoError(t, err)
	r.RegisterFilterDependency(TrackContextFilterSet, "count")
	require.NoError(t, r.EnableFilterSet(fs))

	th1, th2 := fx.d.NewThread(), fx.d.NewThread()
	fx.d.Dispatch(th1, &Call{Function: fBind, Args: []Value{keyValue(1)}})
	fx.d.Dispatch(th2, &Call{Function: fBind, Args: []Value{keyValue(2)}})
	for i := 0; i < 3; i++ {
		fx.d.Dispatch(th1, addCall(1, 1))
	}
	fx.d.Dispatch(th2, addCall(1, 1))

	assert.False(t, dirtyCallState)
	ctx1, ok := fx.d.LookupContext(keyValue(1).Bytes)
	require.True(t, ok)
	ctx2, ok := fx.d.LookupContext(keyValue(2).Bytes)
	require.True(t, ok)
	// the binding call itself runs before its context is current
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(fs.ContextState(ctx1.Scratch)))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(fs.ContextState(ctx2.Scratch)))
}

func TestDispatchConcurrentThreads(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil, BuiltinOptions{})
	const threads, calls = 8, 50

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := fx.d.NewThread()
			for j := 0; j < calls; j++ {
				call := addCall(int64(i), int64(j))
				fx.d.Dispatch(th, call)
				assert.Equal(t, int64(i+j), call.Return.Int())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, threads*calls, fx.target.Calls("Add"))
	assert.Empty(t, fx.fatal)
}
