package intercept

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// ErrNoRealFunction is returned when a call reaches the real implementation but none was resolved for it.
var ErrNoRealFunction = errors.New("real function not resolved")

// RealFunc is the underlying, non-intercepted implementation of a target function. It sets call.Return for
// functions which return a value.
type RealFunc func(call *Call) error

// Resolver supplies the real implementation of target functions by name.
type Resolver interface {
	Resolve(name string) (RealFunc, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (RealFunc, bool)

func (f ResolverFunc) Resolve(name string) (RealFunc, bool) {
	return f(name)
}

// MapResolver resolves real functions from a map.
type MapResolver map[string]RealFunc

func (m MapResolver) Resolve(name string) (RealFunc, bool) {
	fn, ok := m[name]
	return fn, ok && fn != nil
}

// Thread is the explicit per caller binding carried through every dispatch: the current target context, the call
// scratch buffer, and the reentrancy depth. A Thread must only be used by one goroutine at a time.
type Thread struct {
	id      int64
	current *TargetContext
	scratch []byte
	depth   int
}

func (th *Thread) ID() int64 {
	return th.id
}

// Current returns the target context made current on this thread, nil if none.
func (th *Thread) Current() *TargetContext {
	return th.current
}

// callScratch returns a zeroed call scratch buffer of at least size bytes.
func (th *Thread) callScratch(size int) []byte {
	if cap(th.scratch) < size {
		th.scratch = make([]byte, size)
	} else {
		th.scratch = th.scratch[:size]
		clear(th.scratch)
	}
	return th.scratch
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Functions *FunctionTable
	// Registry defaults to a new empty registry.
	Registry *Registry
	// StateSpec describes the state tree root, nil for a tree with only an empty root.
	StateSpec *StateSpec
	// ContextPath locates the indexed state node holding one child per target context, empty to track contexts
	// without state nodes.
	ContextPath string
	Resolver    Resolver
	// Bootstrap runs once before the first call is dispatched, typically loading the filter chain configuration.
	Bootstrap func(d *Dispatcher) error
}

// Dispatcher routes captured calls through the active filters.
type Dispatcher struct {
	// Fatal receives errors that leave the pipeline inconsistent: bootstrap and configuration failures and
	// filter dependency cycles. The default logs and exits.
	Fatal func(err error)

	registry    *Registry
	functions   *FunctionTable
	tree        *StateTree
	resolver    Resolver
	bootstrap   func(d *Dispatcher) error
	contextPath string

	once    sync.Once
	initErr error
	real    []RealFunc

	ctxMu    sync.Mutex
	contexts map[string]*TargetContext

	threadSeq atomic.Int64

	stats    *statsCollector
	recorder *recorder
	monitor  *Monitor
}

// NewDispatcher creates a dispatcher. Nothing is resolved until Init or the first Dispatch.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	rootSpec := opts.StateSpec
	if rootSpec == nil {
		rootSpec = &StateSpec{}
	}
	return &Dispatcher{
		Fatal: func(err error) {
			log.Fatalf("%s%v", ErrorLogPrefix, err)
		},
		registry:    registry,
		functions:   opts.Functions,
		tree:        NewStateTree(opts.Functions.Catalogue(), rootSpec),
		resolver:    opts.Resolver,
		bootstrap:   opts.Bootstrap,
		contextPath: opts.ContextPath,
		contexts:    make(map[string]*TargetContext),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) Functions() *FunctionTable {
	return d.functions
}

func (d *Dispatcher) Catalogue() *Catalogue {
	return d.functions.Catalogue()
}

func (d *Dispatcher) StateTree() *StateTree {
	return d.tree
}

// NewThread returns a new thread binding with no current context.
func (d *Dispatcher) NewThread() *Thread {
	return &Thread{id: d.threadSeq.Add(1)}
}

// Init performs the one time bootstrap: validating the tables, resolving the real functions, building the state
// tree root and running the bootstrap hook. Concurrent callers block until it completes.
func (d *Dispatcher) Init() error {
	d.once.Do(func() {
		d.initErr = d.initialise()
	})
	return d.initErr
}

func (d *Dispatcher) initialise() error {
	if err := d.functions.Catalogue().Validate(); err != nil {
		return fmt.Errorf("invalid type catalogue: %w", err)
	} else if err := d.functions.Validate(); err != nil {
		return fmt.Errorf("invalid function table: %w", err)
	}
	d.real = make([]RealFunc, d.functions.Len())
	if d.resolver != nil {
		for i := range d.real {
			f, _ := d.functions.Function(FunctionID(i))
			if fn, ok := d.resolver.Resolve(f.Name); ok {
				d.real[i] = fn
			}
		}
	}
	if _, err := d.tree.Root(); err != nil {
		return err
	}
	if d.bootstrap != nil {
		if err := d.bootstrap(d); err != nil {
			return err
		}
	}
	return nil
}

// HasReal reports whether a real implementation was resolved for the function.
func (d *Dispatcher) HasReal(id FunctionID) bool {
	return id >= 0 && int(id) < len(d.real) && d.real[id] != nil
}

// CallReal invokes the real implementation of the call's function.
func (d *Dispatcher) CallReal(call *Call) error {
	if !d.HasReal(call.Function) {
		name := "?"
		if f, ok := d.functions.Function(call.Function); ok {
			name = f.Name
		}
		return fmt.Errorf("%w: %s", ErrNoRealFunction, name)
	}
	return d.real[call.Function](call)
}

// Dispatch runs call through the active filters on thread th. Calls made while th is already dispatching go
// straight to the real implementation.
func (d *Dispatcher) Dispatch(th *Thread, call *Call) Outcome {
	if err := d.Init(); err != nil {
		d.Fatal(err)
		return Stop
	}
	call.Thread = th
	if th.depth > 0 {
		if err := d.CallReal(call); err != nil {
			log.Printf("%snested call: %v", ErrorLogPrefix, err)
		}
		return Continue
	}
	th.depth++
	defer func() { th.depth-- }()

	call.UserData = th.callScratch(d.registry.CallStateSize())
	var contextScratch []byte
	if tc := th.current; tc != nil {
		contextScratch = tc.Scratch
	}
	outcome, err := d.registry.RunFilters(call, call.UserData, contextScratch)
	if err != nil {
		d.Fatal(err)
		return Stop
	}
	return outcome
}

// Shutdown finalises the filter-sets and tears down the state tree.
func (d *Dispatcher) Shutdown() {
	d.registry.Shutdown()
	d.tree.Destroy()
}
