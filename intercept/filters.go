package intercept

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

const debugFilterOrder = false

// Outcome tells the dispatch loop whether to run the remaining filters for a call.
type Outcome int

const (
	Continue Outcome = iota
	Stop
)

func (o Outcome) String() string {
	if o == Stop {
		return "stop"
	}
	return "continue"
}

// CallbackData holds the scratch ranges of the filter-set owning the running filter.
type CallbackData struct {
	// CallState is private to the filter-set for the duration of one call, nil when none was declared.
	CallState []byte
	// ContextState is private to the filter-set for the current target context, nil when none was declared or
	// no context is current.
	ContextState []byte
}

// FilterCallback is invoked for every dispatched call.
type FilterCallback func(call *Call, data CallbackData) Outcome

// FilterSetInfo is what a filter-set module supplies when registering.
type FilterSetInfo struct {
	Name string
	// Init runs once, on first enable.
	Init func(fs *FilterSet) error
	// Done runs on shutdown for initialised filter-sets.
	Done func(fs *FilterSet)
	// Command receives configuration variables. Unknown variables should return ErrUnknownCommand.
	Command           func(fs *FilterSet, name, value string) error
	CallStateSpace    int
	ContextStateSpace int
	Help              string
}

// Filter is a named callback belonging to one filter-set.
type Filter struct {
	Name     string
	Callback FilterCallback
	set      *FilterSet
}

// FilterSet returns the owning filter-set.
func (f *Filter) FilterSet() *FilterSet {
	return f.set
}

// FilterSet is a registered module of filters which is enabled and disabled as a unit.
type FilterSet struct {
	info          FilterSetInfo
	registry      *Registry
	filters       []*Filter
	callOffset    int
	contextOffset int
	initialised   bool
	enabled       bool
}

func (fs *FilterSet) Name() string {
	return fs.info.Name
}

func (fs *FilterSet) Info() FilterSetInfo {
	return fs.info
}

func (fs *FilterSet) Registry() *Registry {
	return fs.registry
}

func (fs *FilterSet) Enabled() bool {
	return fs.enabled
}

func (fs *FilterSet) Initialised() bool {
	return fs.initialised
}

// Filters returns the filters in registration order. The slice must not be modified.
func (fs *FilterSet) Filters() []*Filter {
	return fs.filters
}

// CallStateOffset is the start of the filter-set's call scratch range, -1 when it declared none.
func (fs *FilterSet) CallStateOffset() int {
	return fs.callOffset
}

// ContextStateOffset is the start of the filter-set's context scratch range, -1 when it declared none.
func (fs *FilterSet) ContextStateOffset() int {
	return fs.contextOffset
}

func scratchRange(buf []byte, offset, size int) []byte {
	if offset < 0 || offset+size > len(buf) {
		return nil
	}
	return buf[offset : offset+size : offset+size]
}

// CallState returns the filter-set's range of a call scratch buffer.
func (fs *FilterSet) CallState(buf []byte) []byte {
	return scratchRange(buf, fs.callOffset, fs.info.CallStateSpace)
}

// ContextState returns the filter-set's range of a context scratch block. Blocks allocated before the filter-set
// registered do not contain its range.
func (fs *FilterSet) ContextState(buf []byte) []byte {
	return scratchRange(buf, fs.contextOffset, fs.info.ContextStateSpace)
}

// Registry holds the filter-sets, their dependencies, and the active filter order. Only the cached order is
// synchronised: registration, enable and disable are expected to happen before calls are dispatched concurrently.
type Registry struct {
	sets          []*FilterSet
	setsByName    map[string]*FilterSet
	filtersByName map[string]*Filter
	active        []*Filter
	deps          map[string][]string // filter name -> filters which must run after it
	setDeps       map[string][]string // filter-set name -> filter-sets it requires
	callSpace     int
	contextSpace  int
	stale         bool
	orderMu       sync.Mutex
	order         []*Filter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		setsByName:    make(map[string]*FilterSet),
		filtersByName: make(map[string]*Filter),
		deps:          make(map[string][]string),
		setDeps:       make(map[string][]string),
	}
}

// RegisterFilterSet adds a filter-set and assigns its scratch offsets. Offsets are never reused.
func (r *Registry) RegisterFilterSet(info FilterSetInfo) (*FilterSet, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownFilterSet)
	} else if _, exists := r.setsByName[info.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFilterSet, info.Name)
	}
	fs := &FilterSet{info: info, registry: r, callOffset: -1, contextOffset: -1}
	if info.CallStateSpace > 0 {
		fs.callOffset = r.callSpace
		r.callSpace += info.CallStateSpace
	}
	if info.ContextStateSpace > 0 {
		fs.contextOffset = r.contextSpace
		r.contextSpace += info.ContextStateSpace
	}
	r.sets = append(r.sets, fs)
	r.setsByName[info.Name] = fs
	return fs, nil
}

// RegisterFilter adds a filter to a filter-set. Filter names are global.
func (r *Registry) RegisterFilter(fs *FilterSet, name string, cb FilterCallback) (*Filter, error) {
	if fs == nil || fs.registry != r {
		return nil, fmt.Errorf("%w: filter %s registered against a foreign filter-set", ErrUnknownFilterSet, name)
	} else if _, exists := r.filtersByName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFilter, name)
	}
	f := &Filter{Name: name, Callback: cb, set: fs}
	fs.filters = append(fs.filters, f)
	r.filtersByName[name] = f
	if fs.enabled {
		r.active = append(r.active, f)
		r.stale = true
	}
	return f, nil
}

// RegisterFilterDependency declares that the filter named before runs after the filter named after.
// Names of filters which are not registered or not active are ignored when ordering.
func (r *Registry) RegisterFilterDependency(after, before string) {
	if !slices.Contains(r.deps[after], before) {
		r.deps[after] = append(r.deps[after], before)
		r.stale = true
	}
}

// RegisterFilterSetDependency declares that enabling base first enables dep, and disabling dep disables base.
func (r *Registry) RegisterFilterSetDependency(base, dep string) {
	if !slices.Contains(r.setDeps[base], dep) {
		r.setDeps[base] = append(r.setDeps[base], dep)
	}
}

// FilterSet returns the filter-set registered under name.
func (r *Registry) FilterSet(name string) (*FilterSet, bool) {
	fs, ok := r.setsByName[name]
	return fs, ok
}

// FilterSets returns every filter-set in registration order.
func (r *Registry) FilterSets() []*FilterSet {
	return slices.Clone(r.sets)
}

// Filter returns the filter registered under name.
func (r *Registry) Filter(name string) (*Filter, bool) {
	f, ok := r.filtersByName[name]
	return f, ok
}

// CallStateSize is the total call scratch declared so far.
func (r *Registry) CallStateSize() int {
	return r.callSpace
}

// ContextStateSize is the total context scratch declared so far.
func (r *Registry) ContextStateSize() int {
	return r.contextSpace
}

// ActiveFilters returns the active pool in the order filters were added to it.
func (r *Registry) ActiveFilters() []*Filter {
	return slices.Clone(r.active)
}

// EnableFilterSet initialises the filter-set on first use, enables every filter-set it depends on, then adds its
// filters to the active pool. Enabling an enabled filter-set does nothing.
func (r *Registry) EnableFilterSet(fs *FilterSet) error {
	if fs.enabled {
		return nil
	}
	if !fs.initialised {
		if fs.info.Init != nil {
			if err := fs.info.Init(fs); err != nil {
				return &InitError{FilterSet: fs.info.Name, Err: err}
			}
		}
		fs.initialised = true
	}
	fs.enabled = true // marked first so mutually dependent sets terminate
	for _, depName := range r.setDeps[fs.info.Name] {
		dep, ok := r.setsByName[depName]
		if !ok {
			fs.enabled = false
			return fmt.Errorf("%w: %s (required by %s)", ErrUnknownFilterSet, depName, fs.info.Name)
		} else if err := r.EnableFilterSet(dep); err != nil {
			fs.enabled = false
			return err
		}
	}
	r.active = append(r.active, fs.filters...)
	r.stale = true
	return nil
}

// DisableFilterSet removes the filter-set's filters from the active pool, first disabling every enabled
// filter-set that depends on it. Disabling a disabled filter-set does nothing.
func (r *Registry) DisableFilterSet(fs *FilterSet) {
	if !fs.enabled {
		return
	}
	fs.enabled = false
	for _, s := range r.sets {
		if s.enabled && slices.Contains(r.setDeps[s.info.Name], fs.info.Name) {
			r.DisableFilterSet(s)
		}
	}
	r.active = slices.DeleteFunc(r.active, func(f *Filter) bool {
		return f.set == fs
	})
	r.stale = true
}

// Command passes a configuration variable to a filter-set.
func (r *Registry) Command(fs *FilterSet, name, value string) error {
	if fs.info.Command == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCommand, fs.info.Name, name)
	}
	return fs.info.Command(fs, name, value)
}

// ComputeOrder topologically sorts the active filters. Filters that become ready together keep their order in
// the active pool. A dependency cycle among active filters returns a *CycleError.
func (r *Registry) ComputeOrder() ([]*Filter, error) {
	index := make(map[string]int, len(r.active))
	for i, f := range r.active {
		index[f.Name] = i
	}
	valence := make([]int, len(r.active))
	for _, f := range r.active {
		for _, succ := range r.deps[f.Name] {
			if j, ok := index[succ]; ok {
				valence[j]++
			}
		}
	}

	ready := queue.New()
	for i := range r.active {
		if valence[i] == 0 {
			ready.Add(i)
		}
	}
	order := make([]*Filter, 0, len(r.active))
	var released []int
	for ready.Length() > 0 {
		i := ready.Remove().(int)
		f := r.active[i]
		order = append(order, f)
		released = released[:0]
		for _, succ := range r.deps[f.Name] {
			if j, ok := index[succ]; ok {
				valence[j]--
				if valence[j] == 0 {
					released = append(released, j)
				}
			}
		}
		slices.Sort(released)
		for _, j := range released {
			ready.Add(j)
		}
	}

	if len(order) < len(r.active) {
		cycle := &CycleError{}
		for i, f := range r.active {
			if valence[i] > 0 {
				cycle.Unordered = append(cycle.Unordered, f.Name)
			}
		}
		return nil, cycle
	}
	if debugFilterOrder {
		names := make([]string, len(order))
		for i, f := range order {
			names[i] = f.Name
		}
		log.Printf("filter order: %s", strings.Join(names, ", "))
	}
	return order, nil
}

// ActiveOrder returns the cached execution order, recomputing it if the active pool changed.
func (r *Registry) ActiveOrder() ([]*Filter, error) {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	if r.stale || r.order == nil {
		order, err := r.ComputeOrder()
		if err != nil {
			return nil, err
		}
		r.order = order
		r.stale = false
	}
	return r.order, nil
}

// RunFilters runs the active filters over call in order, giving each the scratch ranges of its filter-set.
// It reports Stop if a filter vetoed the remaining ones.
func (r *Registry) RunFilters(call *Call, callScratch, contextScratch []byte) (Outcome, error) {
	order, err := r.ActiveOrder()
	if err != nil {
		return Stop, err
	}
	for _, f := range order {
		data := CallbackData{
			CallState:    f.set.CallState(callScratch),
			ContextState: f.set.ContextState(contextScratch),
		}
		if f.Callback(call, data) == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}

// Shutdown runs Done for every initialised filter-set, most recently registered first, and empties the active
// pool.
func (r *Registry) Shutdown() {
	for i := len(r.sets) - 1; i >= 0; i-- {
		fs := r.sets[i]
		if fs.initialised && fs.info.Done != nil {
			fs.info.Done(fs)
		}
		fs.initialised = false
		fs.enabled = false
	}
	r.active = nil
	r.order = nil
	r.stale = true
}
