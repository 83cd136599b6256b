package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

const (
	defaultMonitorHistory = 128
	monitorRequestTimeout = 5 * time.Second
)

// errTargetIdle is returned to state requests when no call arrives to service them in time.
var errTargetIdle = errors.New("target made no calls in time to service request")

type monitorRequest struct {
	fn   func()
	done chan struct{}
}

// Monitor serves the state tree and call history over HTTP and pauses the target at breakpoints. The state tree
// is only touched from dispatching goroutines: HTTP handlers queue requests which the monitor filter services on
// the next call, or while the target is paused.
type Monitor struct {
	d       *Dispatcher
	config  *Config
	host    string
	timeout time.Duration

	server   *http.Server
	addr     string
	err      atomic.Pointer[error]
	requests chan monitorRequest
	resume   chan MonitorResumeRequest

	mu          sync.Mutex
	breakpoints map[string]bool
	stepping    bool
	paused      bool
	pausedCall  string
	pausedOn    int64
	calls       uint64
	history     *queue.Queue
	historyMax  int
	snapshots   map[string][2]string // path -> previous, latest
}

func registerMonitor(d *Dispatcher, config *Config) error {
	m := &Monitor{
		d:           d,
		config:      config,
		host:        "127.0.0.1",
		timeout:     monitorRequestTimeout,
		requests:    make(chan monitorRequest),
		resume:      make(chan MonitorResumeRequest),
		breakpoints: make(map[string]bool),
		history:     queue.New(),
		historyMax:  defaultMonitorHistory,
		snapshots:   make(map[string][2]string),
	}
	d.monitor = m
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name:    MonitorFilterSet,
		Help:    "serves state over HTTP and pauses at breakpoints",
		Init:    m.init,
		Done:    m.done,
		Command: m.command,
	})
	if err != nil {
		return err
	}
	if _, err = r.RegisterFilter(fs, MonitorFilterSet, m.before); err != nil {
		return err
	} else if _, err = r.RegisterFilter(fs, "monitor_log", m.after); err != nil {
		return err
	}
	r.RegisterFilterDependency(MonitorFilterSet, InvokeFilterSet)
	r.RegisterFilterDependency(InvokeFilterSet, "monitor_log")
	return nil
}

// Monitor returns the monitor, nil when the monitor filter-set was never registered.
func (d *Dispatcher) Monitor() *Monitor {
	return d.monitor
}

func (m *Monitor) command(fs *FilterSet, name, value string) error {
	switch name {
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		m.config.MonitorPort = port
	case "host":
		m.host = value
	case "history":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("history must be a positive count: %q", value)
		}
		m.historyMax = n
	case "break":
		m.SetBreakpoint(value, true)
	default:
		return ErrUnknownCommand
	}
	return nil
}

func (m *Monitor) init(fs *FilterSet) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(m.host, strconv.Itoa(m.config.MonitorPort)))
	if err != nil {
		return fmt.Errorf("monitor listen failed: %w", err)
	}
	m.addr = listener.Addr().String()
	m.server = &http.Server{Addr: m.addr, Handler: m.mux()}
	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.err.Store(&err)
			log.Printf("%smonitor server error: %v", ErrorLogPrefix, err)
		}
	}()
	log.Printf("monitor listening on %s", m.addr)
	return nil
}

func (m *Monitor) done(fs *FilterSet) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		log.Printf("%s%v", ErrorLogPrefix, err)
	}
}

// Addr returns the listening address, empty before the monitor filter-set is enabled.
func (m *Monitor) Addr() string {
	return m.addr
}

func (m *Monitor) errCheck() error {
	if errPtr := m.err.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// Stop shuts the HTTP server down and releases a paused target.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	paused := m.paused
	m.breakpoints = make(map[string]bool)
	m.stepping = false
	m.mu.Unlock()
	if paused {
		select {
		case m.resume <- MonitorResumeRequest{}:
		case <-ctx.Done():
		}
	}
	if m.server == nil {
		return m.errCheck()
	}
	return errors.Join(m.server.Shutdown(ctx), m.errCheck())
}

// SetBreakpoint adds or removes a breakpoint on the named function.
func (m *Monitor) SetBreakpoint(function string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.breakpoints[function] = true
	} else {
		delete(m.breakpoints, function)
	}
}

// Status returns the current pause state.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	status := MonitorStatus{
		Paused:      m.paused,
		PausedCall:  m.pausedCall,
		Thread:      m.pausedOn,
		Calls:       m.calls,
		Stepping:    m.stepping,
		Breakpoints: make([]string, 0, len(m.breakpoints)),
	}
	for fn := range m.breakpoints {
		status.Breakpoints = append(status.Breakpoints, fn)
	}
	m.mu.Unlock()
	slices.Sort(status.Breakpoints)
	for _, tc := range m.d.Contexts() {
		status.Contexts = append(status.Contexts, tc.Name())
	}
	return status
}

// before services queued requests and pauses when the call hits a breakpoint.
func (m *Monitor) before(call *Call, data CallbackData) Outcome {
	m.drain()

	name := m.d.Functions().FunctionName(call.Function)
	m.mu.Lock()
	m.calls++
	pause := m.stepping || m.breakpoints[name]
	if pause {
		m.paused = true
		m.stepping = false
		m.pausedCall, _ = m.d.Functions().CallString(call)
		if call.Thread != nil {
			m.pausedOn = call.Thread.ID()
		}
	}
	m.mu.Unlock()
	if !pause {
		return Continue
	}

	log.Printf("paused before %s", name)
	for {
		select {
		case req := <-m.requests:
			req.fn()
			close(req.done)
		case res := <-m.resume:
			m.mu.Lock()
			m.paused = false
			m.pausedCall = ""
			m.pausedOn = 0
			m.stepping = res.Step
			m.mu.Unlock()
			return Continue
		}
	}
}

func (m *Monitor) drain() {
	for {
		select {
		case req := <-m.requests:
			req.fn()
			close(req.done)
		default:
			return
		}
	}
}

// after appends the completed call to the history ring.
func (m *Monitor) after(call *Call, data CallbackData) Outcome {
	text, err := m.d.Functions().CallString(call)
	if err != nil {
		text = m.d.Functions().FunctionName(call.Function) + "(<" + err.Error() + ">)"
	}
	entry := MonitorCall{Text: text}
	if call.Thread != nil {
		entry.Thread = call.Thread.ID()
	}
	if tc := CallContext(call); tc != nil {
		entry.Context = tc.Name()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Seq = m.calls
	m.history.Add(entry)
	for m.history.Length() > m.historyMax {
		m.history.Remove()
	}
	return Continue
}

// History returns the recent calls, oldest first.
func (m *Monitor) History() []MonitorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MonitorCall, m.history.Length())
	for i := range calls {
		calls[i] = m.history.Get(i).(MonitorCall)
	}
	return calls
}

// onDispatcher runs fn on the next dispatching goroutine to reach the monitor filter.
func (m *Monitor) onDispatcher(ctx context.Context, fn func()) error {
	req := monitorRequest{fn: fn, done: make(chan struct{})}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case m.requests <- req:
	case <-timer.C:
		return errTargetIdle
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// snapshot renders the subtree at path, remembering it for the next diff.
func (m *Monitor) snapshot(path string) (MonitorState, error) {
	result := MonitorState{Path: path}
	root, err := m.d.StateTree().Root()
	if err != nil {
		return result, err
	}
	node, ok := root.Resolve(path)
	if !ok {
		return result, fmt.Errorf("no state at %q", path)
	}
	node.InvalidateRecursive()
	result.Snapshot, err = node.Snapshot()
	if err != nil {
		result.Error = err.Error()
	}

	m.mu.Lock()
	m.snapshots[path] = [2]string{m.snapshots[path][1], result.Snapshot}
	m.mu.Unlock()
	return result, nil
}

func (m *Monitor) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(monitorEndpointPathStatus, m.handleStatus)
	mux.HandleFunc(monitorEndpointPathState, m.handleState)
	mux.HandleFunc(monitorEndpointPathStateDiff, m.handleStateDiff)
	mux.HandleFunc(monitorEndpointPathCalls, m.handleCalls)
	mux.HandleFunc(monitorEndpointPathBreak, m.handleBreak)
	mux.HandleFunc(monitorEndpointPathResume, m.handleResume)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("%sencode monitor response: %v", ErrorLogPrefix, err)
	}
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.Status())
}

func (m *Monitor) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, MonitorCalls{Calls: m.History()})
}

func (m *Monitor) decodeStateRequest(w http.ResponseWriter, r *http.Request) (MonitorStateRequest, bool) {
	var msg MonitorStateRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return msg, false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode MonitorStateRequest: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return msg, false
	}
	return msg, true
}

func (m *Monitor) handleState(w http.ResponseWriter, r *http.Request) {
	msg, ok := m.decodeStateRequest(w, r)
	if !ok {
		return
	}
	var state MonitorState
	var stateErr error
	if err := m.onDispatcher(r.Context(), func() {
		state, stateErr = m.snapshot(msg.Path)
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if stateErr != nil {
		http.Error(w, stateErr.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (m *Monitor) handleStateDiff(w http.ResponseWriter, r *http.Request) {
	msg, ok := m.decodeStateRequest(w, r)
	if !ok {
		return
	}
	var stateErr error
	if err := m.onDispatcher(r.Context(), func() {
		_, stateErr = m.snapshot(msg.Path)
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if stateErr != nil {
		http.Error(w, stateErr.Error(), http.StatusNotFound)
		return
	}
	m.mu.Lock()
	pair := m.snapshots[msg.Path]
	m.mu.Unlock()
	diff := MonitorStateDiff{Path: msg.Path}
	if pair[0] != pair[1] {
		diff.Diff = DiffSnapshots(pair[0], pair[1])
	}
	writeJSON(w, diff)
}

func (m *Monitor) handleBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var msg MonitorBreakRequest
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode MonitorBreakRequest: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Function == "" {
		if !msg.Clear {
			http.Error(w, "function required", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		clear(m.breakpoints)
		m.mu.Unlock()
	} else if _, ok := m.d.Functions().Lookup(msg.Function); !ok {
		http.Error(w, ErrUnknownFunction.Error()+": "+msg.Function, http.StatusNotFound)
		return
	} else {
		m.SetBreakpoint(msg.Function, !msg.Clear)
	}
	writeJSON(w, m.Status())
}

func (m *Monitor) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var msg MonitorResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode MonitorResumeRequest: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if !paused {
		http.Error(w, "target not paused", http.StatusConflict)
		return
	}
	select {
	case m.resume <- msg:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
		http.Error(w, r.Context().Err().Error(), http.StatusServiceUnavailable)
	}
}
