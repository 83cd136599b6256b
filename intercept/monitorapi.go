package intercept

const (
	monitorEndpointPathStatus    = "/monitor.0/status"
	monitorEndpointPathState     = "/monitor.0/state"
	monitorEndpointPathStateDiff = "/monitor.0/state/diff"
	monitorEndpointPathCalls     = "/monitor.0/calls"
	monitorEndpointPathBreak     = "/monitor.0/break"
	monitorEndpointPathResume    = "/monitor.0/resume"
)

// MonitorStatus reports whether the target is paused and what the monitor is watching for.
type MonitorStatus struct {
	Paused      bool     `json:"paused"`
	PausedCall  string   `json:"call,omitempty"` // formatted call the target is paused before
	Thread      int64    `json:"thread,omitempty"`
	Calls       uint64   `json:"calls"` // calls observed since the monitor started
	Breakpoints []string `json:"breakpoints"`
	Stepping    bool     `json:"stepping"`
	Contexts    []string `json:"contexts"`
}

// MonitorStateRequest selects the state subtree to snapshot.
type MonitorStateRequest struct {
	Path string `json:"path"`
}

// MonitorState is a rendered snapshot of a state subtree.
type MonitorState struct {
	Path     string `json:"path"`
	Snapshot string `json:"snapshot"`
	Error    string `json:"err,omitempty"` // refresh failures, the snapshot is still returned
}

// MonitorStateDiff is the unified diff between the last two snapshots of a path.
type MonitorStateDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// MonitorCall is one entry of the recent call history.
type MonitorCall struct {
	Seq     uint64 `json:"seq"`
	Thread  int64  `json:"t"`
	Context string `json:"c,omitempty"`
	Text    string `json:"call"`
}

// MonitorCalls is the recent call history, oldest first.
type MonitorCalls struct {
	Calls []MonitorCall `json:"calls"`
}

// MonitorBreakRequest adds or clears a breakpoint on a function. An empty function with Clear removes every
// breakpoint.
type MonitorBreakRequest struct {
	Function string `json:"fn"`
	Clear    bool   `json:"clear,omitempty"`
}

// MonitorResumeRequest releases a paused target. Step pauses again before the next call.
type MonitorResumeRequest struct {
	Step bool `json:"step,omitempty"`
}
