package intercept

import (
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// Built-in filter-set names.
const (
	TrackContextFilterSet    = "trackcontext"
	TrackExtensionsFilterSet = "trackextensions"
	TraceFilterSet           = "trace"
	StatsFilterSet           = "stats"
	RecordFilterSet          = "record"
	ScriptFilterSet          = "script"
)

// Capabilities is what a target context reports about itself.
type Capabilities struct {
	Version    string
	Extensions []string
}

// SupportsVersion reports whether the context version is at least v. Versions are dotted numbers such as "2.1".
func (c *Capabilities) SupportsVersion(v string) bool {
	if v == "" {
		return true
	}
	return semver.Compare(canonicalVersion(c.Version), canonicalVersion(v)) >= 0
}

// HasExtension reports whether the context advertises the named extension.
func (c *Capabilities) HasExtension(name string) bool {
	return slices.Contains(c.Extensions, name)
}

func canonicalVersion(v string) string {
	v, _, _ = strings.Cut(strings.TrimSpace(v), " ") // drop vendor suffix
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "v0.0.0"
	}
	return v
}

// BuiltinOptions supplies the target API specific hooks used by the built-in filter-sets.
type BuiltinOptions struct {
	Config *Config
	// QueryCapabilities queries the current context of th, typically by dispatching query calls which the
	// reentrancy guard routes straight to the real implementation.
	QueryCapabilities func(d *Dispatcher, th *Thread) (*Capabilities, error)
	// TraceOutput is where the trace filter-set writes when no file is configured, default stderr via log.
	TraceOutput io.Writer
}

// RegisterBuiltins registers the built-in filter-sets with the dispatcher's registry.
func RegisterBuiltins(d *Dispatcher, opts BuiltinOptions) error {
	if opts.Config == nil {
		opts.Config = &Config{}
	}
	return errors.Join(
		registerInvoke(d),
		registerTrackContext(d),
		registerTrackExtensions(d, opts),
		registerTrace(d, opts),
		registerStats(d, opts.Config),
		registerRecord(d, opts.Config),
		registerMonitor(d, opts.Config),
		registerScript(d),
	)
}

func registerInvoke(d *Dispatcher) error {
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name: InvokeFilterSet,
		Help: "calls the real implementation",
	})
	if err != nil {
		return err
	}
	var mu sync.Mutex
	warned := make(map[FunctionID]bool)
	_, err = r.RegisterFilter(fs, InvokeFilterSet, func(call *Call, data CallbackData) Outcome {
		if err := d.CallReal(call); errors.Is(err, ErrNoRealFunction) {
			mu.Lock()
			if !warned[call.Function] {
				warned[call.Function] = true
				log.Printf("warning: %v", err)
			}
			mu.Unlock()
			return Stop
		} else if err != nil {
			log.Printf("%s%s: %v", ErrorLogPrefix, d.Functions().FunctionName(call.Function), err)
		}
		return Continue
	})
	return err
}

// CallContext returns the target context current on the calling thread.
func CallContext(call *Call) *TargetContext {
	if call.Thread == nil {
		return nil
	}
	return call.Thread.Current()
}

func contextArg(d *Dispatcher, call *Call) ([]byte, bool) {
	f, ok := d.Functions().Function(call.Function)
	if !ok || f.ContextArg < 0 || f.ContextArg >= len(call.Args) {
		return nil, false
	}
	return call.Args[f.ContextArg].Bytes, true
}

func registerTrackContext(d *Dispatcher) error {
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name: TrackContextFilterSet,
		Help: "tracks the current context of each thread",
	})
	if err != nil {
		return err
	}
	_, err = r.RegisterFilter(fs, TrackContextFilterSet, func(call *Call, data CallbackData) Outcome {
		f, ok := d.Functions().Function(call.Function)
		if !ok {
			return Continue
		}
		switch f.Kind {
		case KindMakeCurrent:
			if key, ok := contextArg(d, call); ok {
				if _, err := d.BindContext(call.Thread, key); err != nil {
					log.Printf("%sbind context: %v", ErrorLogPrefix, err)
				}
			}
		case KindDestroyContext:
			if key, ok := contextArg(d, call); ok {
				if tc := call.Thread.Current(); tc != nil && string(tc.Key) == string(key) {
					_, _ = d.BindContext(call.Thread, nil)
				}
				d.ReleaseContext(key)
			}
		}
		return Continue
	})
	if err != nil {
		return err
	}
	r.RegisterFilterDependency(InvokeFilterSet, TrackContextFilterSet)
	return nil
}

const capabilitiesAttachment = "capabilities"

// ContextCapabilities returns the capabilities recorded for a context by the trackextensions filter-set.
func ContextCapabilities(tc *TargetContext) (*Capabilities, bool) {
	if tc == nil {
		return nil, false
	}
	v, ok := tc.Attachment(capabilitiesAttachment)
	if !ok {
		return nil, false
	}
	return v.(*Capabilities), true
}

func registerTrackExtensions(d *Dispatcher, opts BuiltinOptions) error {
	r := d.Registry()
	var enforce bool
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name: TrackExtensionsFilterSet,
		Help: "records the version and extensions of each context",
		Init: func(fs *FilterSet) error {
			if opts.QueryCapabilities == nil {
				return errors.New("target API provides no capability query")
			}
			return nil
		},
		Command: func(fs *FilterSet, name, value string) error {
			switch name {
			case "enforce":
				v, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("enforce: %w", err)
				}
				enforce = v
				return nil
			default:
				return ErrUnknownCommand
			}
		},
	})
	if err != nil {
		return err
	}
	_, err = r.RegisterFilter(fs, TrackExtensionsFilterSet, func(call *Call, data CallbackData) Outcome {
		f, ok := d.Functions().Function(call.Function)
		if !ok || f.Kind != KindMakeCurrent {
			return Continue
		}
		tc := CallContext(call)
		if tc == nil {
			return Continue
		} else if _, ok := ContextCapabilities(tc); ok {
			return Continue
		}
		caps, err := opts.QueryCapabilities(d, call.Thread)
		if err != nil {
			log.Printf("%squery capabilities of context %s: %v", ErrorLogPrefix, tc.Name(), err)
			return Continue
		}
		tc.Attach(capabilitiesAttachment, caps)
		return Continue
	})
	if err != nil {
		return err
	}
	_, err = r.RegisterFilter(fs, "trackextensions_check", func(call *Call, data CallbackData) Outcome {
		if !enforce {
			return Continue
		}
		f, ok := d.Functions().Function(call.Function)
		if !ok || f.Version == "" {
			return Continue
		}
		caps, ok := ContextCapabilities(CallContext(call))
		if ok && !caps.SupportsVersion(f.Version) {
			log.Printf("warning: %s requires version %s, context provides %s; call suppressed",
				f.Name, f.Version, caps.Version)
			return Stop
		}
		return Continue
	})
	if err != nil {
		return err
	}
	r.RegisterFilterDependency(TrackContextFilterSet, TrackExtensionsFilterSet)
	r.RegisterFilterDependency("trackextensions_check", InvokeFilterSet)
	r.RegisterFilterSetDependency(TrackExtensionsFilterSet, TrackContextFilterSet)
	return nil
}
