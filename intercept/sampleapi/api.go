package sampleapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

// QueryCapabilities asks the context current on th for its version and extension strings. The calls are
// dispatched while the calling filter is running, so they reach the software implementation directly.
func QueryCapabilities(d *intercept.Dispatcher, th *intercept.Thread) (*intercept.Capabilities, error) {
	mem := intercept.NewMemoryImage()
	query := func(name uint64) (string, error) {
		call := &intercept.Call{
			Function: FnGetString,
			Args:     []intercept.Value{intercept.UintValue(TypeToken, 4, name)},
			Memory:   mem,
		}
		d.Dispatch(th, call)
		if call.Return == nil || call.Return.Addr() == 0 {
			return "", fmt.Errorf("GetString(%#x) returned no string", name)
		}
		s, ok := mem.ReadCString(call.Return.Addr())
		if !ok {
			return "", fmt.Errorf("%w: %#x", intercept.ErrUnreadablePointer, call.Return.Addr())
		}
		return string(s), nil
	}
	version, err := query(Version)
	if err != nil {
		return nil, err
	}
	extensions, err := query(Extensions)
	if err != nil {
		return nil, err
	}
	return &intercept.Capabilities{Version: version, Extensions: strings.Fields(extensions)}, nil
}

// New returns a dispatcher for the API backed by a fresh software implementation, with the built-in and
// trackobjects filter-sets registered. The filter chain named by config is applied on first dispatch.
func New(config *intercept.Config) (*intercept.Dispatcher, *Software, error) {
	if config == nil {
		config = &intercept.Config{}
	}
	sw := NewSoftware()
	d := intercept.NewDispatcher(intercept.DispatcherOptions{
		Functions:   Functions(),
		StateSpec:   sw.StateSpec(),
		ContextPath: ContextPath,
		Resolver:    sw.Resolver(),
		Bootstrap:   intercept.ChainBootstrap(config),
	})
	err := errors.Join(
		intercept.RegisterBuiltins(d, intercept.BuiltinOptions{
			Config:            config,
			QueryCapabilities: QueryCapabilities,
		}),
		RegisterTrackObjects(d),
	)
	if err != nil {
		return nil, nil, err
	}
	return d, sw, nil
}
