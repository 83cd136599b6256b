package sampleapi

import (
	"log"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

// TrackObjectsFilterSet mirrors buffer objects into the state tree and invalidates the state nodes a call
// changes.
const TrackObjectsFilterSet = "trackobjects"

// invalidates maps state changing functions to the context child they modify.
var invalidates = map[intercept.FunctionID]string{
	FnClearColor:  "clear_color",
	FnClearColorv: "clear_color",
	FnViewport:    "viewport",
	FnScissor:     "scissor",
	FnUseProgram:  "program",
	FnSwapBuffers: "frames",
	FnBufferData:  "buffers",
}

// RegisterTrackObjects registers the trackobjects filter-set with the dispatcher's registry.
func RegisterTrackObjects(d *intercept.Dispatcher) error {
	r := d.Registry()
	fs, err := r.RegisterFilterSet(intercept.FilterSetInfo{
		Name: TrackObjectsFilterSet,
		Help: "tracks buffer objects and state changes of each context",
	})
	if err != nil {
		return err
	}
	_, err = r.RegisterFilter(fs, TrackObjectsFilterSet, func(call *intercept.Call, data intercept.CallbackData) intercept.Outcome {
		tc := intercept.CallContext(call)
		if tc == nil || tc.Node == nil {
			return intercept.Continue
		}
		buffers, _ := tc.Node.Child("buffers")
		switch call.Function {
		case FnGenBuffer:
			if call.Return == nil {
				break
			}
			id := uint32(call.Return.Uint())
			if _, ok := buffers.GetIndex(intercept.Uint32Key(id)); !ok {
				if _, err := buffers.AddIndex(intercept.Uint32Key(id), ""); err != nil {
					log.Printf("%sbuffer %d of context %s: %v", intercept.ErrorLogPrefix, id, tc.Name(), err)
				}
			}
		case FnDeleteBuffer:
			buffers.RemoveIndex(intercept.Uint32Key(uint32(call.Args[0].Uint())))
		}
		if name, ok := invalidates[call.Function]; ok {
			if n, ok := tc.Node.Child(name); ok {
				n.InvalidateRecursive()
			}
		}
		return intercept.Continue
	})
	if err != nil {
		return err
	}
	r.RegisterFilterDependency(intercept.TrackContextFilterSet, TrackObjectsFilterSet)
	r.RegisterFilterDependency(intercept.InvokeFilterSet, TrackObjectsFilterSet)
	r.RegisterFilterSetDependency(TrackObjectsFilterSet, intercept.TrackContextFilterSet)
	return nil
}
