package intercept

import (
	"fmt"
	"log"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Lua entry points looked up by the script filter-set.
const (
	scriptBeforeFunc = "filter"
	scriptAfterFunc  = "after"
)

// scriptFilter runs user Lua around each call. A global filter(name, args, context) runs before the real
// implementation and suppresses the call by returning false; after(name, args, ret, context) runs once it
// returns.
type scriptFilter struct {
	d       *Dispatcher
	files   []string
	sources []string

	mu sync.Mutex
	L  *lua.LState
}

func registerScript(d *Dispatcher) error {
	s := &scriptFilter{d: d}
	r := d.Registry()
	fs, err := r.RegisterFilterSet(FilterSetInfo{
		Name: ScriptFilterSet,
		Help: "runs Lua filter functions over every call",
		Init: s.init,
		Done: s.done,
		Command: func(fs *FilterSet, name, value string) error {
			switch name {
			case "file":
				s.files = append(s.files, value)
			case "source":
				s.sources = append(s.sources, value)
			default:
				return ErrUnknownCommand
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	if _, err = r.RegisterFilter(fs, "script", s.before); err != nil {
		return err
	} else if _, err = r.RegisterFilter(fs, "script_after", s.after); err != nil {
		return err
	}
	r.RegisterFilterDependency("script", InvokeFilterSet)
	r.RegisterFilterDependency(InvokeFilterSet, "script_after")
	return nil
}

func (s *scriptFilter) init(fs *FilterSet) error {
	if len(s.files) == 0 && len(s.sources) == 0 {
		return fmt.Errorf("no script file or source configured")
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		log.Printf("script: %s", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("state", L.NewFunction(s.luaState))

	for _, path := range s.files {
		if err := L.DoFile(path); err != nil {
			L.Close()
			return fmt.Errorf("load script %s: %w", path, err)
		}
	}
	for _, src := range s.sources {
		if err := L.DoString(src); err != nil {
			L.Close()
			return fmt.Errorf("load script source: %w", err)
		}
	}
	s.L = L
	return nil
}

func (s *scriptFilter) done(fs *FilterSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}

// luaState implements state(path), returning the snapshot of a state subtree or nil.
func (s *scriptFilter) luaState(L *lua.LState) int {
	path := L.OptString(1, "")
	root, err := s.d.StateTree().Root()
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	node, ok := root.Resolve(path)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	snapshot, _ := node.Snapshot()
	L.Push(lua.LString(snapshot))
	return 1
}

func (s *scriptFilter) before(call *Call, data CallbackData) Outcome {
	result, ok := s.invoke(scriptBeforeFunc, call, false)
	if ok && result == lua.LFalse {
		return Stop
	}
	return Continue
}

func (s *scriptFilter) after(call *Call, data CallbackData) Outcome {
	s.invoke(scriptAfterFunc, call, true)
	return Continue
}

// invoke calls the named global with the call's formatted arguments, returning its result, false when the
// global is not defined or failed.
func (s *scriptFilter) invoke(fnName string, call *Call, withReturn bool) (result lua.LValue, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L == nil {
		return lua.LNil, false
	}
	fn := s.L.GetGlobal(fnName)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, false
	}

	name := s.d.Functions().FunctionName(call.Function)
	formatted, ret, err := s.d.Functions().FormatArguments(call)
	if err != nil {
		log.Printf("%sscript %s: %v", ErrorLogPrefix, name, err)
		return lua.LNil, false
	}
	args := s.L.NewTable()
	for _, a := range formatted {
		args.Append(lua.LString(a))
	}
	var context lua.LValue = lua.LNil
	if tc := CallContext(call); tc != nil {
		context = lua.LString(tc.Name())
	}
	params := []lua.LValue{lua.LString(name), args}
	if withReturn {
		params = append(params, lua.LString(ret))
	}
	params = append(params, context)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("%sscript %s panic: %v", ErrorLogPrefix, fnName, r)
			result, ok = lua.LNil, false
		}
	}()
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, params...); err != nil {
		log.Printf("%sscript %s(%s): %v", ErrorLogPrefix, fnName, name, err)
		return lua.LNil, false
	}
	result = s.L.Get(-1)
	s.L.Pop(1)
	return result, true
}
