package intercept

import (
	"bytes"
	"slices"

	"github.com/go-analyze/bulk"
)

// TargetContext is one context of the target API (for a graphics API, one rendering context). It is created the
// first time its key is made current.
type TargetContext struct {
	Key []byte
	// Node is the context's state node, nil when the dispatcher tracks no context state.
	Node *StateNode
	// Scratch holds the context scratch ranges of every filter-set registered when the context was created.
	Scratch []byte

	attachments map[string]any
}

// Name returns the rendered name of the context.
func (tc *TargetContext) Name() string {
	if tc.Node != nil {
		return tc.Node.Name()
	}
	return string(tc.Key)
}

// Attach stores a per context value for a filter-set, for state that does not fit in raw scratch bytes.
func (tc *TargetContext) Attach(name string, v any) {
	if tc.attachments == nil {
		tc.attachments = make(map[string]any)
	}
	tc.attachments[name] = v
}

// Attachment returns a value stored with Attach.
func (tc *TargetContext) Attachment(name string) (any, bool) {
	v, ok := tc.attachments[name]
	return v, ok
}

func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// ContextCollection returns the state node whose indexed children are the target contexts.
func (d *Dispatcher) ContextCollection() (*StateNode, error) {
	if d.contextPath == "" {
		return nil, nil
	}
	root, err := d.tree.Root()
	if err != nil {
		return nil, err
	}
	node, ok := root.Resolve(d.contextPath)
	if !ok || node.Spec() == nil || node.Spec().Indexed == nil {
		return nil, ErrNoContextNode
	}
	return node, nil
}

// BindContext makes the context with key current on th, creating it on first observation. A zero or empty key
// leaves th without a current context.
func (d *Dispatcher) BindContext(th *Thread, key []byte) (*TargetContext, error) {
	if isZeroKey(key) {
		th.current = nil
		return nil, nil
	}
	tc, err := d.context(key, true)
	if err != nil {
		return nil, err
	}
	th.current = tc
	return tc, nil
}

// LookupContext returns the context for key if it has been observed.
func (d *Dispatcher) LookupContext(key []byte) (*TargetContext, bool) {
	tc, _ := d.context(key, false)
	return tc, tc != nil
}

func (d *Dispatcher) context(key []byte, create bool) (*TargetContext, error) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	if tc, ok := d.contexts[string(key)]; ok {
		return tc, nil
	} else if !create {
		return nil, nil
	}
	tc := &TargetContext{
		Key:     bytes.Clone(key),
		Scratch: make([]byte, d.registry.ContextStateSize()),
	}
	collection, err := d.ContextCollection()
	if err != nil {
		return nil, err
	} else if collection != nil {
		if tc.Node, err = collection.AddIndex(key, ""); err != nil {
			return nil, err
		}
	}
	d.contexts[string(key)] = tc
	return tc, nil
}

// ReleaseContext forgets a context and destroys its state node. Threads still bound to it keep their binding
// until they bind another context.
func (d *Dispatcher) ReleaseContext(key []byte) bool {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	tc, ok := d.contexts[string(key)]
	if !ok {
		return false
	}
	delete(d.contexts, string(key))
	if tc.Node != nil && tc.Node.Parent() != nil {
		tc.Node.Parent().RemoveIndex(tc.Key)
	}
	return true
}

// Contexts returns the observed contexts ordered by key.
func (d *Dispatcher) Contexts() []*TargetContext {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	result := bulk.MapValuesSlice(d.contexts)
	slices.SortFunc(result, func(a, b *TargetContext) int {
		return bytes.Compare(a.Key, b.Key)
	})
	return result
}
