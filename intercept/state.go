package intercept

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ErrStateTreeDestroyed is returned by Root after the tree has been torn down.
var ErrStateTreeDestroyed = errors.New("state tree destroyed")

// KeySpec describes the keys of an indexed collection.
type KeySpec struct {
	// Type is the catalogue type of the key, NoType for opaque keys. Typed keys are truncated to the type size
	// and used to name the indexed node.
	Type TypeID
	// Compare orders keys. Without it the collection keeps insertion order and lookups scan by key equality.
	Compare func(a, b []byte) int
}

// StateSpec is the shared, immutable description of a kind of state node.
type StateSpec struct {
	Name     string
	Children []*StateSpec
	// Indexed is the spec for children created on demand with AddIndex.
	Indexed *StateSpec
	// Key describes the keys of the Indexed collection.
	Key *KeySpec
	// Constructor runs after the fixed children have been built.
	Constructor func(n *StateNode) error
	// Updater refreshes Data from the target.
	Updater    func(n *StateNode) error
	Destructor func(n *StateNode)
}

// StateNode is one node of the state tree. Nodes are not synchronised, a subtree is expected to be used by one
// goroutine at a time.
type StateNode struct {
	// Data is the cached value of the node.
	Data any

	tree     *StateTree
	spec     *StateSpec
	name     string
	key      []byte
	parent   *StateNode
	children []*StateNode // fixed at construction
	indexed  []*StateNode // sorted by key when the parent spec declares a comparator
	stale    bool
}

// StateTree owns a lazily constructed root node.
type StateTree struct {
	catalogue *Catalogue
	spec      *StateSpec
	once      sync.Once
	mu        sync.Mutex
	root      *StateNode
	err       error
}

// NewStateTree creates a tree whose root will be built from rootSpec on first access.
func NewStateTree(catalogue *Catalogue, rootSpec *StateSpec) *StateTree {
	return &StateTree{catalogue: catalogue, spec: rootSpec}
}

// Root returns the root node, constructing the whole fixed subtree exactly once. Concurrent first callers block
// until construction completes. A construction failure is permanent.
func (t *StateTree) Root() (*StateNode, error) {
	t.once.Do(func() {
		t.root, t.err = t.newNode(t.spec, nil, "", nil)
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root, t.err
}

// Destroy tears down the whole tree.
func (t *StateTree) Destroy() {
	t.once.Do(func() {}) // a tree destroyed before first use stays empty
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root != nil {
		t.root.Destroy()
		t.root = nil
	}
	t.err = ErrStateTreeDestroyed
}

func (t *StateTree) newNode(spec *StateSpec, parent *StateNode, name string, key []byte) (*StateNode, error) {
	if name == "" && spec != nil {
		name = spec.Name
	}
	n := &StateNode{
		tree:   t,
		spec:   spec,
		name:   name,
		key:    key,
		parent: parent,
		stale:  true,
	}
	if spec == nil {
		return n, nil
	}
	n.children = make([]*StateNode, 0, len(spec.Children))
	for _, cs := range spec.Children {
		child, err := t.newNode(cs, n, "", nil)
		if err != nil {
			n.Destroy()
			return nil, err
		}
		n.children = append(n.children, child)
	}
	if spec.Constructor != nil {
		if err := spec.Constructor(n); err != nil {
			n.Destroy()
			return nil, fmt.Errorf("construct state %s: %w", n.Path(), err)
		}
	}
	return n, nil
}

func (n *StateNode) Name() string {
	return n.name
}

// Key returns the node's copy of its key, nil for fixed nodes.
func (n *StateNode) Key() []byte {
	return n.key
}

func (n *StateNode) Parent() *StateNode {
	return n.parent
}

func (n *StateNode) Spec() *StateSpec {
	return n.spec
}

// Children returns the fixed children. The slice must not be modified.
func (n *StateNode) Children() []*StateNode {
	return n.children
}

// Child returns the fixed child with the given name.
func (n *StateNode) Child(name string) (*StateNode, bool) {
	for _, c := range n.children {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// IndexLen returns the number of indexed children.
func (n *StateNode) IndexLen() int {
	return len(n.indexed)
}

// IndexAt returns the indexed child at position i.
func (n *StateNode) IndexAt(i int) (*StateNode, bool) {
	if i < 0 || i >= len(n.indexed) {
		return nil, false
	}
	return n.indexed[i], true
}

// Indexed returns the indexed children in key order. The slice must not be modified.
func (n *StateNode) Indexed() []*StateNode {
	return n.indexed
}

func (n *StateNode) keySpec() *KeySpec {
	if n.spec == nil {
		return nil
	}
	return n.spec.Key
}

// normalizeKey copies key, truncating it to the size of the declared key type.
func (n *StateNode) normalizeKey(key []byte) ([]byte, error) {
	ks := n.keySpec()
	if ks == nil || ks.Type == NoType {
		return bytes.Clone(key), nil
	}
	d, ok := n.tree.catalogue.Describe(ks.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, ks.Type)
	} else if len(key) < d.Size {
		return nil, fmt.Errorf("%w: key of %s needs %d bytes, have %d", ErrValueSize, d.Name, d.Size, len(key))
	}
	return bytes.Clone(key[:d.Size]), nil
}

// AddIndex creates an indexed child for key. When name is empty the node is named by rendering a typed key,
// or "[]" for opaque keys.
func (n *StateNode) AddIndex(key []byte, name string) (*StateNode, error) {
	if n.spec == nil || n.spec.Indexed == nil {
		return nil, fmt.Errorf("state %s has no indexed children", n.Path())
	}
	k, err := n.normalizeKey(key)
	if err != nil {
		return nil, err
	}
	ks := n.keySpec()
	if name == "" {
		name = "[]"
		if ks != nil && ks.Type != NoType {
			if s, err := n.tree.catalogue.FormatValue(Value{Type: ks.Type, Bytes: k}, LengthUnspecified, nil); err == nil {
				name = s
			}
		}
	}
	child, err := n.tree.newNode(n.spec.Indexed, n, name, k)
	if err != nil {
		return nil, err
	}
	if ks != nil && ks.Compare != nil {
		i := sort.Search(len(n.indexed), func(i int) bool {
			return ks.Compare(n.indexed[i].key, k) > 0
		})
		n.indexed = slices.Insert(n.indexed, i, child)
	} else {
		n.indexed = append(n.indexed, child)
	}
	return child, nil
}

func (n *StateNode) findIndex(key []byte) (int, bool) {
	k, err := n.normalizeKey(key)
	if err != nil {
		return 0, false
	}
	if ks := n.keySpec(); ks != nil && ks.Compare != nil {
		return slices.BinarySearchFunc(n.indexed, k, func(c *StateNode, k []byte) int {
			return ks.Compare(c.key, k)
		})
	}
	for i, c := range n.indexed {
		if bytes.Equal(c.key, k) {
			return i, true
		}
	}
	return 0, false
}

// GetIndex returns the indexed child for key.
func (n *StateNode) GetIndex(key []byte) (*StateNode, bool) {
	if i, ok := n.findIndex(key); ok {
		return n.indexed[i], true
	}
	return nil, false
}

// RemoveIndex destroys the indexed child for key, returning false if there was none.
func (n *StateNode) RemoveIndex(key []byte) bool {
	i, ok := n.findIndex(key)
	if !ok {
		return false
	}
	n.indexed[i].Destroy()
	n.indexed = slices.Delete(n.indexed, i, i+1)
	return true
}

// Destroy recursively destroys the node and everything it owns, indexed children first.
func (n *StateNode) Destroy() {
	for _, c := range n.indexed {
		c.Destroy()
	}
	n.indexed = nil
	for _, c := range n.children {
		c.Destroy()
	}
	n.children = nil
	if n.spec != nil && n.spec.Destructor != nil {
		n.spec.Destructor(n)
	}
	n.Data = nil
}

// Invalidate marks the cached value stale so the next Current refreshes it.
func (n *StateNode) Invalidate() {
	n.stale = true
}

// InvalidateRecursive marks the node and every descendant stale.
func (n *StateNode) InvalidateRecursive() {
	n.stale = true
	for _, c := range n.children {
		c.InvalidateRecursive()
	}
	for _, c := range n.indexed {
		c.InvalidateRecursive()
	}
}

// Cached returns the cached value without refreshing it.
func (n *StateNode) Cached() any {
	return n.Data
}

// Current refreshes the value if it was invalidated and returns it.
func (n *StateNode) Current() (any, error) {
	if n.stale {
		if err := n.update(); err != nil {
			return n.Data, err
		}
	}
	return n.Data, nil
}

func (n *StateNode) update() error {
	if n.spec != nil && n.spec.Updater != nil {
		if err := n.spec.Updater(n); err != nil {
			return fmt.Errorf("update state %s: %w", n.Path(), err)
		}
	}
	n.stale = false
	return nil
}

// UpdateRecursive refreshes the node and its fixed children. Indexed children are refreshed on access.
func (n *StateNode) UpdateRecursive() error {
	errs := []error{n.update()}
	for _, c := range n.children {
		errs = append(errs, c.UpdateRecursive())
	}
	return errors.Join(errs...)
}

// Path returns the node's path from the root, in the form accepted by Resolve.
func (n *StateNode) Path() string {
	if n.parent == nil {
		return ""
	}
	if n.key != nil || slices.Contains(n.parent.indexed, n) {
		return n.parent.Path() + "[" + n.name + "]"
	}
	return n.parent.Path() + "." + n.name
}

// Resolve finds a descendant by path. ".name" selects a fixed child, "[text]" the indexed child rendered as
// text, and "." or an empty path the node itself.
func (n *StateNode) Resolve(path string) (*StateNode, bool) {
	cur := n
	for {
		path = strings.TrimPrefix(path, ".")
		if path == "" {
			return cur, true
		}
		if path[0] == '[' {
			end := strings.IndexByte(path, ']')
			if end < 0 {
				return nil, false
			}
			child, ok := cur.indexedByName(path[1:end])
			if !ok {
				return nil, false
			}
			cur, path = child, path[end+1:]
			continue
		}
		end := strings.IndexAny(path, ".[]")
		if end == 0 {
			return nil, false
		} else if end < 0 {
			end = len(path)
		}
		child, ok := cur.Child(path[:end])
		if !ok {
			return nil, false
		}
		cur, path = child, path[end:]
	}
}

func (n *StateNode) indexedByName(name string) (*StateNode, bool) {
	for _, c := range n.indexed {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Uint32Key encodes a key the way a 4 byte unsigned integral type is captured.
func Uint32Key(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// Uint64Key encodes a key the way an 8 byte unsigned integral type is captured.
func Uint64Key(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// CompareUintKeys orders little-endian unsigned integer keys of equal width.
func CompareUintKeys(a, b []byte) int {
	av, bv := Value{Bytes: a}.Uint(), Value{Bytes: b}.Uint()
	if av < bv {
		return -1
	} else if av > bv {
		return 1
	}
	return 0
}
