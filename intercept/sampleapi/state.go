package sampleapi

import (
	"fmt"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

// ContextPath locates the per context collection in the state tree.
const ContextPath = ".contexts"

// BufferState is the state node value of a buffer object.
type BufferState struct {
	Size  int
	Usage uint32
}

func (b BufferState) String() string {
	usage, ok := tokens.Name(uint64(b.Usage))
	if !ok || b.Usage == 0 {
		usage = "-"
	}
	return fmt.Sprintf("size=%d usage=%s", b.Size, usage)
}

// contextCopy returns a copy of a context's scalar state and its buffer sizes.
func (s *Software) contextCopy(id uint64) (SoftContext, map[uint32]BufferState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return SoftContext{}, nil, false
	}
	buffers := make(map[uint32]BufferState, len(c.Buffers))
	for bid, b := range c.Buffers {
		buffers[bid] = BufferState{Size: len(b.Data), Usage: b.Usage}
	}
	cp := *c
	cp.Buffers = nil
	return cp, buffers, true
}

func contextKey(n *intercept.StateNode) uint64 {
	for ; n != nil; n = n.Parent() {
		if n.Spec() != nil && n.Spec().Name == "context" {
			return intercept.Value{Bytes: n.Key()}.Uint()
		}
	}
	return 0
}

func (s *Software) contextUpdater(fn func(n *intercept.StateNode, c SoftContext, buffers map[uint32]BufferState) error) func(n *intercept.StateNode) error {
	return func(n *intercept.StateNode) error {
		id := contextKey(n)
		c, buffers, ok := s.contextCopy(id)
		if !ok {
			n.Data = nil
			return fmt.Errorf("context %d destroyed", id)
		}
		return fn(n, c, buffers)
	}
}

func float32Bytes(values []float32) []byte {
	var b []byte
	for _, f := range values {
		b = append(b, intercept.FloatValue(TypeFloat32, 4, float64(f)).Bytes...)
	}
	return b
}

func int32Bytes(values []int32) []byte {
	var b []byte
	for _, v := range values {
		b = append(b, intercept.IntValue(TypeInt32, 4, int64(v)).Bytes...)
	}
	return b
}

// StateSpec describes the state tree mirrored from the software implementation: one indexed node per context
// under ".contexts", each with its scalar state and one indexed node per buffer object.
func (s *Software) StateSpec() *intercept.StateSpec {
	bufferSpec := &intercept.StateSpec{
		Name: "buffer",
		Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, buffers map[uint32]BufferState) error {
			id := uint32(intercept.Value{Bytes: n.Key()}.Uint())
			b, ok := buffers[id]
			if !ok {
				n.Data = nil
				return fmt.Errorf("buffer %d deleted", id)
			}
			n.Data = b
			return nil
		}),
	}
	buffersSpec := &intercept.StateSpec{
		Name:    "buffers",
		Indexed: bufferSpec,
		Key:     &intercept.KeySpec{Type: TypeBufferID, Compare: intercept.CompareUintKeys},
	}
	contextSpec := &intercept.StateSpec{
		Name: "context",
		Children: []*intercept.StateSpec{
			{
				Name: "clear_color",
				Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, _ map[uint32]BufferState) error {
					n.Data = intercept.Value{Type: TypeColor, Bytes: float32Bytes(c.ClearColor[:])}
					return nil
				}),
			},
			{
				Name: "viewport",
				Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, _ map[uint32]BufferState) error {
					n.Data = intercept.Value{Type: TypeRect, Bytes: int32Bytes(c.Viewport[:])}
					return nil
				}),
			},
			{
				Name: "scissor",
				Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, _ map[uint32]BufferState) error {
					n.Data = intercept.Value{Type: TypeRect, Bytes: int32Bytes(c.Scissor[:])}
					return nil
				}),
			},
			{
				Name: "program",
				Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, _ map[uint32]BufferState) error {
					n.Data = intercept.UintValue(TypeUint32, 4, uint64(c.Program))
					return nil
				}),
			},
			{
				Name: "frames",
				Updater: s.contextUpdater(func(n *intercept.StateNode, c SoftContext, _ map[uint32]BufferState) error {
					n.Data = c.Frames
					return nil
				}),
			},
			buffersSpec,
		},
		// buffers created before the context was first made current are picked up here
		Constructor: func(n *intercept.StateNode) error {
			c, buffers, ok := s.contextCopy(intercept.Value{Bytes: n.Key()}.Uint())
			if !ok {
				return nil
			}
			buffersNode, _ := n.Child("buffers")
			for bid := range buffers {
				if _, err := buffersNode.AddIndex(intercept.Uint32Key(bid), ""); err != nil {
					return fmt.Errorf("context %d buffer %d: %w", c.ID, bid, err)
				}
			}
			return nil
		},
	}
	return &intercept.StateSpec{
		Children: []*intercept.StateSpec{{
			Name:    "contexts",
			Indexed: contextSpec,
			Key:     &intercept.KeySpec{Type: TypeContextID, Compare: intercept.CompareUintKeys},
		}},
	}
}
