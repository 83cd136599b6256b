package sampleapi

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

// SoftwareVersion and SoftwareExtensions are what the software implementation reports.
const (
	SoftwareVersion    = "2.1 Software"
	SoftwareExtensions = "SW_debug_output SW_buffer_storage"
)

var errNoCurrentContext = errors.New("no current context")

// Buffer is a buffer object of a software context.
type Buffer struct {
	Data  []byte
	Usage uint32
}

// SoftContext is the state of one software context.
type SoftContext struct {
	ID         uint64
	ClearColor [4]float32
	Viewport   [4]int32
	Scissor    [4]int32
	Program    uint32
	Bound      uint32
	Buffers    map[uint32]*Buffer
	Frames     int
	Draws      int
	Clears     int
	Error      uint32

	nextBuffer uint32
}

func (c *SoftContext) setError(e uint32) {
	if c.Error == NoError {
		c.Error = e
	}
}

// Software is a pure Go implementation of the API. Contexts are made current per thread binding.
type Software struct {
	mu       sync.Mutex
	contexts map[uint64]*SoftContext
	current  map[int64]uint64
	next     uint64
}

// NewSoftware returns an implementation with no contexts.
func NewSoftware() *Software {
	return &Software{
		contexts: make(map[uint64]*SoftContext),
		current:  make(map[int64]uint64),
		next:     1,
	}
}

// Context returns the context with the given id.
func (s *Software) Context(id uint64) (*SoftContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	return c, ok
}

func threadID(call *intercept.Call) int64 {
	if call.Thread == nil {
		return 0
	}
	return call.Thread.ID()
}

// currentContext returns the calling thread's context, mu must be held.
func (s *Software) currentContext(call *intercept.Call) (*SoftContext, error) {
	c, ok := s.contexts[s.current[threadID(call)]]
	if !ok {
		return nil, errNoCurrentContext
	}
	return c, nil
}

// Resolver resolves every function of the API to the software implementation.
func (s *Software) Resolver() intercept.Resolver {
	impls := map[intercept.FunctionID]intercept.RealFunc{
		FnCreateContext:  s.createContext,
		FnMakeCurrent:    s.makeCurrent,
		FnDestroyContext: s.destroyContext,
		FnGetString:      s.getString,
		FnGetIntegerv:    s.getIntegerv,
		FnClearColor:     s.withContext(clearColor),
		FnClearColorv:    s.withContext(clearColorv),
		FnClear:          s.withContext(clearBuffers),
		FnViewport:       s.withContext(viewport),
		FnScissor:        s.withContext(scissor),
		FnGenBuffer:      s.withContext(genBuffer),
		FnDeleteBuffer:   s.withContext(deleteBuffer),
		FnBindBuffer:     s.withContext(bindBuffer),
		FnBufferData:     s.withContext(bufferData),
		FnDrawArrays:     s.withContext(drawArrays),
		FnGetError:       s.withContext(getError),
		FnSwapBuffers:    s.withContext(swapBuffers),
		FnTexParameter:   s.withContext(texParameter),
		FnUseProgram:     s.withContext(useProgram),
	}
	resolver := make(intercept.MapResolver, len(impls))
	for id, fn := range impls {
		resolver[functionTable.FunctionName(id)] = fn
	}
	return resolver
}

func (s *Software) withContext(fn func(c *SoftContext, call *intercept.Call) error) intercept.RealFunc {
	return func(call *intercept.Call) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		c, err := s.currentContext(call)
		if err != nil {
			return err
		}
		return fn(c, call)
	}
}

func setReturn(call *intercept.Call, t intercept.TypeID, u uint64) {
	d, _ := Catalogue().Describe(t)
	v := intercept.UintValue(t, d.Size, u)
	call.Return = &v
}

func (s *Software) createContext(call *intercept.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.contexts[id] = &SoftContext{
		ID:         id,
		Buffers:    make(map[uint32]*Buffer),
		nextBuffer: 1,
	}
	setReturn(call, TypeContextID, id)
	return nil
}

func (s *Software) makeCurrent(call *intercept.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := call.Args[0].Uint()
	ok := id == 0
	if _, exists := s.contexts[id]; exists || ok {
		s.current[threadID(call)] = id
		ok = true
	}
	var b uint64
	if ok {
		b = 1
	}
	setReturn(call, TypeBool, b)
	return nil
}

func (s *Software) destroyContext(call *intercept.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := call.Args[0].Uint()
	if _, ok := s.contexts[id]; !ok {
		return fmt.Errorf("unknown context %d", id)
	}
	delete(s.contexts, id)
	for th, cur := range s.current {
		if cur == id {
			delete(s.current, th)
		}
	}
	return nil
}

type allocator interface {
	Alloc(data []byte) uint64
}

func (s *Software) getString(call *intercept.Call) error {
	var str string
	switch call.Args[0].Uint() {
	case Vendor:
		str = "PatchLens"
	case Renderer:
		str = "Software Rasterizer"
	case Version:
		str = SoftwareVersion
	case Extensions:
		str = SoftwareExtensions
	}
	var addr uint64
	if str != "" {
		mem, ok := call.Memory.(allocator)
		if !ok {
			return errors.New("call memory cannot hold returned strings")
		}
		addr = mem.Alloc(append([]byte(str), 0))
	} else {
		s.mu.Lock()
		if c, err := s.currentContext(call); err == nil {
			c.setError(InvalidEnum)
		}
		s.mu.Unlock()
	}
	setReturn(call, TypeString, addr)
	return nil
}

func (s *Software) getIntegerv(call *intercept.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.currentContext(call)
	if err != nil {
		return err
	}
	var values []int32
	switch call.Args[0].Uint() {
	case Viewport:
		values = c.Viewport[:]
	case ColorClearValue:
		for _, f := range c.ClearColor {
			values = append(values, int32(f*math.MaxInt32))
		}
	case MaxTextureSize:
		values = []int32{4096}
	case ArrayBufferBinding:
		values = []int32{int32(c.Bound)}
	case CurrentProgram:
		values = []int32{int32(c.Program)}
	default:
		c.setError(InvalidEnum)
		return nil
	}
	mem, ok := call.Memory.(intercept.WritableMemory)
	if !ok {
		return errors.New("call memory is not writable")
	}
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = append(out, intercept.IntValue(TypeInt32, 4, int64(v)).Bytes...)
	}
	if !mem.Write(call.Args[1].Addr(), out) {
		return fmt.Errorf("%w: %#x", intercept.ErrUnreadablePointer, call.Args[1].Addr())
	}
	return nil
}

func clearColor(c *SoftContext, call *intercept.Call) error {
	for i := range c.ClearColor {
		c.ClearColor[i] = float32(call.Args[i].Float())
	}
	return nil
}

func clearColorv(c *SoftContext, call *intercept.Call) error {
	if call.Memory == nil {
		return intercept.ErrUnreadablePointer
	}
	data, ok := call.Memory.Read(call.Args[0].Addr(), 16)
	if !ok {
		return fmt.Errorf("%w: %#x", intercept.ErrUnreadablePointer, call.Args[0].Addr())
	}
	for i := range c.ClearColor {
		c.ClearColor[i] = float32(intercept.Value{Bytes: data[i*4 : i*4+4]}.Float())
	}
	return nil
}

func clearBuffers(c *SoftContext, call *intercept.Call) error {
	if call.Args[0].Uint()&^(ColorBufferBit|DepthBufferBit|StencilBufferBit) != 0 {
		c.setError(InvalidValue)
		return nil
	}
	c.Clears++
	return nil
}

func viewport(c *SoftContext, call *intercept.Call) error {
	if call.Args[2].Int() < 0 || call.Args[3].Int() < 0 {
		c.setError(InvalidValue)
		return nil
	}
	for i := range c.Viewport {
		c.Viewport[i] = int32(call.Args[i].Int())
	}
	return nil
}

func scissor(c *SoftContext, call *intercept.Call) error {
	box := call.Args[0]
	for i := range c.Scissor {
		f, ok := Catalogue().Field(box, i)
		if !ok {
			return fmt.Errorf("%w: scissor box", intercept.ErrValueSize)
		}
		c.Scissor[i] = int32(f.Int())
	}
	return nil
}

func genBuffer(c *SoftContext, call *intercept.Call) error {
	id := c.nextBuffer
	c.nextBuffer++
	c.Buffers[id] = &Buffer{}
	setReturn(call, TypeBufferID, uint64(id))
	return nil
}

func deleteBuffer(c *SoftContext, call *intercept.Call) error {
	id := uint32(call.Args[0].Uint())
	delete(c.Buffers, id)
	if c.Bound == id {
		c.Bound = 0
	}
	return nil
}

func bindBuffer(c *SoftContext, call *intercept.Call) error {
	if call.Args[0].Uint() != ArrayBuffer {
		c.setError(InvalidEnum)
		return nil
	}
	id := uint32(call.Args[1].Uint())
	if _, ok := c.Buffers[id]; !ok && id != 0 {
		c.setError(InvalidOperation)
		return nil
	}
	c.Bound = id
	return nil
}

func bufferData(c *SoftContext, call *intercept.Call) error {
	b, ok := c.Buffers[c.Bound]
	if !ok || c.Bound == 0 {
		c.setError(InvalidOperation)
		return nil
	}
	size := int(call.Args[1].Int())
	if size < 0 {
		c.setError(InvalidValue)
		return nil
	}
	b.Data = make([]byte, size)
	if addr := call.Args[2].Addr(); addr != 0 {
		if call.Memory == nil {
			return intercept.ErrUnreadablePointer
		}
		data, ok := call.Memory.Read(addr, size)
		if !ok {
			return fmt.Errorf("%w: %#x", intercept.ErrUnreadablePointer, addr)
		}
		copy(b.Data, data)
	}
	b.Usage = uint32(call.Args[3].Uint())
	return nil
}

func drawArrays(c *SoftContext, call *intercept.Call) error {
	if call.Args[2].Int() < 0 {
		c.setError(InvalidValue)
		return nil
	}
	c.Draws++
	return nil
}

func getError(c *SoftContext, call *intercept.Call) error {
	setReturn(call, TypeToken, uint64(c.Error))
	c.Error = NoError
	return nil
}

func swapBuffers(c *SoftContext, call *intercept.Call) error {
	c.Frames++
	return nil
}

func texParameter(c *SoftContext, call *intercept.Call) error {
	if call.Args[0].Uint() != Texture2D {
		c.setError(InvalidEnum)
	}
	return nil
}

func useProgram(c *SoftContext, call *intercept.Call) error {
	c.Program = uint32(call.Args[0].Uint())
	return nil
}

// BufferIDs returns the buffer ids of a context in ascending order.
func (c *SoftContext) BufferIDs() []uint32 {
	return slices.Sorted(maps.Keys(c.Buffers))
}
