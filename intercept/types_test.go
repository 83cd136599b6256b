package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    Value
		u    uint64
		i    int64
	}{
		{"byte_negative", Value{Bytes: []byte{0xff}}, 0xff, -1},
		{"int16", Value{Bytes: []byte{0x00, 0x80}}, 0x8000, -32768},
		{"int32_positive", IntValue(tInt32, 4, 42), 42, 42},
		{"int64", IntValue(tKey, 8, -3), 0xfffffffffffffffd, -3},
		{"empty", Value{}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.u, tt.v.Uint())
			assert.Equal(t, tt.i, tt.v.Int())
		})
	}

	assert.InDelta(t, 2.5, FloatValue(tFloat32, 4, 2.5).Float(), 0)
	assert.InDelta(t, -0.25, FloatValue(tFloat64, 8, -0.25).Float(), 0)
	assert.Equal(t, uint64(0x1234), UintValue(tInt32Ptr, PointerSize, 0x1234).Addr())
	assert.Len(t, UintValue(tUint8, 1, 0x1ff).Bytes, 1)
}

func TestTokenTable(t *testing.T) {
	t.Parallel()

	name, ok := testTokens.Name(tokOne)
	require.True(t, ok)
	assert.Equal(t, "ONE", name)

	_, ok = testTokens.Name(3)
	assert.False(t, ok)

	v, ok := testTokens.Value("UNO")
	require.True(t, ok)
	assert.Equal(t, uint64(tokOne), v)

	_, ok = testTokens.Value("NOPE")
	assert.False(t, ok)
	assert.Equal(t, 5, testTokens.Len())
}

func TestCatalogueLookup(t *testing.T) {
	t.Parallel()

	c := testCatalogue()
	id, ok := c.Lookup("point")
	require.True(t, ok)
	assert.Equal(t, tPoint, id)

	d, ok := c.Describe(tPoint)
	require.True(t, ok)
	assert.Equal(t, CodeRecord, d.Code)

	_, ok = c.Describe(NoType)
	assert.False(t, ok)
	_, ok = c.Describe(TypeID(c.Len()))
	assert.False(t, ok)
	assert.Equal(t, "record", CodeRecord.String())
}

func TestCatalogueElemField(t *testing.T) {
	t.Parallel()

	c := testCatalogue()
	arr := Value{Type: tInt3, Bytes: int32Bytes(10, 20, 30)}
	e, ok := c.Elem(arr, 2)
	require.True(t, ok)
	assert.Equal(t, int64(30), e.Int())
	assert.Equal(t, tInt32, e.Type)
	_, ok = c.Elem(arr, 3)
	assert.False(t, ok)
	_, ok = c.Elem(IntValue(tInt32, 4, 1), 0)
	assert.False(t, ok)

	pt := Value{Type: tPoint, Bytes: int32Bytes(-1, 7)}
	f, ok := c.Field(pt, 1)
	require.True(t, ok)
	assert.Equal(t, int64(7), f.Int())
	_, ok = c.Field(pt, 2)
	assert.False(t, ok)
	_, ok = c.Field(Value{Type: tPoint, Bytes: int32Bytes(1)}, 1)
	assert.False(t, ok)
}

func TestCatalogueValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testCatalogue().Validate())

	tests := []struct {
		name  string
		types []TypeDescriptor
	}{
		{"integer_size", []TypeDescriptor{{Name: "i3", Code: CodeIntegral, Size: 3, Base: NoType, Pointer: NoType}}},
		{"float_size", []TypeDescriptor{{Name: "f2", Code: CodeFloat, Size: 2, Base: NoType, Pointer: NoType}}},
		{"pointer_size", []TypeDescriptor{{Name: "p", Code: CodePointer, Size: 4, Base: NoType, Pointer: NoType}}},
		{"dangling_base", []TypeDescriptor{{Name: "p", Code: CodePointer, Size: PointerSize, Base: 5, Pointer: NoType}}},
		{"array_size", []TypeDescriptor{
			{Name: "i", Code: CodeIntegral, Size: 4, Base: NoType, Pointer: NoType},
			{Name: "a", Code: CodeArray, Size: 10, Length: 3, Base: 0, Pointer: NoType},
		}},
		{"field_overflow", []TypeDescriptor{
			{Name: "i", Code: CodeIntegral, Size: 4, Base: NoType, Pointer: NoType},
			{Name: "r", Code: CodeRecord, Size: 4, Base: NoType, Pointer: NoType,
				Fields: []FieldDescriptor{{Name: "x", Type: 0, Offset: 2}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewCatalogue(tt.types).Validate())
		})
	}
}

func TestFunctionTableValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testFunctions().Validate())

	c := testCatalogue()
	t.Run("bad_group", func(t *testing.T) {
		ft := NewFunctionTable(c, nil, []FunctionDescriptor{{Name: "F", Group: 3}})
		assert.Error(t, ft.Validate())
	})
	t.Run("bad_param_type", func(t *testing.T) {
		ft := NewFunctionTable(c, []GroupDescriptor{{Params: []ParamDescriptor{{Type: 99}}}},
			[]FunctionDescriptor{{Name: "F"}})
		require.ErrorIs(t, ft.Validate(), ErrUnknownType)
	})
	t.Run("bad_context_arg", func(t *testing.T) {
		ft := NewFunctionTable(c, []GroupDescriptor{{}},
			[]FunctionDescriptor{{Name: "Bind", Kind: KindMakeCurrent}})
		assert.Error(t, ft.Validate())
	})

	ft := testFunctions()
	id, ok := ft.Lookup("Add")
	require.True(t, ok)
	assert.Equal(t, fAdd, id)
	assert.Equal(t, "?", ft.FunctionName(-1))
}

func TestMemoryImage(t *testing.T) {
	t.Parallel()

	mem := NewMemoryImage()
	a := mem.Alloc([]byte("abc\x00"))
	b := mem.Alloc([]byte{1, 2, 3, 4})
	assert.Greater(t, b, a)
	assert.Zero(t, b%memoryImageAlign)

	data, ok := mem.Read(b+1, 2)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 3}, data)

	_, ok = mem.Read(b+2, 4)
	assert.False(t, ok)
	_, ok = mem.Read(0x10, 1)
	assert.False(t, ok)

	s, ok := mem.ReadCString(a + 1)
	require.True(t, ok)
	assert.Equal(t, "bc", string(s))

	require.True(t, mem.Write(b, []byte{9}))
	data, _ = mem.Read(b, 1)
	assert.Equal(t, []byte{9}, data)
	assert.False(t, mem.Write(b+3, []byte{1, 1}))

	mem.Map(0x100, []byte("zz"))
	_, ok = mem.ReadCString(0x100)
	assert.False(t, ok) // unterminated
}
