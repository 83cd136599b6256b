// Package sampleapi is a small graphics-like API described the way a code generator would emit it, with a
// software implementation used by the replay tool and the tests.
package sampleapi

import (
	"github.com/PatchLens/go-intercept-lens/intercept"
)

// Type ids, in catalogue order.
const (
	TypeBool intercept.TypeID = iota
	TypeInt32
	TypeUint32
	TypeUint8
	TypeFloat32
	TypeFloat64
	TypeChar
	TypeString
	TypeToken
	TypeClearMask
	TypeContextID
	TypeBufferID
	TypeInt32Ptr
	TypeFloat32Ptr
	TypeBytePtr
	TypeAttribList
	TypeRect
	TypeColor
	TypeColorPtr
)

// Token values.
const (
	NoError            = 0x0000
	Points             = 0x0000
	Lines              = 0x0001
	Triangles          = 0x0004
	InvalidEnum        = 0x0500
	InvalidValue       = 0x0501
	InvalidOperation   = 0x0502
	Viewport           = 0x0BA2
	ColorClearValue    = 0x0C22
	MaxTextureSize     = 0x0D33
	Texture2D          = 0x0DE1
	TextureBorderColor = 0x1004
	Vendor             = 0x1F00
	Renderer           = 0x1F01
	Version            = 0x1F02
	Extensions         = 0x1F03
	Nearest            = 0x2600
	Linear             = 0x2601
	TextureMagFilter   = 0x2800
	TextureMinFilter   = 0x2801
	ArrayBuffer        = 0x8892
	ArrayBufferBinding = 0x8894
	StaticDraw         = 0x88E4
	DynamicDraw        = 0x88E8
	CurrentProgram     = 0x8B8D
)

// Clear mask bits.
const (
	DepthBufferBit   = 0x00000100
	StencilBufferBit = 0x00000400
	ColorBufferBit   = 0x00004000
)

// Context creation attributes, a zero terminated list of name, value pairs.
const (
	AttribMajorVersion = 0x2091
	AttribMinorVersion = 0x2092
)

var tokens = intercept.NewTokenTable(
	intercept.Token{Name: "NO_ERROR", Value: NoError},
	intercept.Token{Name: "POINTS", Value: Points},
	intercept.Token{Name: "LINES", Value: Lines},
	intercept.Token{Name: "TRIANGLES", Value: Triangles},
	intercept.Token{Name: "INVALID_ENUM", Value: InvalidEnum},
	intercept.Token{Name: "INVALID_VALUE", Value: InvalidValue},
	intercept.Token{Name: "INVALID_OPERATION", Value: InvalidOperation},
	intercept.Token{Name: "VIEWPORT", Value: Viewport},
	intercept.Token{Name: "COLOR_CLEAR_VALUE", Value: ColorClearValue},
	intercept.Token{Name: "MAX_TEXTURE_SIZE", Value: MaxTextureSize},
	intercept.Token{Name: "TEXTURE_2D", Value: Texture2D},
	intercept.Token{Name: "TEXTURE_BORDER_COLOR", Value: TextureBorderColor},
	intercept.Token{Name: "VENDOR", Value: Vendor},
	intercept.Token{Name: "RENDERER", Value: Renderer},
	intercept.Token{Name: "VERSION", Value: Version},
	intercept.Token{Name: "EXTENSIONS", Value: Extensions},
	intercept.Token{Name: "NEAREST", Value: Nearest},
	intercept.Token{Name: "LINEAR", Value: Linear},
	intercept.Token{Name: "TEXTURE_MAG_FILTER", Value: TextureMagFilter},
	intercept.Token{Name: "TEXTURE_MIN_FILTER", Value: TextureMinFilter},
	intercept.Token{Name: "ARRAY_BUFFER", Value: ArrayBuffer},
	intercept.Token{Name: "ARRAY_BUFFER_BINDING", Value: ArrayBufferBinding},
	intercept.Token{Name: "STATIC_DRAW", Value: StaticDraw},
	intercept.Token{Name: "DYNAMIC_DRAW", Value: DynamicDraw},
	intercept.Token{Name: "CURRENT_PROGRAM", Value: CurrentProgram},
)

var clearBits = []intercept.BitfieldTag{
	{Bits: ColorBufferBit, Name: "COLOR_BUFFER_BIT"},
	{Bits: DepthBufferBit, Name: "DEPTH_BUFFER_BIT"},
	{Bits: StencilBufferBit, Name: "STENCIL_BUFFER_BIT"},
}

func scalar(name string, code intercept.TypeCode, size int, signed bool, pointer intercept.TypeID) intercept.TypeDescriptor {
	return intercept.TypeDescriptor{
		Name:    name,
		Code:    code,
		Base:    intercept.NoType,
		Pointer: pointer,
		Size:    size,
		Signed:  signed,
	}
}

func pointerTo(name string, base intercept.TypeID) intercept.TypeDescriptor {
	return intercept.TypeDescriptor{
		Name:    name,
		Code:    intercept.CodePointer,
		Base:    base,
		Pointer: intercept.NoType,
		Size:    intercept.PointerSize,
	}
}

// attribListLength counts the elements of a zero terminated attribute list, terminator included.
func attribListLength(p *intercept.Printer, v intercept.Value) int {
	addr := v.Addr()
	for n := 0; n < 64; n += 2 {
		data, ok := p.Read(addr+uint64(n*4), 4)
		if !ok {
			return intercept.LengthUnspecified
		} else if (intercept.Value{Bytes: data}).Uint() == 0 {
			return n + 1
		}
	}
	return intercept.LengthUnspecified
}

func newCatalogue() *intercept.Catalogue {
	types := make([]intercept.TypeDescriptor, TypeColorPtr+1)
	types[TypeBool] = scalar("Bool", intercept.CodeIntegral, 1, false, intercept.NoType)
	types[TypeInt32] = scalar("Int32", intercept.CodeIntegral, 4, true, TypeInt32Ptr)
	types[TypeUint32] = scalar("Uint32", intercept.CodeIntegral, 4, false, intercept.NoType)
	types[TypeUint8] = scalar("Uint8", intercept.CodeIntegral, 1, false, TypeBytePtr)
	types[TypeFloat32] = scalar("Float32", intercept.CodeFloat, 4, true, TypeFloat32Ptr)
	types[TypeFloat64] = scalar("Float64", intercept.CodeFloat, 8, true, intercept.NoType)
	types[TypeChar] = scalar("Char", intercept.CodeIntegral, 1, true, TypeString)

	types[TypeString] = pointerTo("String", TypeChar)
	types[TypeString].Dumper = intercept.CStringDumper

	types[TypeToken] = scalar("Token", intercept.CodeEnum, 4, false, intercept.NoType)
	types[TypeToken].Tokens = tokens

	types[TypeClearMask] = scalar("ClearMask", intercept.CodeIntegral, 4, false, intercept.NoType)
	types[TypeClearMask].Bits = clearBits

	types[TypeContextID] = scalar("ContextID", intercept.CodeIntegral, 8, false, intercept.NoType)
	types[TypeBufferID] = scalar("BufferID", intercept.CodeIntegral, 4, false, intercept.NoType)
	types[TypeInt32Ptr] = pointerTo("Int32Ptr", TypeInt32)
	types[TypeFloat32Ptr] = pointerTo("Float32Ptr", TypeFloat32)
	types[TypeBytePtr] = pointerTo("BytePtr", TypeUint8)

	types[TypeAttribList] = pointerTo("AttribList", TypeInt32)
	types[TypeAttribList].LengthOf = attribListLength

	types[TypeRect] = intercept.TypeDescriptor{
		Name:    "Rect",
		Code:    intercept.CodeRecord,
		Base:    intercept.NoType,
		Pointer: intercept.NoType,
		Size:    16,
		Fields: []intercept.FieldDescriptor{
			{Name: "x", Type: TypeInt32, Offset: 0},
			{Name: "y", Type: TypeInt32, Offset: 4},
			{Name: "width", Type: TypeInt32, Offset: 8},
			{Name: "height", Type: TypeInt32, Offset: 12},
		},
	}
	types[TypeColor] = intercept.TypeDescriptor{
		Name:    "Color",
		Code:    intercept.CodeArray,
		Base:    TypeFloat32,
		Pointer: TypeColorPtr,
		Size:    16,
		Length:  4,
	}
	types[TypeColorPtr] = pointerTo("ColorPtr", TypeColor)
	return intercept.NewCatalogue(types)
}
