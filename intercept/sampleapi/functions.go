package sampleapi

import (
	"github.com/PatchLens/go-intercept-lens/intercept"
)

// Function ids, in table order.
const (
	FnCreateContext intercept.FunctionID = iota
	FnMakeCurrent
	FnDestroyContext
	FnGetString
	FnGetIntegerv
	FnClearColor
	FnClearColorv
	FnClear
	FnViewport
	FnScissor
	FnGenBuffer
	FnDeleteBuffer
	FnBindBuffer
	FnBufferData
	FnDrawArrays
	FnGetError
	FnSwapBuffers
	FnTexParameter
	FnUseProgram
)

const (
	groupCreateContext intercept.GroupID = iota
	groupContext
	groupContextVoid
	groupGetString
	groupGetIntegerv
	groupFloat4
	groupColorv
	groupClear
	groupInt4
	groupRect
	groupGenBuffer
	groupBuffer
	groupBindBuffer
	groupBufferData
	groupDrawArrays
	groupGetError
	groupVoid
	groupTexParameter
	groupUint
)

// IntegerCount is the number of values GetIntegerv writes for pname.
func IntegerCount(pname uint64) int {
	switch pname {
	case Viewport, ColorClearValue:
		return 4
	case MaxTextureSize, ArrayBufferBinding, CurrentProgram:
		return 1
	default:
		return 0
	}
}

func param(name string, t intercept.TypeID) intercept.ParamDescriptor {
	return intercept.ParamDescriptor{Name: name, Type: t}
}

func newGroups() []intercept.GroupDescriptor {
	groups := make([]intercept.GroupDescriptor, groupUint+1)
	groups[groupCreateContext] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("share", TypeContextID), param("attribs", TypeAttribList)},
		Return: &intercept.ParamDescriptor{Type: TypeContextID},
	}
	groups[groupContext] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("context", TypeContextID)},
		Return: &intercept.ParamDescriptor{Type: TypeBool},
	}
	groups[groupContextVoid] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("context", TypeContextID)},
	}
	groups[groupGetString] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("name", TypeToken)},
		Return: &intercept.ParamDescriptor{Type: TypeString},
	}
	groups[groupGetIntegerv] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{
			param("pname", TypeToken),
			{
				Name: "params",
				Type: TypeInt32Ptr,
				Length: func(call *intercept.Call, arg int, v intercept.Value) int {
					if n := IntegerCount(call.Args[0].Uint()); n > 0 {
						return n
					}
					return intercept.LengthUnspecified
				},
			},
		},
	}
	groups[groupFloat4] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{
			param("red", TypeFloat32), param("green", TypeFloat32),
			param("blue", TypeFloat32), param("alpha", TypeFloat32),
		},
	}
	groups[groupColorv] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{{
			Name: "color",
			Type: TypeColorPtr,
			Length: func(call *intercept.Call, arg int, v intercept.Value) int {
				return 1
			},
		}},
	}
	groups[groupClear] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("mask", TypeClearMask)},
	}
	groups[groupInt4] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{
			param("x", TypeInt32), param("y", TypeInt32), param("width", TypeInt32), param("height", TypeInt32),
		},
	}
	groups[groupRect] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("box", TypeRect)},
	}
	groups[groupGenBuffer] = intercept.GroupDescriptor{
		Return: &intercept.ParamDescriptor{Type: TypeBufferID},
	}
	groups[groupBuffer] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("buffer", TypeBufferID)},
	}
	groups[groupBindBuffer] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("target", TypeToken), param("buffer", TypeBufferID)},
	}
	groups[groupBufferData] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{
			param("target", TypeToken),
			param("size", TypeInt32),
			{
				Name: "data",
				Type: TypeBytePtr,
				Length: func(call *intercept.Call, arg int, v intercept.Value) int {
					return int(call.Args[1].Int())
				},
			},
			param("usage", TypeToken),
		},
	}
	groups[groupDrawArrays] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("mode", TypeToken), param("first", TypeInt32), param("count", TypeInt32)},
	}
	groups[groupGetError] = intercept.GroupDescriptor{
		Return: &intercept.ParamDescriptor{Type: TypeToken},
	}
	groups[groupVoid] = intercept.GroupDescriptor{}
	groups[groupTexParameter] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{
			param("target", TypeToken),
			param("pname", TypeToken),
			{
				Name: "param",
				Type: TypeInt32,
				DynamicType: func(call *intercept.Call, arg int, v intercept.Value) intercept.TypeID {
					switch call.Args[1].Uint() {
					case TextureMinFilter, TextureMagFilter:
						return TypeToken
					}
					return intercept.NoType
				},
			},
		},
	}
	groups[groupUint] = intercept.GroupDescriptor{
		Params: []intercept.ParamDescriptor{param("program", TypeUint32)},
	}
	return groups
}

func newFunctions() []intercept.FunctionDescriptor {
	functions := make([]intercept.FunctionDescriptor, FnUseProgram+1)
	functions[FnCreateContext] = intercept.FunctionDescriptor{Name: "CreateContext", Group: groupCreateContext, Kind: intercept.KindCreateContext}
	functions[FnMakeCurrent] = intercept.FunctionDescriptor{Name: "MakeCurrent", Group: groupContext, Kind: intercept.KindMakeCurrent}
	functions[FnDestroyContext] = intercept.FunctionDescriptor{Name: "DestroyContext", Group: groupContextVoid, Kind: intercept.KindDestroyContext}
	functions[FnGetString] = intercept.FunctionDescriptor{Name: "GetString", Group: groupGetString, Kind: intercept.KindQuery}
	functions[FnGetIntegerv] = intercept.FunctionDescriptor{Name: "GetIntegerv", Group: groupGetIntegerv, Kind: intercept.KindQuery}
	functions[FnClearColor] = intercept.FunctionDescriptor{Name: "ClearColor", Group: groupFloat4}
	functions[FnClearColorv] = intercept.FunctionDescriptor{Name: "ClearColorv", Group: groupColorv, Version: "1.1"}
	functions[FnClear] = intercept.FunctionDescriptor{Name: "Clear", Group: groupClear}
	functions[FnViewport] = intercept.FunctionDescriptor{Name: "Viewport", Group: groupInt4}
	functions[FnScissor] = intercept.FunctionDescriptor{Name: "Scissor", Group: groupRect}
	functions[FnGenBuffer] = intercept.FunctionDescriptor{Name: "GenBuffer", Group: groupGenBuffer, Version: "1.5"}
	functions[FnDeleteBuffer] = intercept.FunctionDescriptor{Name: "DeleteBuffer", Group: groupBuffer, Version: "1.5"}
	functions[FnBindBuffer] = intercept.FunctionDescriptor{Name: "BindBuffer", Group: groupBindBuffer, Version: "1.5"}
	functions[FnBufferData] = intercept.FunctionDescriptor{Name: "BufferData", Group: groupBufferData, Version: "1.5"}
	functions[FnDrawArrays] = intercept.FunctionDescriptor{Name: "DrawArrays", Group: groupDrawArrays}
	functions[FnGetError] = intercept.FunctionDescriptor{Name: "GetError", Group: groupGetError}
	functions[FnSwapBuffers] = intercept.FunctionDescriptor{Name: "SwapBuffers", Group: groupVoid, Kind: intercept.KindFrameBoundary}
	functions[FnTexParameter] = intercept.FunctionDescriptor{Name: "TexParameter", Group: groupTexParameter}
	functions[FnUseProgram] = intercept.FunctionDescriptor{Name: "UseProgram", Group: groupUint, Version: "2.0"}
	return functions
}

var functionTable = intercept.NewFunctionTable(newCatalogue(), newGroups(), newFunctions())

// Functions returns the function table of the API.
func Functions() *intercept.FunctionTable {
	return functionTable
}

// Catalogue returns the type catalogue of the API.
func Catalogue() *intercept.Catalogue {
	return functionTable.Catalogue()
}
