package wasm

import (
	"github.com/goatkit/ludo/internal/plugin/wasm/wasmtest"
)

// Bodies shared by the module tests.

var (
	bodyUnreachable = []byte{wasmtest.OpUnreachable}
	bodyReturnZero  = wasmtest.I64Const(0)
	bodySpin        = wasmtest.Concat(spinLoop, wasmtest.I64Const(0))

	spinLoop = []byte{wasmtest.OpLoop, wasmtest.BlockEmpty, wasmtest.OpBr, 0x00, wasmtest.OpEnd}
)

// mallocOver runs fault when gk_malloc is asked for more than n bytes and
// hands out Scratch otherwise. Construction payloads stay under n, so the
// widget is built before its allocator turns on it.
func mallocOver(n int32, fault []byte) wasmtest.Func {
	return wasmtest.Func{Export: exportMalloc, Type: wasmtest.MallocType, Body: wasmtest.Concat(
		[]byte{wasmtest.OpLocalGet, 0x00}, wasmtest.I32Const(n),
		[]byte{wasmtest.OpI32GtU, wasmtest.OpIf, wasmtest.BlockEmpty}, fault, []byte{wasmtest.OpEnd},
		wasmtest.I32Const(wasmtest.Scratch),
	)}
}

// mallocOutOfBoundsOver hands out a pointer past the end of memory for
// requests larger than n bytes.
func mallocOutOfBoundsOver(n int32) wasmtest.Func {
	return wasmtest.Func{Export: exportMalloc, Type: wasmtest.MallocType, Body: wasmtest.Concat(
		wasmtest.I32Const(-16), wasmtest.I32Const(wasmtest.Scratch),
		[]byte{wasmtest.OpLocalGet, 0x00}, wasmtest.I32Const(n),
		[]byte{wasmtest.OpI32GtU, wasmtest.OpSelect},
	)}
}

// freeAt runs fault when gk_free is handed ptr.
func freeAt(ptr int32, fault []byte) wasmtest.Func {
	return wasmtest.Func{Export: exportFree, Type: wasmtest.FreeType, Body: wasmtest.Concat(
		[]byte{wasmtest.OpLocalGet, 0x00}, wasmtest.I32Const(ptr),
		[]byte{wasmtest.OpI32Eq, wasmtest.OpIf, wasmtest.BlockEmpty}, fault, []byte{wasmtest.OpEnd},
	)}
}
