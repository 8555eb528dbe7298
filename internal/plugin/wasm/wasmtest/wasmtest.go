// Package wasmtest builds tiny WebAssembly modules for tests. It covers just
// enough of the binary format to encode reactor modules with constant
// bodies, data segments and the gk.host_call import.
package wasmtest

// Value types.
const (
	I32 = 0x7f
	I64 = 0x7e
)

// Opcodes used by test bodies.
const (
	OpUnreachable = 0x00
	OpLoop        = 0x03
	OpIf          = 0x04
	OpBr          = 0x0c
	OpEnd         = 0x0b
	OpCall        = 0x10
	OpDrop        = 0x1a
	OpSelect      = 0x1b
	OpLocalGet    = 0x20
	OpI32Const    = 0x41
	OpI64Const    = 0x42
	OpI32Eq       = 0x46
	OpI32GtU      = 0x4b
	BlockEmpty    = 0x40
)

// Scratch is where Malloc hands out memory, past every data segment.
const Scratch = 8192

// FuncType is a function signature.
type FuncType struct {
	Params, Results []byte
}

// Signatures of the gk ABI exports and imports.
var (
	MallocType   = FuncType{Params: []byte{I32}, Results: []byte{I32}}
	FreeType     = FuncType{Params: []byte{I32}}
	NoArgs       = FuncType{Results: []byte{I64}}
	Buffer       = FuncType{Params: []byte{I32, I32}, Results: []byte{I64}}
	HostCallType = FuncType{Params: []byte{I32, I32, I32, I32}, Results: []byte{I64}}
)

// Func is an exported function with a body of raw instructions. The
// trailing end opcode is added by Build.
type Func struct {
	Export string
	Type   FuncType
	Body   []byte
}

// Segment is an active data segment in memory 0.
type Segment struct {
	Offset uint32
	Data   string
}

// Module describes a module to encode. With HostCall set, gk.host_call is
// imported as function 0 and the exports follow it.
type Module struct {
	HostCall bool
	Memory   bool
	Funcs    []Func
	Data     []Segment
}

// Build encodes the module.
func (m Module) Build() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	typeIndex := map[string]int{}
	indexOf := func(ft FuncType) int {
		key := string(ft.Params) + "|" + string(ft.Results)
		if i, ok := typeIndex[key]; ok {
			return i
		}
		typeIndex[key] = len(types)
		types = append(types, ft.encode())
		return len(types) - 1
	}

	var imports [][]byte
	if m.HostCall {
		imp := append(name("gk"), name("host_call")...)
		imp = append(imp, 0x00)
		imp = append(imp, uleb(uint64(indexOf(HostCallType)))...)
		imports = append(imports, imp)
	}

	var decls, exports, code [][]byte
	for i, f := range m.Funcs {
		decls = append(decls, uleb(uint64(indexOf(f.Type))))
		exp := append(name(f.Export), 0x00)
		exports = append(exports, append(exp, uleb(uint64(i+len(imports)))...))
		body := append([]byte{0x00}, f.Body...)
		body = append(body, OpEnd)
		code = append(code, append(uleb(uint64(len(body))), body...))
	}
	if m.Memory {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}

	if len(types) > 0 {
		out = append(out, section(1, vec(types))...)
	}
	if len(imports) > 0 {
		out = append(out, section(2, vec(imports))...)
	}
	if len(decls) > 0 {
		out = append(out, section(3, vec(decls))...)
	}
	if m.Memory {
		out = append(out, section(5, vec([][]byte{{0x00, 0x01}}))...)
	}
	if len(exports) > 0 {
		out = append(out, section(7, vec(exports))...)
	}
	if len(code) > 0 {
		out = append(out, section(10, vec(code))...)
	}
	if len(m.Data) > 0 {
		var segs [][]byte
		for _, d := range m.Data {
			seg := []byte{0x00, OpI32Const}
			seg = append(seg, sleb(int64(d.Offset))...)
			seg = append(seg, OpEnd)
			seg = append(seg, name(d.Data)...)
			segs = append(segs, seg)
		}
		out = append(out, section(11, vec(segs))...)
	}
	return out
}

// Plugin returns a plugin module whose gk_init answers with registration,
// a JSON encoded registration, and whose gk_run always succeeds.
func Plugin(registration string) []byte {
	reg := Segment{Offset: 16, Data: registration}
	return Module{
		Memory: true,
		Funcs: []Func{
			Malloc(),
			{Export: "gk_init", Type: NoArgs, Body: Packed(reg)},
			{Export: "gk_run", Type: Buffer, Body: I64Const(0)},
		},
		Data: []Segment{reg},
	}.Build()
}

// Widget returns a widget module. construction is the gk_try_new answer,
// render the component list and state the gk_state answer. gk_interact
// never produces a message.
func Widget(construction, render, state string) []byte {
	c := Segment{Offset: 16, Data: construction}
	r := Segment{Offset: 16 + uint32(len(construction)), Data: render}
	s := Segment{Offset: r.Offset + uint32(len(render)), Data: state}
	return Module{
		Memory: true,
		Funcs: []Func{
			Malloc(),
			{Export: "gk_try_new", Type: Buffer, Body: Packed(c)},
			{Export: "gk_interact", Type: Buffer, Body: I64Const(0)},
			{Export: "gk_render", Type: NoArgs, Body: Packed(r)},
			{Export: "gk_state", Type: NoArgs, Body: Packed(s)},
		},
		Data: []Segment{c, r, s},
	}.Build()
}

// Malloc is a gk_malloc that always returns Scratch.
func Malloc() Func {
	return Func{Export: "gk_malloc", Type: MallocType, Body: I32Const(Scratch)}
}

// Packed is a body returning the packed pointer to s.
func Packed(s Segment) []byte {
	return I64Const(int64(uint64(s.Offset)<<32 | uint64(len(s.Data))))
}

func I32Const(v int32) []byte { return append([]byte{OpI32Const}, sleb(int64(v))...) }

func I64Const(v int64) []byte { return append([]byte{OpI64Const}, sleb(v)...) }

// Concat joins instruction sequences.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (ft FuncType) encode() []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(ft.Params)))...)
	out = append(out, ft.Params...)
	out = append(out, uleb(uint64(len(ft.Results)))...)
	return append(out, ft.Results...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}
