// Package guest runs kernel threads whose bodies are WebAssembly modules
// executed by wazero. Guest code yields to the kernel through host imports.
package guest

// Names shared by the host module and the thread module.
const (
	HostModule = "hostsim"
	RunExport  = "run"
)

// Binary format constants.
const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionExport   byte = 7
	sectionCode     byte = 10

	funcTypeTag byte = 0x60
	valI32      byte = 0x7F
	kindFunc    byte = 0x00
	blockEmpty  byte = 0x40
)

// Opcodes used by the thread body.
const (
	opLoop     byte = 0x03
	opIf       byte = 0x04
	opEnd      byte = 0x0B
	opBr       byte = 0x0C
	opCall     byte = 0x10
	opLocalGet byte = 0x20
	opI32Eqz   byte = 0x45
)

// Function indices. Imports come first.
const (
	fnTick  = 0
	fnYield = 1
	fnExit  = 2
	fnRun   = 3
)

var magic = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// ThreadModule returns the binary of the module every guest thread runs.
// Its only export is
//
//	run(id i32)
//
// which loops forever calling hostsim.tick(id) and then hostsim.yield().
// When tick returns 0 it calls hostsim.exit() instead. In text form:
//
//	(module
//	  (type (func (param i32) (result i32)))
//	  (type (func))
//	  (type (func (param i32)))
//	  (import "hostsim" "tick" (func $tick (type 0)))
//	  (import "hostsim" "yield" (func $yield (type 1)))
//	  (import "hostsim" "exit" (func $exit (type 1)))
//	  (func $run (type 2)
//	    (loop
//	      (if (i32.eqz (call $tick (local.get 0)))
//	        (then (call $exit)))
//	      (call $yield)
//	      (br 0)))
//	  (export "run" (func $run)))
func ThreadModule() []byte {
	out := append([]byte(nil), magic...)

	// (i32) -> i32, () -> (), (i32) -> ()
	var types []byte
	types = appendU32(types, 3)
	types = append(types, funcTypeTag, 1, valI32, 1, valI32)
	types = append(types, funcTypeTag, 0, 0)
	types = append(types, funcTypeTag, 1, valI32, 0)
	out = appendSection(out, sectionType, types)

	var imports []byte
	imports = appendU32(imports, 3)
	imports = appendImport(imports, "tick", 0)
	imports = appendImport(imports, "yield", 1)
	imports = appendImport(imports, "exit", 1)
	out = appendSection(out, sectionImport, imports)

	funcs := appendU32(nil, 1)
	funcs = appendU32(funcs, 2)
	out = appendSection(out, sectionFunction, funcs)

	var exports []byte
	exports = appendU32(exports, 1)
	exports = appendName(exports, RunExport)
	exports = append(exports, kindFunc)
	exports = appendU32(exports, fnRun)
	out = appendSection(out, sectionExport, exports)

	body := []byte{
		0, // no locals
		opLoop, blockEmpty,
		opLocalGet, 0,
		opCall, fnTick,
		opI32Eqz,
		opIf, blockEmpty,
		opCall, fnExit,
		opEnd,
		opCall, fnYield,
		opBr, 0,
		opEnd,
		opEnd,
	}
	code := appendU32(nil, 1)
	code = appendU32(code, uint32(len(body)))
	code = append(code, body...)
	out = appendSection(out, sectionCode, code)

	return out
}

func appendImport(b []byte, name string, typeIdx uint32) []byte {
	b = appendName(b, HostModule)
	b = appendName(b, name)
	b = append(b, kindFunc)
	return appendU32(b, typeIdx)
}

func appendSection(b []byte, id byte, content []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(content)))
	return append(b, content...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

// appendU32 appends v as unsigned LEB128.
func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}
