// SPDX-License-Identifier: MIT

package machotest

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// InlinedCall describes one inlined routine nested inside the enclosing
// scope. CallLine is the line in the caller where the call happens.
type InlinedCall struct {
	Name     string
	LowPC    uint64
	HighPC   uint64
	CallLine int
}

// DebugInfo describes a single-function DWARF blob: one compile unit holding
// one subprogram with an optional nested inline chain (outermost first), and
// a line table attributing the whole [LowPC, HighPC) range to File:Line.
type DebugInfo struct {
	File     string
	FuncName string
	LowPC    uint64
	HighPC   uint64
	Line     int
	Inlines  []InlinedCall
}

// DWARF attribute, tag and form codes used below.
const (
	dwTagCompileUnit       = 0x11
	dwTagInlinedSubroutine = 0x1d
	dwTagSubprogram        = 0x2e

	dwAtName     = 0x03
	dwAtStmtList = 0x10
	dwAtLowPC    = 0x11
	dwAtHighPC   = 0x12
	dwAtCallFile = 0x58
	dwAtCallLine = 0x59

	dwFormAddr      = 0x01
	dwFormData8     = 0x07
	dwFormString    = 0x08
	dwFormUdata     = 0x0f
	dwFormSecOffset = 0x17
)

// DWARFSections encodes di as __debug_abbrev, __debug_info and __debug_line
// sections ready to hand to Build.
func DWARFSections(t *testing.T, di DebugInfo) []Section {
	t.Helper()
	return []Section{
		{Seg: "__DWARF", Name: "__debug_abbrev", Data: debugAbbrev()},
		{Seg: "__DWARF", Name: "__debug_info", Data: debugInfo(di)},
		{Seg: "__DWARF", Name: "__debug_line", Data: debugLine(di)},
	}
}

func debugAbbrev() []byte {
	return []byte{
		1, dwTagCompileUnit, 1, // children
		dwAtName, dwFormString,
		dwAtLowPC, dwFormAddr,
		dwAtHighPC, dwFormData8,
		dwAtStmtList, dwFormSecOffset,
		0, 0,

		2, dwTagSubprogram, 1,
		dwAtName, dwFormString,
		dwAtLowPC, dwFormAddr,
		dwAtHighPC, dwFormData8,
		0, 0,

		3, dwTagInlinedSubroutine, 1,
		dwAtName, dwFormString,
		dwAtLowPC, dwFormAddr,
		dwAtHighPC, dwFormData8,
		dwAtCallFile, dwFormUdata,
		dwAtCallLine, dwFormUdata,
		0, 0,

		0,
	}
}

// debugInfo writes one DWARF v4 compilation unit. All ulebs stay below 128
// so they encode as single bytes.
func debugInfo(di DebugInfo) []byte {
	le := binary.LittleEndian
	body := &bytes.Buffer{}

	_ = binary.Write(body, le, uint16(4)) // version
	_ = binary.Write(body, le, uint32(0)) // abbrev offset
	body.WriteByte(8)                     // address size

	writeString := func(s string) {
		body.WriteString(s)
		body.WriteByte(0)
	}

	body.WriteByte(1) // compile_unit
	writeString(di.File)
	_ = binary.Write(body, le, di.LowPC)
	_ = binary.Write(body, le, di.HighPC-di.LowPC) // high_pc as size
	_ = binary.Write(body, le, uint32(0))          // stmt_list offset

	body.WriteByte(2) // subprogram
	writeString(di.FuncName)
	_ = binary.Write(body, le, di.LowPC)
	_ = binary.Write(body, le, di.HighPC-di.LowPC)

	for _, in := range di.Inlines {
		body.WriteByte(3) // inlined_subroutine, child of the previous DIE
		writeString(in.Name)
		_ = binary.Write(body, le, in.LowPC)
		_ = binary.Write(body, le, in.HighPC-in.LowPC)
		body.WriteByte(1) // call_file: sole entry of the file table
		body.WriteByte(byte(in.CallLine))
	}
	for range di.Inlines {
		body.WriteByte(0)
	}
	body.WriteByte(0) // end of subprogram children
	body.WriteByte(0) // end of compile_unit children

	out := &bytes.Buffer{}
	_ = binary.Write(out, le, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// debugLine writes a DWARF v2 line program with a single row: the whole
// function range maps to File:Line.
func debugLine(di DebugInfo) []byte {
	le := binary.LittleEndian

	prologue := &bytes.Buffer{}
	prologue.WriteByte(1)                              // minimum_instruction_length
	prologue.WriteByte(1)                              // default_is_stmt
	prologue.WriteByte(1)                              // line_base
	prologue.WriteByte(1)                              // line_range
	prologue.WriteByte(10)                             // opcode_base
	prologue.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1}) // standard opcode lengths
	prologue.WriteByte(0)                              // no include directories
	prologue.WriteString(di.File)
	prologue.WriteByte(0)
	prologue.Write([]byte{0, 0, 0}) // dir index, mtime, length
	prologue.WriteByte(0)           // end of file table

	program := &bytes.Buffer{}
	program.Write([]byte{0x00, 9, 0x02}) // DW_LNE_set_address
	_ = binary.Write(program, le, di.LowPC)
	program.WriteByte(0x03) // DW_LNS_advance_line
	writeSLEB(program, int64(di.Line-1))
	program.WriteByte(0x01) // DW_LNS_copy
	program.WriteByte(0x02) // DW_LNS_advance_pc
	writeULEB(program, di.HighPC-di.LowPC)
	program.Write([]byte{0x00, 1, 0x01}) // DW_LNE_end_sequence

	out := &bytes.Buffer{}
	_ = binary.Write(out, le, uint32(2+4+prologue.Len()+program.Len())) // unit_length
	_ = binary.Write(out, le, uint16(2))                               // version
	_ = binary.Write(out, le, uint32(prologue.Len()))                  // header_length
	out.Write(prologue.Bytes())
	out.Write(program.Bytes())
	return out.Bytes()
}

func writeULEB(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeSLEB(buf *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
