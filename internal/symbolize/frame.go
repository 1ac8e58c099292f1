// SPDX-License-Identifier: MIT

// Package symbolize turns raw addresses into symbol names and source
// locations. Lookups go through three tiers of debug info: DWARF when the
// image or its dSYM carries it, the STAB debug map for unstripped builds
// that still reference their object files, and the plain symbol table as a
// last resort.
package symbolize

// Frame sources, from richest to poorest debug info.
const (
	SourceDWARF    = "dwarf"
	SourceDebugMap = "debugmap"
	SourceSymtab   = "symtab"
	SourceNone     = "none"
)

// Frame is one resolved stack frame. An address maps to several frames when
// the compiler inlined calls; the innermost frame comes first.
type Frame struct {
	Symbol string `json:"symbol,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`

	// Inlined marks frames synthesized from DWARF inlining records.
	Inlined bool `json:"inlined,omitempty"`

	// Source names the debug info tier that produced this frame.
	Source string `json:"source"`
}

// Result is the symbolication outcome for a single input address.
type Result struct {
	Addr   uint64  `json:"addr"`
	Frames []Frame `json:"frames"`
}

// Source returns the debug info tier of the result, or SourceNone when no
// frame resolved.
func (r Result) Source() string {
	if len(r.Frames) == 0 {
		return SourceNone
	}
	return r.Frames[0].Source
}
