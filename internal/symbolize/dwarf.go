// SPDX-License-Identifier: MIT

package symbolize

import (
	"debug/dwarf"
)

// dwarfFrames resolves addr against parsed DWARF data. It returns the inline
// chain innermost first, or nil when no compilation unit covers addr. addr is
// a stated (link-time) address.
func dwarfFrames(d *dwarf.Data, addr uint64) ([]Frame, error) {
	r := d.Reader()
	cu, err := r.SeekPC(addr)
	if err != nil || cu == nil {
		return nil, err
	}

	var files []*dwarf.LineFile
	var file string
	var line int
	lr, err := d.LineReader(cu)
	if err == nil && lr != nil {
		files = lr.Files()
		var le dwarf.LineEntry
		if err := lr.SeekPC(addr, &le); err == nil && le.File != nil {
			file = le.File.Name
			line = le.Line
		}
	}

	chain, err := inlineChain(d, r, addr)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		if file == "" {
			return nil, nil
		}
		return []Frame{{File: file, Line: line, Source: SourceDWARF}}, nil
	}

	// Innermost first. The line table entry belongs to the deepest frame;
	// each inlined routine's call site becomes the location of the frame
	// that contains it.
	frames := make([]Frame, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		frames = append(frames, Frame{
			Symbol:  entryName(d, e),
			File:    file,
			Line:    line,
			Inlined: e.Tag == dwarf.TagInlinedSubroutine,
			Source:  SourceDWARF,
		})
		if e.Tag == dwarf.TagInlinedSubroutine {
			file, line = callSite(e, files)
		}
	}
	return frames, nil
}

// inlineChain walks the compilation unit the reader is positioned in and
// collects the subprogram containing addr followed by any nested
// inlined_subroutine entries that also contain it.
func inlineChain(d *dwarf.Data, r *dwarf.Reader, addr uint64) ([]*dwarf.Entry, error) {
	var chain []*dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil || e.Tag == dwarf.TagCompileUnit {
			break
		}
		switch e.Tag {
		case dwarf.TagSubprogram:
			if len(chain) > 0 {
				// Past the matching subprogram's subtree.
				return chain, nil
			}
			if !entryContains(d, e, addr) {
				r.SkipChildren()
			} else {
				chain = append(chain, e)
			}
		case dwarf.TagInlinedSubroutine:
			if len(chain) > 0 && entryContains(d, e, addr) {
				chain = append(chain, e)
			} else {
				r.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			// Blocks nest inlined subroutines; descend when the block
			// covers addr or declares no ranges of its own.
			if len(chain) > 0 && (entryContains(d, e, addr) || !hasRanges(e)) {
				continue
			}
			r.SkipChildren()
		default:
			r.SkipChildren()
		}
	}
	return chain, nil
}

func hasRanges(e *dwarf.Entry) bool {
	return e.Val(dwarf.AttrLowpc) != nil || e.Val(dwarf.AttrRanges) != nil
}

func entryContains(d *dwarf.Data, e *dwarf.Entry, addr uint64) bool {
	ranges, err := d.Ranges(e)
	if err != nil {
		return false
	}
	for _, rg := range ranges {
		if addr >= rg[0] && addr < rg[1] {
			return true
		}
	}
	return false
}

// entryName resolves a subprogram's name, chasing abstract_origin and
// specification references for inlined and declared-elsewhere routines.
func entryName(d *dwarf.Data, e *dwarf.Entry) string {
	for range 5 {
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return name
		}
		if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
			return name
		}
		ref := e.Val(dwarf.AttrAbstractOrigin)
		if ref == nil {
			ref = e.Val(dwarf.AttrSpecification)
		}
		off, ok := ref.(dwarf.Offset)
		if !ok {
			return ""
		}
		r := d.Reader()
		r.Seek(off)
		next, err := r.Next()
		if err != nil || next == nil {
			return ""
		}
		e = next
	}
	return ""
}

// callSite extracts the call file and line of an inlined_subroutine.
// call_file indexes the compilation unit's file table.
func callSite(e *dwarf.Entry, files []*dwarf.LineFile) (string, int) {
	var file string
	var line int
	if idx, ok := e.Val(dwarf.AttrCallFile).(int64); ok {
		if idx >= 0 && int(idx) < len(files) && files[idx] != nil {
			file = files[idx].Name
		}
	}
	if n, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
		line = int(n)
	}
	return file, line
}
