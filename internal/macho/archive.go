// SPDX-License-Identifier: MIT

package macho

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const arMagic = "!<arch>\n"

// ErrMemberNotFound is returned when a static archive has no member with the
// requested name.
var ErrMemberNotFound = errors.New("macho: archive member not found")

// ArchiveMember returns the raw bytes of the named member of a static
// archive. BSD extended names ("#1/<n>") and standard ar names are handled;
// that covers the archives ld records in N_OSO entries on macOS.
func ArchiveMember(path, member string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}
	if len(data) < len(arMagic) || string(data[:len(arMagic)]) != arMagic {
		return nil, fmt.Errorf("macho: %s is not an ar archive", path)
	}

	off := len(arMagic)
	for off+60 <= len(data) {
		hdr := data[off : off+60]
		if hdr[58] != 0x60 || hdr[59] != 0x0a {
			return nil, fmt.Errorf("macho: corrupt archive header in %s at offset %d", path, off)
		}
		name := strings.TrimRight(string(hdr[0:16]), " ")
		size, err := strconv.Atoi(strings.TrimRight(string(hdr[48:58]), " "))
		if err != nil || size < 0 {
			return nil, fmt.Errorf("macho: corrupt archive member size in %s", path)
		}
		body := off + 60
		if body+size > len(data) {
			return nil, fmt.Errorf("macho: truncated archive member in %s", path)
		}
		content := data[body : body+size]

		if ext, ok := strings.CutPrefix(name, "#1/"); ok {
			// BSD extended name: the real name leads the member data.
			n, err := strconv.Atoi(ext)
			if err != nil || n < 0 || n > len(content) {
				return nil, fmt.Errorf("macho: corrupt extended name in %s", path)
			}
			name = strings.TrimRight(string(content[:n]), "\x00")
			content = content[n:]
		} else {
			name = strings.TrimSuffix(name, "/")
		}

		if name == member {
			return content, nil
		}

		off = body + size
		if off%2 == 1 {
			off++ // members are 2-byte aligned
		}
	}
	return nil, fmt.Errorf("%w: %s(%s)", ErrMemberNotFound, path, member)
}
