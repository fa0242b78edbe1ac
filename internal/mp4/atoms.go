// Package mp4 is a pure-Go ISO-BMFF backend for the media capability
// interfaces. It reads the sample tables of progressive MP4-family
// files (mp4, m4a, mov) and writes trimmed copies without touching the
// encoded payloads.
package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// containerAtoms are the box types whose payload is itself a box tree.
var containerAtoms = map[string]bool{
	"moov": true,
	"trak": true,
	"edts": true,
	"mdia": true,
	"minf": true,
	"dinf": true,
	"stbl": true,
	"mvex": true,
}

// atom is one parsed box header plus its children when the box is a
// known container type.
type atom struct {
	offset   int64
	size     int64
	typ      string
	children []atom
}

func (a atom) String() string {
	return fmt.Sprintf("[%s] @ %d (size %d)", a.typ, a.offset, a.size)
}

// parseAtoms walks the box tree between start and end byte offsets.
func parseAtoms(f *os.File, start, end int64) ([]atom, error) {
	var atoms []atom
	offset := start

	for offset < end {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek atom header at %d: %w", offset, err)
		}

		var header [8]byte
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("read atom header at %d: %w", offset, err)
		}

		size := int64(binary.BigEndian.Uint32(header[0:4]))
		typ := string(header[4:8])
		headerSize := int64(8)

		// size == 1 means a 64-bit size follows the standard header.
		if size == 1 {
			var ext [8]byte
			if _, err := io.ReadFull(f, ext[:]); err != nil {
				return nil, fmt.Errorf("read extended size of %q at %d: %w", typ, offset, err)
			}
			size = int64(binary.BigEndian.Uint64(ext[:]))
			headerSize = 16
		}

		// size == 0 means the box extends to the end of the file.
		if size == 0 {
			size = end - offset
		}
		if size < headerSize {
			return nil, fmt.Errorf("atom %q at %d has impossible size %d", typ, offset, size)
		}

		a := atom{offset: offset, size: size, typ: typ}

		if containerAtoms[typ] {
			children, err := parseAtoms(f, offset+headerSize, offset+size)
			if err != nil {
				return nil, err
			}
			a.children = children
		}

		atoms = append(atoms, a)
		offset += size
	}

	return atoms, nil
}

// findChild returns the first direct child of the given type, or nil.
func findChild(parent atom, typ string) *atom {
	for i := range parent.children {
		if parent.children[i].typ == typ {
			return &parent.children[i]
		}
	}
	return nil
}

// readPayload returns a box payload, excluding the 8-byte header.
func readPayload(f *os.File, a *atom) ([]byte, error) {
	if _, err := f.Seek(a.offset+8, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %q payload: %w", a.typ, err)
	}
	buf := make([]byte, a.size-8)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read %q payload: %w", a.typ, err)
	}
	return buf, nil
}

// readFullBoxHeader consumes the 4-byte version/flags prefix of a full box.
func readFullBoxHeader(r io.Reader) (version uint8, flags uint32, err error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	val := binary.BigEndian.Uint32(buf[:])
	return uint8(val >> 24), val & 0x00FFFFFF, nil
}
