// Package fmp4 reads just enough of fragmented ISO-BMFF (fMP4) to place
// media fragments on a timeline: track timescales and defaults from the
// init segment, and per-sample durations, sizes and payloads from each
// moof/mdat pair.
package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for fMP4 parsing.
var (
	ErrTruncated      = errors.New("fmp4: truncated box")
	ErrNoInit         = errors.New("fmp4: media fragment before init segment")
	ErrNoTrack        = errors.New("fmp4: fragment references unknown track")
	ErrTooManySamples = errors.New("fmp4: too many samples in run")
)

// Box is a single ISO-BMFF box. Payload excludes the header; Offset is the
// position of the header within the parsed buffer.
type Box struct {
	Type       string
	Offset     int
	HeaderSize int
	Payload    []byte
}

// ParseError indicates a malformed box. It records which box was being
// parsed and wraps the underlying cause.
type ParseError struct {
	Box string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fmp4: parse %s: %v", e.Box, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadBoxes splits data into its top-level boxes. base is added to each
// box Offset so nested calls can report positions in the outer buffer.
func ReadBoxes(data []byte, base int) ([]Box, error) {
	var boxes []Box
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 8 {
			return boxes, ErrTruncated
		}
		size := uint64(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		hdr := 8

		switch size {
		case 0:
			size = uint64(len(data) - pos)
		case 1:
			if len(data)-pos < 16 {
				return boxes, ErrTruncated
			}
			size = binary.BigEndian.Uint64(data[pos+8:])
			hdr = 16
		}

		if size < uint64(hdr) || size > uint64(len(data)-pos) {
			return boxes, &ParseError{Box: typ, Err: ErrTruncated}
		}

		end := pos + int(size)
		boxes = append(boxes, Box{
			Type:       typ,
			Offset:     base + pos,
			HeaderSize: hdr,
			Payload:    data[pos+hdr : end],
		})
		pos = end
	}
	return boxes, nil
}

// find returns the first box of the given type.
func find(boxes []Box, typ string) (Box, bool) {
	for _, b := range boxes {
		if b.Type == typ {
			return b, true
		}
	}
	return Box{}, false
}

// children parses the payload of a container box.
func children(b Box) ([]Box, error) {
	return ReadBoxes(b.Payload, b.Offset+b.HeaderSize)
}

// fullBox splits the version and flags from a full box payload.
func fullBox(p []byte) (version byte, flags uint32, body []byte, err error) {
	if len(p) < 4 {
		return 0, 0, nil, ErrTruncated
	}
	return p[0], uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]), p[4:], nil
}

// reader is a bounds-checked big-endian cursor.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) skip(n int) {
	if r.err != nil {
		return
	}
	if len(r.buf)-r.pos < n {
		r.err = ErrTruncated
		return
	}
	r.pos += n
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.pos < 4 {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.pos < 8 {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) fourCC() string {
	if r.err != nil {
		return ""
	}
	if len(r.buf)-r.pos < 4 {
		r.err = ErrTruncated
		return ""
	}
	v := string(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}
