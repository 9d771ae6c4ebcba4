package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType distinguishes handshake text from media on byte-stream
// transports (QUIC and SRT). WebSocket carries the type natively.
type FrameType uint64

// Frame types.
const (
	FrameText   FrameType = 1
	FrameBinary FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return fmt.Sprintf("frame(%d)", uint64(t))
	}
}

// DefaultMaxFrameSize bounds a single received frame.
const DefaultMaxFrameSize = 32 << 20

// ErrFrameTooLarge is returned when a peer announces a frame larger than
// the configured maximum.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// AppendFrame appends the wire encoding of one frame to b:
// varint(type) varint(length) payload.
func AppendFrame(b []byte, typ FrameType, payload []byte) []byte {
	b = quicvarint.Append(b, uint64(typ))
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// ReadFrame reads one frame from r. It returns io.EOF only when r ends
// cleanly between frames.
func ReadFrame(r *bufio.Reader, maxSize int) (FrameType, []byte, error) {
	typ, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, err
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, unexpectedEOF(err)
	}
	if maxSize > 0 && n > uint64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, unexpectedEOF(err)
	}
	return FrameType(typ), payload, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
