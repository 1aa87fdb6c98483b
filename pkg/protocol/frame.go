// Package protocol implements the node's wire format: a 4-byte
// big-endian length prefix followed by a UTF-8 JSON payload, and the
// closed set of request/response message shapes exchanged over it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single inbound frame so a malformed or hostile
// length prefix cannot make the node allocate unbounded memory.
const maxFrameSize = 1 << 20 // 1 MiB

// WriteFrame encodes payload as <uint32 length><payload> and writes it
// to w as two writes: the 4-byte header, then the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns
// io.EOF if the connection is closed cleanly before any bytes of the
// next frame arrive.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
