// Package protocol implements the framing and message encoding for the
// composed IPC socket. Every frame is a 4-byte big-endian length followed
// by a JSON-encoded tagged envelope. The protocol is only stable within a
// single daemon lifetime; client and daemon verify compatibility with a
// version handshake as the first exchange.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the upper bound on a single frame body. Frames
// announcing a larger length are rejected without reading the body.
const MaxFrameSize = 1 << 20

// WriteFrame writes a length-prefixed frame containing payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return NewError(KindProtocolError, fmt.Sprintf("frame of %d bytes exceeds limit", len(payload)))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame and returns its body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, NewError(KindProtocolError, fmt.Sprintf("frame of %d bytes exceeds limit", size))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}
