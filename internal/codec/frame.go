package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength bounds a single frame's declared length to guard
// against a corrupt or hostile peer exhausting memory with a bogus
// length prefix.
const MaxFrameLength = 256 * 1024 * 1024

// ReadFrame reads one length-prefixed frame from r and returns its
// body (opcode + payload, length prefix stripped).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameLength {
		return nil, fmt.Errorf("%w: declared frame length %d exceeds maximum %d", ErrMessageRead, n, MaxFrameLength)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
