package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

// MessageReader decodes a single frame's body: it reads the
// channel-appropriate opcode first, then exposes typed accessors that
// advance an internal cursor. Every read fails with ErrMessageRead
// (wrapped with detail) on short data.
type MessageReader struct {
	buf    []byte
	pos    int
	Opcode uint32
}

// NewMessageReader parses the opcode for channel out of buf and
// returns a reader positioned just after it. buf must be the frame
// body (length prefix already stripped).
func NewMessageReader(channel Channel, buf []byte) (*MessageReader, error) {
	width := channel.OpcodeWidth()
	if len(buf) < width {
		return nil, fmt.Errorf("%w: opcode truncated, need %d got %d", ErrMessageRead, width, len(buf))
	}
	var op uint32
	if width == 4 {
		op = binary.LittleEndian.Uint32(buf[:4])
	} else {
		op = uint32(buf[0])
	}
	return &MessageReader{buf: buf, pos: width, Opcode: op}, nil
}

func (r *MessageReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMessageRead, n, r.pos, len(r.buf))
	}
	return nil
}

// ReadU8 reads a single unsigned byte.
func (r *MessageReader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadBool reads a one-byte boolean (0/1).
func (r *MessageReader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadU32 reads a little-endian 32-bit unsigned integer.
func (r *MessageReader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

// ReadI64 reads a little-endian signed 64-bit integer.
func (r *MessageReader) ReadI64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

// ReadString reads a u32-length-prefixed byte string.
func (r *MessageReader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes reads exactly n raw bytes.
func (r *MessageReader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

// ReadIPv4 reads 4 bytes and interprets them big-endian, as the
// historical Soulseek wire format does for payload-embedded addresses
// (spec §3).
func (r *MessageReader) ReadIPv4() (net.IP, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	// Reverse: payload bytes arrive little-endian-ish per-byte order
	// historically, so the IP is assembled big-endian from them.
	return net.IPv4(b[3], b[2], b[1], b[0]), nil
}

// Remaining reports how many unread bytes remain in the payload.
func (r *MessageReader) Remaining() int {
	return len(r.buf) - r.pos
}

// RequireOpcode fails with ErrOpcodeMismatch unless the decoded opcode
// equals want.
func (r *MessageReader) RequireOpcode(want uint32) error {
	if r.Opcode != want {
		return fmt.Errorf("%w: expected %d got %d", ErrOpcodeMismatch, want, r.Opcode)
	}
	return nil
}
