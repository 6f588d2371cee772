package codec

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/klauspost/compress/zlib"
)

// MessageBuilder writes a channel-appropriate opcode followed by a
// sequence of primitive fields, then Build prepends the 32-bit
// little-endian frame length (spec §4.1).
type MessageBuilder struct {
	channel Channel
	body    bytes.Buffer
}

// NewMessageBuilder starts a frame on channel carrying opcode.
func NewMessageBuilder(channel Channel, opcode uint32) *MessageBuilder {
	b := &MessageBuilder{channel: channel}
	switch channel.OpcodeWidth() {
	case 4:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], opcode)
		b.body.Write(tmp[:])
	case 1:
		b.body.WriteByte(byte(opcode))
	}
	return b
}

// WriteU8 appends a single byte.
func (b *MessageBuilder) WriteU8(v uint8) *MessageBuilder {
	b.body.WriteByte(v)
	return b
}

// WriteBool appends a one-byte boolean.
func (b *MessageBuilder) WriteBool(v bool) *MessageBuilder {
	if v {
		return b.WriteU8(1)
	}
	return b.WriteU8(0)
}

// WriteU32 appends a little-endian 32-bit unsigned integer.
func (b *MessageBuilder) WriteU32(v uint32) *MessageBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.body.Write(tmp[:])
	return b
}

// WriteI64 appends a little-endian signed 64-bit integer.
func (b *MessageBuilder) WriteI64(v int64) *MessageBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.body.Write(tmp[:])
	return b
}

// WriteString appends a u32-length-prefixed byte string.
func (b *MessageBuilder) WriteString(s string) *MessageBuilder {
	b.WriteU32(uint32(len(s)))
	b.body.WriteString(s)
	return b
}

// WriteBytes appends raw bytes with no length prefix.
func (b *MessageBuilder) WriteBytes(p []byte) *MessageBuilder {
	b.body.Write(p)
	return b
}

// WriteIPv4 appends 4 bytes of ip in the historical big-endian-assembled
// payload order (the inverse of MessageReader.ReadIPv4).
func (b *MessageBuilder) WriteIPv4(ip net.IP) *MessageBuilder {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	b.body.Write([]byte{v4[3], v4[2], v4[1], v4[0]})
	return b
}

// Compress runs zlib on everything written so far after the opcode.
// Decoders must call Decompress before reading fields from the result.
func (b *MessageBuilder) Compress() error {
	opWidth := b.channel.OpcodeWidth()
	full := b.body.Bytes()
	head := append([]byte(nil), full[:opWidth]...)
	payload := full[opWidth:]

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	b.body.Reset()
	b.body.Write(head)
	b.body.Write(compressed.Bytes())
	return nil
}

// Build prepends the 32-bit little-endian frame length (opcode +
// payload bytes already written) and returns the complete frame.
func (b *MessageBuilder) Build() []byte {
	body := b.body.Bytes()
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decompress runs zlib inflate over payload (the frame body with the
// opcode already stripped) and returns the decompressed bytes. Wraps
// zlib failures as ErrCompression.
func Decompress(payload []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, wrapCompression(err)
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, wrapCompression(err)
	}
	return out.Bytes(), nil
}

func wrapCompression(err error) error {
	return &compressionError{cause: err}
}

type compressionError struct{ cause error }

func (e *compressionError) Error() string { return ErrCompression.Error() + ": " + e.cause.Error() }
func (e *compressionError) Unwrap() error { return ErrCompression }
