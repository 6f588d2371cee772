package transfer

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/soulseek-go/slsk/internal/conn"
)

// writeStart sends the opening handshake of a file-transfer data
// connection: a bare (unframed) little-endian token followed by an
// i64 byte offset into the file, resuming where a partial transfer
// left off (spec §4.6 "TransferStart"). Unlike every other message in
// this codebase this is not opcode-framed: the data connection carries
// nothing but raw file bytes once the handshake completes, so there is
// no channel to multiplex and no length prefix to add.
func writeStart(ctx context.Context, c *conn.Connection, token uint32, offset int64) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], token)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(offset))
	if err := c.Write(ctx, buf); err != nil {
		return fmt.Errorf("transfer: write start handshake: %w", err)
	}
	return nil
}

// readStart reads the handshake written by writeStart, used by the
// upload side when it accepts an inbound transfer connection.
func readStart(ctx context.Context, c *conn.Connection) (token uint32, offset int64, err error) {
	var buf [12]byte
	sw := &sliceWriter{buf: buf[:0:len(buf)]}
	if err := c.ReadStream(ctx, int64(len(buf)), sw, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("transfer: read start handshake: %w", err)
	}
	token = binary.LittleEndian.Uint32(buf[0:4])
	offset = int64(binary.LittleEndian.Uint64(buf[4:12]))
	return token, offset, nil
}

// sliceWriter appends into a pre-sized backing array, adapting it to
// io.Writer for ReadStream, which delivers its chunks incrementally
// rather than returning a single buffer.
type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
