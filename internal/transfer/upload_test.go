package transfer

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/ratelimit"
)

func TestHandleTransferRequestAllowsAndRegisters(t *testing.T) {
	content := []byte("hello world")
	u := NewUploader(UploaderConfig{
		AllowUpload: func(username, filename string) UploadDecision {
			return UploadDecision{
				Allow:    true,
				FileSize: int64(len(content)),
				Open: func() (io.ReadSeeker, error) {
					return bytes.NewReader(content), nil
				},
			}
		},
		Limiter: ratelimit.New(ratelimit.Unlimited, 1<<20),
		Logger:  logger.New("test"),
	})

	resp := u.Hooks().OnIncomingTransferRequest("alice", codec.TransferRequest{Token: 10, Filename: "hi.txt"})
	assert.True(t, resp.Allowed)
	assert.Equal(t, int64(len(content)), resp.FileSize)

	u.mu.Lock()
	_, ok := u.pending[10]
	u.mu.Unlock()
	assert.True(t, ok)
}

func TestHandleTransferRequestQueuedRespondsWithQueuedReason(t *testing.T) {
	u := NewUploader(UploaderConfig{
		AllowUpload: func(username, filename string) UploadDecision {
			return UploadDecision{Queue: true, FileSize: 5}
		},
		Logger: logger.New("test"),
	})

	resp := u.Hooks().OnIncomingTransferRequest("bob", codec.TransferRequest{Token: 11, Filename: "q.txt"})
	assert.False(t, resp.Allowed)
	assert.Equal(t, "Queued", resp.Reason)
}

func TestHandleTransferRequestDeniedWithoutAllowUploadFunc(t *testing.T) {
	u := NewUploader(UploaderConfig{Logger: logger.New("test")})
	resp := u.Hooks().OnIncomingTransferRequest("carol", codec.TransferRequest{Token: 12, Filename: "x.txt"})
	assert.False(t, resp.Allowed)
}

func TestAcceptTransferConnectionStreamsRegisteredFile(t *testing.T) {
	content := []byte("the quick brown fox")
	u := NewUploader(UploaderConfig{
		AllowUpload: func(username, filename string) UploadDecision {
			return UploadDecision{
				Allow:    true,
				FileSize: int64(len(content)),
				Open:     func() (io.ReadSeeker, error) { return bytes.NewReader(content), nil },
			}
		},
		Limiter: ratelimit.New(ratelimit.Unlimited, 1<<20),
		Logger:  logger.New("test"),
	})
	_ = u.Hooks().OnIncomingTransferRequest("dave", codec.TransferRequest{Token: 21, Filename: "f.txt"})

	local, remote := net.Pipe()
	defer local.Close()

	go u.AcceptTransferConnection(remote, codec.ConnectionTypeFileTransfer, 0)

	require.NoError(t, local.SetDeadline(time.Now().Add(2*time.Second)))
	var buf [12]byte
	copyLE32(buf[0:4], 21)
	copyLE64(buf[4:12], 0)
	_, err := local.Write(buf[:])
	require.NoError(t, err)

	got := make([]byte, len(content))
	_, err = io.ReadFull(local, got)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func copyLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func copyLE64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func newMessageConnForTest(t *testing.T, nc net.Conn) *conn.MessageConnection {
	t.Helper()
	return conn.AdoptSocket(codec.ChannelPeer, nc, conn.DefaultOptions, logger.New("test"), conn.Handlers{})
}

func TestNotifyReadySendsUploadDirectionRequest(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mc := newMessageConnForTest(t, a)
	fc := &fakePeerConns{mc: mc}
	u := NewUploader(UploaderConfig{PeerConns: fc, Logger: logger.New("test")})

	done := make(chan error, 1)
	go func() { done <- u.NotifyReady(ctx, conn.Key{}, "erin", "song.mp3", 77, 321) }()

	body, err := codec.ReadFrame(b)
	require.NoError(t, err)
	r, err := codec.NewMessageReader(codec.ChannelPeer, body)
	require.NoError(t, err)
	req, err := codec.ParseTransferRequest(r)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), req.Direction)
	assert.Equal(t, uint32(77), req.Token)
	assert.Equal(t, int64(321), req.FileSize)
	require.NoError(t, <-done)
}
