package transfer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/token"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// fakePeerConns fakes PeerConnections for a single peer so tests can
// drive the request/reply exchange directly without a real socket.
type fakePeerConns struct {
	mc          *conn.MessageConnection
	onSendWrite func(payload []byte)
	w           *waiter.Waiter
}

func (f *fakePeerConns) GetOrConnect(ctx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error) {
	return f.mc, nil
}

func (f *fakePeerConns) SendAndWait(ctx context.Context, mc *conn.MessageConnection, key waiter.Key, timeout time.Duration, payload []byte) (interface{}, error) {
	valueC, errC := f.w.Wait(ctx, key, timeout)
	if f.onSendWrite != nil {
		f.onSendWrite(payload)
	}
	select {
	case v := <-valueC:
		return v, nil
	case err := <-errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestDownloader(t *testing.T, onSendWrite func([]byte)) (*Downloader, *fakePeerConns, *waiter.Waiter) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	mc := conn.AdoptSocket(codec.ChannelPeer, a, conn.DefaultOptions, logger.New("test"), conn.Handlers{})
	w := waiter.New(2 * time.Second)
	t.Cleanup(w.Close)

	fc := &fakePeerConns{mc: mc, onSendWrite: onSendWrite, w: w}
	tok := token.NewSource(0)

	d := NewDownloader(DownloaderConfig{
		OurUsername:  "me",
		PeerConns:    fc,
		ServerWriter: func(ctx context.Context, payload []byte) error { return nil },
		Waiter:       w,
		Options:      conn.DefaultOptions,
		Logger:       logger.New("test"),
		NextToken:    tok.Next,
	})
	return d, fc, w
}

func TestDownloadRejectedTransitionsToRejected(t *testing.T) {
	d, _, w := newTestDownloader(t, func(payload []byte) {
		req, err := codec.NewMessageReader(codec.ChannelPeer, payload)
		require.NoError(t, err)
		parsed, err := codec.ParseTransferRequest(req)
		require.NoError(t, err)
		w.Complete(transferResponseKey("bob", parsed.Token), codec.TransferResponse{
			Token: parsed.Token, Allowed: false, Reason: "Banned",
		})
	})

	tr := New(Download, "bob", "file.mp3", 1, 0, Observer{})
	var out bytes.Buffer
	err := d.Download(context.Background(), conn.Key{Address: "1.2.3.4", Port: 1}, tr, 0, &out)

	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, StateRejected, tr.State())
}

func TestDownloadUnexpectedReplyTypeErrors(t *testing.T) {
	d, _, w := newTestDownloader(t, func(payload []byte) {
		req, err := codec.NewMessageReader(codec.ChannelPeer, payload)
		require.NoError(t, err)
		parsed, err := codec.ParseTransferRequest(req)
		require.NoError(t, err)
		w.Complete(transferResponseKey("bob", parsed.Token), "not a TransferResponse")
	})

	tr := New(Download, "bob", "file.mp3", 2, 0, Observer{})
	var out bytes.Buffer
	err := d.Download(context.Background(), conn.Key{Address: "1.2.3.4", Port: 1}, tr, 0, &out)

	require.Error(t, err)
	assert.Equal(t, StateErrored, tr.State())
}
