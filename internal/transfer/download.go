package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/peerconn"
	"github.com/soulseek-go/slsk/internal/ratelimit"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// PeerConnections is the subset of peerconn.Manager the download/upload
// orchestrators depend on, kept narrow so tests can fake it.
type PeerConnections interface {
	GetOrConnect(ctx context.Context, username string, endpoint conn.Key) (*conn.MessageConnection, error)
	SendAndWait(ctx context.Context, mc *conn.MessageConnection, key waiter.Key, timeout time.Duration, payload []byte) (interface{}, error)
}

var _ PeerConnections = (*peerconn.Manager)(nil)

// Downloader drives the requester's half of spec §4.6's transfer flow.
type Downloader struct {
	ourUsername  string
	peerConns    PeerConnections
	dialer       *dialer
	waiter       *waiter.Waiter
	limiter      *ratelimit.Limiter
	replyTimeout time.Duration
	log          logger.Logger
}

// DownloaderConfig bundles a Downloader's collaborators.
type DownloaderConfig struct {
	OurUsername  string
	PeerConns    PeerConnections
	ServerWriter ServerWriter
	Waiter       *waiter.Waiter
	Options      conn.Options
	Limiter      *ratelimit.Limiter
	ReplyTimeout time.Duration
	Logger       logger.Logger
	NextToken    func() uint32
}

// NewDownloader constructs a Downloader per cfg.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.Unlimited, 1<<20)
	}
	return &Downloader{
		ourUsername:  cfg.OurUsername,
		peerConns:    cfg.PeerConns,
		dialer:       newDialer(cfg.OurUsername, cfg.ServerWriter, cfg.Waiter, cfg.Options, cfg.Logger, cfg.NextToken),
		waiter:       cfg.Waiter,
		limiter:      cfg.Limiter,
		replyTimeout: cfg.ReplyTimeout,
		log:          cfg.Logger,
	}
}

// Download requests remoteFilename from username and streams it into
// output starting at resumeOffset, reporting lifecycle and progress on
// t (spec §4.6 "Download"). It blocks until the transfer reaches a
// terminal state.
func (d *Downloader) Download(ctx context.Context, endpoint conn.Key, t *Transfer, resumeOffset int64, output io.Writer) error {
	mc, err := d.peerConns.GetOrConnect(ctx, t.Username, endpoint)
	if err != nil {
		t.Transition(StateErrored, err)
		return fmt.Errorf("%w: %v", ErrUserOffline, err)
	}

	req := codec.TransferRequest{Direction: 1, Token: t.LocalToken, Filename: t.RemoteFilename}
	v, err := d.peerConns.SendAndWait(ctx, mc, transferResponseKey(t.Username, t.LocalToken), d.replyTimeout, req.ToBytes())
	if err != nil {
		t.Transition(StateErrored, err)
		return err
	}
	resp, ok := v.(codec.TransferResponse)
	if !ok {
		t.Transition(StateErrored, nil)
		return fmt.Errorf("transfer: unexpected reply type for %s", t.Username)
	}
	startToken := t.LocalToken
	if !resp.Allowed {
		if resp.Reason != "Queued" {
			t.Transition(StateRejected, ErrTransferRejected)
			return fmt.Errorf("%w: %s", ErrTransferRejected, resp.Reason)
		}
		t.Transition(StateQueued, nil)
		ready, err := d.awaitTransferStart(ctx, t)
		if err != nil {
			t.Transition(StateErrored, err)
			return err
		}
		if ready.FileSize > 0 {
			t.Size = ready.FileSize
		}
		startToken = ready.Token
	} else if resp.FileSize > 0 {
		t.Size = resp.FileSize
	}
	t.RemoteToken = startToken

	t.Transition(StateInitializing, nil)
	dc, err := d.dialer.dial(ctx, t.Username, endpoint, startToken)
	if err != nil {
		t.Transition(StateErrored, err)
		return err
	}
	defer dc.Disconnect("download complete", nil)

	if err := writeStart(ctx, dc, startToken, resumeOffset); err != nil {
		t.Transition(StateErrored, err)
		return err
	}

	t.Transition(StateInProgress, nil)
	remaining := t.Size - resumeOffset
	if remaining < 0 {
		remaining = 0
	}
	err = dc.ReadStream(ctx, remaining, output, d.limiter.Grant, func(n int64) {
		t.Progress(resumeOffset + n)
	})
	if err != nil {
		if ctx.Err() != nil {
			t.Transition(StateCancelled, ctx.Err())
		} else {
			t.Transition(StateErrored, err)
		}
		return err
	}
	t.Transition(StateSucceeded, nil)
	return nil
}

// HandleInboundPierceFirewall fulfils one of this Downloader's own
// pending indirect dials (started from a prior Download call racing
// dialDirect/dialIndirect), mirroring peerconn's and distributed's
// same-named method (spec §4.4 applied to connection type "F").
func (d *Downloader) HandleInboundPierceFirewall(pf codec.PierceFirewall, nc net.Conn) error {
	return d.dialer.HandleInboundPierceFirewall(pf, nc)
}

// awaitTransferStart waits indefinitely (spec §4.6 "On 'queued'
// responses, register an indefinite wait for later TransferStart
// notification") for the remote to tell us it is ready to send. On the
// wire this arrives as a fresh TransferRequest carrying the upload
// direction and the token/size to use for the data connection; Router
// completes readyKey when it sees one.
func (d *Downloader) awaitTransferStart(ctx context.Context, t *Transfer) (readyNotification, error) {
	valueC, errC := d.waiter.WaitIndefinitely(ctx, readyKey(t.Username, t.RemoteFilename))
	select {
	case v := <-valueC:
		ready, ok := v.(readyNotification)
		if !ok {
			return readyNotification{}, fmt.Errorf("transfer: unexpected ready-notification type for %s", t.Username)
		}
		return ready, nil
	case err := <-errC:
		return readyNotification{}, err
	case <-ctx.Done():
		return readyNotification{}, ctx.Err()
	}
}

// readyNotification is what Router delivers when a queued peer tells
// us it's ready to start sending.
type readyNotification struct {
	Token    uint32
	FileSize int64
}

func readyKey(username, filename string) waiter.Key {
	return waiter.NewKey("peer.TransferReady", username, filename)
}
