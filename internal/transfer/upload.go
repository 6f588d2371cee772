package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/ratelimit"
)

// UploadDecision is the host's answer to an incoming request to
// download one of our shared files (spec §6 "enqueue_download" /
// upload acceptance).
type UploadDecision struct {
	Allow    bool
	Queue    bool // true: accepted but must wait its turn; Allow is ignored
	Reason   string
	FileSize int64
	Open     func() (io.ReadSeeker, error)
}

// AllowUploadFunc decides how to answer an inbound TransferRequest
// asking to download filename from us.
type AllowUploadFunc func(username, filename string) UploadDecision

// EnqueueDownloadFunc decides whether to accept a QueueDownload
// request, independent of whether an upload slot is free right now
// (spec §4.6 "invokes a host-supplied callback to decide whether to
// enqueue").
type EnqueueDownloadFunc func(username, filename string) error

// PlaceInQueueFunc reports a queued download's current position.
type PlaceInQueueFunc func(username, filename string) (place uint32, ok bool)

type pendingUpload struct {
	username string
	filename string
	size     int64
	open     func() (io.ReadSeeker, error)
	t        *Transfer
}

// Uploader drives the sender's half of spec §4.6's transfer flow: it
// answers inbound TransferRequest/QueueDownload/PlaceInQueueRequest
// messages (wired in as Router Hooks) and serves the resulting data
// connections once a downloader dials in.
type Uploader struct {
	peerConns    PeerConnections
	allowUpload  AllowUploadFunc
	enqueue      EnqueueDownloadFunc
	placeInQueue PlaceInQueueFunc
	limiter      *ratelimit.Limiter
	log          logger.Logger

	mu      sync.Mutex
	pending map[uint32]*pendingUpload
}

// UploaderConfig bundles an Uploader's collaborators.
type UploaderConfig struct {
	PeerConns    PeerConnections
	AllowUpload  AllowUploadFunc
	Enqueue      EnqueueDownloadFunc
	PlaceInQueue PlaceInQueueFunc
	Limiter      *ratelimit.Limiter
	Logger       logger.Logger
}

// NewUploader constructs an Uploader per cfg.
func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.Unlimited, 1<<20)
	}
	return &Uploader{
		peerConns:    cfg.PeerConns,
		allowUpload:  cfg.AllowUpload,
		enqueue:      cfg.Enqueue,
		placeInQueue: cfg.PlaceInQueue,
		limiter:      cfg.Limiter,
		log:          cfg.Logger,
		pending:      make(map[uint32]*pendingUpload),
	}
}

// Hooks returns the Router callbacks this Uploader answers.
func (u *Uploader) Hooks() Hooks {
	return Hooks{
		OnIncomingTransferRequest: u.handleTransferRequest,
		OnQueueDownload:           u.handleQueueDownload,
		OnPlaceInQueueRequest:     u.handlePlaceInQueueRequest,
	}
}

func (u *Uploader) handleTransferRequest(username string, req codec.TransferRequest) codec.TransferResponse {
	if u.allowUpload == nil {
		return codec.TransferResponse{Token: req.Token, Allowed: false, Reason: "Denied"}
	}
	decision := u.allowUpload(username, req.Filename)
	if decision.Queue {
		u.register(req.Token, username, req.Filename, decision.FileSize, decision.Open)
		return codec.TransferResponse{Token: req.Token, Allowed: false, Reason: "Queued"}
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "Denied"
		}
		return codec.TransferResponse{Token: req.Token, Allowed: false, Reason: reason}
	}
	u.register(req.Token, username, req.Filename, decision.FileSize, decision.Open)
	return codec.TransferResponse{Token: req.Token, Allowed: true, FileSize: decision.FileSize}
}

func (u *Uploader) handleQueueDownload(username string, msg codec.QueueDownload) {
	if u.enqueue == nil {
		return
	}
	if err := u.enqueue(username, msg.Filename); err != nil {
		u.log.Debugf("transfer: enqueue %s/%s refused: %v", username, msg.Filename, err)
	}
}

func (u *Uploader) handlePlaceInQueueRequest(username string, msg codec.PlaceInQueueRequest) (uint32, bool) {
	if u.placeInQueue == nil {
		return 0, false
	}
	return u.placeInQueue(username, msg.Filename)
}

func (u *Uploader) register(token uint32, username, filename string, size int64, open func() (io.ReadSeeker, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending[token] = &pendingUpload{username: username, filename: filename, size: size, open: open}
}

// NotifyReady tells a previously queued downloader we're ready to send
// now, carrying the token and final size to use for the data
// connection (spec §4.6 "register an indefinite wait for later
// TransferStart notification").
func (u *Uploader) NotifyReady(ctx context.Context, endpoint conn.Key, username, filename string, token uint32, fileSize int64) error {
	mc, err := u.peerConns.GetOrConnect(ctx, username, endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUserOffline, err)
	}
	req := codec.TransferRequest{Direction: 0, Token: token, Filename: filename, FileSize: fileSize}
	return mc.Write(ctx, req.ToBytes())
}

// AcceptTransferConnection reads the TransferStart handshake off an
// inbound (or outbound-dialed) data connection and serves the matching
// pending upload. It matches listener.TransferAcceptor's signature.
func (u *Uploader) AcceptTransferConnection(nc net.Conn, _ codec.ConnectionType, _ uint32) {
	opts := conn.DefaultOptions
	dc := conn.Adopt(nc, opts, u.log, conn.Handlers{})
	ctx := context.Background()

	token, offset, err := readStart(ctx, dc)
	if err != nil {
		dc.Disconnect("transfer start handshake failed", err)
		return
	}

	u.mu.Lock()
	p, ok := u.pending[token]
	if ok {
		delete(u.pending, token)
	}
	u.mu.Unlock()
	if !ok {
		dc.Disconnect("unknown transfer token", ErrNoTransferConnection)
		return
	}

	defer dc.Disconnect("upload complete", nil)

	if p.open == nil {
		return
	}
	f, err := p.open()
	if err != nil {
		u.log.Warnf("transfer: opening %s for %s: %v", p.filename, p.username, err)
		return
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		u.log.Warnf("transfer: seeking %s for %s: %v", p.filename, p.username, err)
		return
	}

	t := p.t
	remaining := p.size - offset
	if remaining < 0 {
		remaining = 0
	}
	progress := func(n int64) {
		if t != nil {
			t.Progress(offset + n)
		}
	}
	if err := dc.WriteStream(ctx, remaining, f, u.limiter.Grant, progress); err != nil {
		if t != nil {
			t.Transition(StateErrored, err)
		}
		return
	}
	if t != nil {
		t.Transition(StateSucceeded, nil)
	}
}
