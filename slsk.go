// Package slsk implements a Soulseek network client: server login, the
// distributed search-flooding tree, peer message connections, and file
// transfers, behind the single façade Client type (spec §1, §2).
package slsk

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/distributed"
	"github.com/soulseek-go/slsk/internal/listener"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/peerconn"
	"github.com/soulseek-go/slsk/internal/ratelimit"
	"github.com/soulseek-go/slsk/internal/session"
	"github.com/soulseek-go/slsk/internal/token"
	"github.com/soulseek-go/slsk/internal/transfer"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// Client wires every manager described in spec §2 behind one façade:
// callers never touch internal/peerconn, internal/distributed, or
// internal/transfer directly. Construct with New, then Login before
// issuing any other operation (spec §8 scenario-1).
type Client struct {
	cfg     Config
	opts    ClientOptions
	log     logger.Logger
	waiter  *waiter.Waiter
	tokens  *token.Source

	session     *session.Session
	peerConns   *peerconn.Manager
	distributed *distributed.Manager
	listener    *listener.Handler
	downloader  *transfer.Downloader
	uploader    *transfer.Uploader

	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter

	// Host resolvers, set via WithXxx options before Login; spec §6
	// "host callbacks".
	browseResolver            func(username string) (codec.BrowseResponse, error)
	directoryContentsResolver func(username, directory string) (codec.FolderContentsReply, error)
	userInfoResolver          func(username string) (codec.UserInfoReply, error)
	searchResolver            func(username string, token uint32, query string) (codec.SearchResponse, bool)
	allowUpload               transfer.AllowUploadFunc
	enqueueDownload           transfer.EnqueueDownloadFunc
	placeInQueue              transfer.PlaceInQueueFunc

	mu     sync.Mutex
	routed map[*conn.MessageConnection]struct{}

	searchMu       sync.Mutex
	activeSearches map[string]uint32               // query -> token, guards DeduplicateSearchRequests
	searchHandlers map[uint32]func(SearchResult)    // token -> caller's result sink
}

// Option customizes a Client before construction completes.
type Option func(*Client)

// WithBrowseResolver supplies the callback that answers inbound
// BrowseRequest messages (spec §6 "browse_response_resolver").
func WithBrowseResolver(f func(username string) (codec.BrowseResponse, error)) Option {
	return func(c *Client) { c.browseResolver = f }
}

// WithDirectoryContentsResolver supplies the callback answering
// FolderContentsRequest (spec §6 "directory_contents_resolver").
func WithDirectoryContentsResolver(f func(username, directory string) (codec.FolderContentsReply, error)) Option {
	return func(c *Client) { c.directoryContentsResolver = f }
}

// WithUserInfoResolver supplies the callback answering
// UserInfoRequest (spec §6 "user_info_resolver").
func WithUserInfoResolver(f func(username string) (codec.UserInfoReply, error)) Option {
	return func(c *Client) { c.userInfoResolver = f }
}

// WithSearchResolver supplies the callback that decides whether (and
// how) to answer a distributed search against the local share (spec
// §6 "search_response_resolver").
func WithSearchResolver(f func(username string, token uint32, query string) (codec.SearchResponse, bool)) Option {
	return func(c *Client) { c.searchResolver = f }
}

// WithAllowUpload supplies the callback deciding whether to accept an
// inbound file request (spec §6 "enqueue_download").
func WithAllowUpload(f transfer.AllowUploadFunc) Option {
	return func(c *Client) { c.allowUpload = f }
}

// WithEnqueueDownload supplies the callback deciding whether to accept
// a QueueDownload request independent of slot availability.
func WithEnqueueDownload(f transfer.EnqueueDownloadFunc) Option {
	return func(c *Client) { c.enqueueDownload = f }
}

// WithPlaceInQueue supplies the callback reporting a queued download's
// position (spec §6 "place_in_queue_resolver").
func WithPlaceInQueue(f transfer.PlaceInQueueFunc) Option {
	return func(c *Client) { c.placeInQueue = f }
}

// New constructs a Client from cfg and opts but does not connect;
// call Login to bring it online.
func New(cfg Config, opts ClientOptions, options ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		opts:   opts,
		log:    logger.New("slsk"),
		waiter: waiter.New(opts.MessageTimeout),
		tokens: token.NewSource(opts.StartingToken),
		routed: make(map[*conn.MessageConnection]struct{}),
		activeSearches: make(map[string]uint32),
		searchHandlers: make(map[uint32]func(SearchResult)),
	}
	for _, o := range options {
		o(c)
	}

	logger.SetLevel(opts.MinimumDiagnosticLevel)

	c.uploadLimiter = ratelimit.New(opts.MaximumUploadSpeed, 1<<20)
	c.downloadLimiter = ratelimit.New(opts.MaximumDownloadSpeed, 1<<20)

	c.session = session.New(session.Config{
		Address: cfg.Server.Address,
		Port:    cfg.Server.Port,
		Options: opts.Connection,
		Waiter:  c.waiter,
		Logger:  c.log,
		Hooks: session.Hooks{
			OnSearchResultWanted:     c.searchResolver,
			OnFileTransferConnectBack: c.handleFileTransferConnectBack,
		},
	})

	c.peerConns = peerconn.New(peerconn.Config{
		OurUsername:              cfg.Username,
		ServerWriter:              c.session.Write,
		Waiter:                    c.waiter,
		Options:                   opts.Connection,
		Logger:                    c.log,
		MaxConcurrentConnections:  int64(opts.MaximumConcurrentPeerConnections),
		NextToken:                 c.tokens.Next,
	})

	c.distributed = distributed.New(distributed.Config{
		OurUsername:    cfg.Username,
		ServerWriter:   c.session.Write,
		Waiter:         c.waiter,
		Options:        opts.Connection,
		Logger:         c.log,
		ChildLimit:     opts.DistributedChildLimit,
		AcceptChildren: opts.AcceptDistributedChildren,
		Enabled:        opts.EnableDistributedNetwork,
		IsLoggedIn:     c.session.IsLoggedIn,
		NextToken:      c.tokens.Next,
	})
	c.session.SetDistributed(c.distributed)
	c.session.SetPeerConns(c.peerConns)

	c.downloader = transfer.NewDownloader(transfer.DownloaderConfig{
		OurUsername:  cfg.Username,
		PeerConns:    c.peerConns,
		ServerWriter: c.session.Write,
		Waiter:       c.waiter,
		Options:      opts.Connection,
		Limiter:      c.downloadLimiter,
		ReplyTimeout: opts.MessageTimeout,
		Logger:       c.log,
		NextToken:    c.tokens.Next,
	})
	c.uploader = transfer.NewUploader(transfer.UploaderConfig{
		PeerConns:    c.peerConns,
		AllowUpload:  c.allowUpload,
		Enqueue:      c.enqueueDownload,
		PlaceInQueue: c.placeInQueue,
		Limiter:      c.uploadLimiter,
		Logger:       c.log,
	})

	return c
}

// Login connects to the server, authenticates, starts the inbound
// listener (if enabled), and advertises our listen port (spec §8
// scenario-1).
func (c *Client) Login(ctx context.Context) error {
	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	if err := c.session.Login(ctx, c.cfg.Username, c.cfg.Password); err != nil {
		return err
	}
	if c.opts.EnableListener {
		ln, err := listener.Listen("0.0.0.0", c.opts.ListenPort, c.peerConns, c.distributed, c.acceptTransfer, c.ensureRouted, c.log)
		if err != nil {
			return fmt.Errorf("slsk: listen: %w", err)
		}
		c.listener = ln
		go ln.Serve()
		if err := c.session.SetListenPort(ctx, c.opts.ListenPort); err != nil {
			return fmt.Errorf("slsk: advertise listen port: %w", err)
		}
	}
	return nil
}

// Close tears down the listener. The server connection and any peer
// connections close themselves as their owning goroutines exit.
func (c *Client) Close() error {
	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}

// acceptTransfer is the combined listener.TransferAcceptor: type "F"
// PeerInit connections go straight to the Uploader; unclaimed
// PierceFirewall fallbacks (connType == "") are first offered to the
// Downloader's own pending indirect dials before falling back to a
// fresh inbound upload connection (spec §4.4 applied to connection
// type "F", mirroring the listener's existing peerconn/distributed
// fallback chain).
func (c *Client) acceptTransfer(nc net.Conn, connType codec.ConnectionType, pierceToken uint32) {
	if connType == codec.ConnectionTypeFileTransfer {
		c.uploader.AcceptTransferConnection(nc, connType, pierceToken)
		return
	}
	if err := c.downloader.HandleInboundPierceFirewall(codec.PierceFirewall{Token: pierceToken}, nc); err == nil {
		return
	}
	c.uploader.AcceptTransferConnection(nc, connType, pierceToken)
}

func (c *Client) handleFileTransferConnectBack(username string, endpoint conn.Key, tok uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Connection.ConnectTimeout)
	defer cancel()
	nc, err := transfer.DialAndPierce(ctx, endpoint, tok, c.opts.Connection, c.log)
	if err != nil {
		c.log.Debugf("slsk: file-transfer connect-back to %s: %v", username, err)
		return
	}
	c.uploader.AcceptTransferConnection(nc, codec.ConnectionTypeFileTransfer, tok)
}

// ensureRouted starts a transfer.Router over mc exactly once, so
// unsolicited peer-channel messages (transfer requests, queue
// placement) reach the Uploader/Downloader regardless of which
// orchestrator first established the connection (spec §4.3 "one
// Router per peer connection").
func (c *Client) ensureRouted(username string, mc *conn.MessageConnection) {
	c.mu.Lock()
	_, started := c.routed[mc]
	if !started {
		c.routed[mc] = struct{}{}
	}
	c.mu.Unlock()
	if started {
		return
	}
	hooks := c.uploader.Hooks()
	hooks.OnBrowseRequest = c.answerBrowseRequest
	hooks.OnUserInfoRequest = c.answerUserInfoRequest
	hooks.OnFolderContentsRequest = c.answerFolderContentsRequest
	hooks.OnSearchResponse = c.dispatchSearchResponse
	router := transfer.NewRouter(username, mc, c.waiter, hooks, c.log)
	go router.Run()
}

func (c *Client) answerBrowseRequest(username string) codec.BrowseResponse {
	if c.browseResolver == nil {
		return codec.BrowseResponse{}
	}
	resp, err := c.browseResolver(username)
	if err != nil {
		c.log.Debugf("slsk: browse resolver for %s: %v", username, err)
		return codec.BrowseResponse{}
	}
	return resp
}

func (c *Client) answerUserInfoRequest(username string) codec.UserInfoReply {
	if c.userInfoResolver == nil {
		return codec.UserInfoReply{}
	}
	reply, err := c.userInfoResolver(username)
	if err != nil {
		c.log.Debugf("slsk: user info resolver for %s: %v", username, err)
		return codec.UserInfoReply{}
	}
	return reply
}

func (c *Client) answerFolderContentsRequest(username, directory string) codec.FolderContentsReply {
	if c.directoryContentsResolver == nil {
		return codec.FolderContentsReply{}
	}
	reply, err := c.directoryContentsResolver(username, directory)
	if err != nil {
		c.log.Debugf("slsk: directory contents resolver for %s: %v", username, err)
		return codec.FolderContentsReply{}
	}
	return reply
}

// dispatchSearchResponse routes one peer's SearchResponse to whichever
// Search call registered a handler for its token, regardless of which
// peer connection's Router happened to receive it (spec §4.6 "search
// results arrive out of band, one peer connection per responder").
func (c *Client) dispatchSearchResponse(username string, resp codec.SearchResponse) {
	c.searchMu.Lock()
	handler := c.searchHandlers[resp.Token]
	c.searchMu.Unlock()
	if handler == nil {
		return
	}
	handler(SearchResult{
		Username:    username,
		Token:       resp.Token,
		Files:       resp.Files,
		FreeSlot:    resp.FreeSlot,
		UploadSpeed: resp.UploadSpeed,
		QueueLength: resp.QueueLength,
	})
}
