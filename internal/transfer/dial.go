package transfer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// ServerWriter writes a raw frame to the server connection, used to
// solicit an indirect file-transfer connection (spec §4.4, applied to
// connection type "F").
type ServerWriter func(ctx context.Context, payload []byte) error

// dialer opens a fresh file-transfer data connection, racing a direct
// dial against a server-solicited indirect one exactly as peerconn
// does for type "P" (spec §4.4 "Establishing an outbound peer
// connection"), but never caches the result: each transfer gets its
// own dedicated socket (spec §4.6).
type dialer struct {
	ourUsername  string
	serverWriter ServerWriter
	waiter       *waiter.Waiter
	opts         conn.Options
	log          logger.Logger
	nextToken    func() uint32

	solicitMu sync.Mutex
	solicit   map[uint32]struct{}
}

func newDialer(ourUsername string, sw ServerWriter, w *waiter.Waiter, opts conn.Options, log logger.Logger, nextToken func() uint32) *dialer {
	return &dialer{
		ourUsername:  ourUsername,
		serverWriter: sw,
		waiter:       w,
		opts:         opts,
		log:          log,
		nextToken:    nextToken,
		solicit:      make(map[uint32]struct{}),
	}
}

// dial races a direct dial against an indirect solicit for username at
// endpoint, using pierceToken for the indirect leg's solicitation key
// and as the TransferStart token, per spec §4.6.
func (d *dialer) dial(parentCtx context.Context, username string, endpoint conn.Key, pierceToken uint32) (*conn.Connection, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var once sync.Once
	var winner *conn.Connection

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := d.dialDirect(gctx, endpoint)
		if err != nil {
			return err
		}
		once.Do(func() { winner = c; cancel() })
		return nil
	})
	g.Go(func() error {
		c, err := d.dialIndirect(gctx, username, pierceToken)
		if err != nil {
			return err
		}
		once.Do(func() { winner = c; cancel() })
		return nil
	})

	err := g.Wait()
	if winner != nil {
		return winner, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrNoTransferConnection, username, err)
}

func (d *dialer) dialDirect(ctx context.Context, endpoint conn.Key) (*conn.Connection, error) {
	c := conn.New(endpoint, d.opts, d.log, conn.Handlers{})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("transfer: direct dial: %w", err)
	}
	init := codec.PeerInit{
		Username:       d.ourUsername,
		ConnectionType: codec.ConnectionTypeFileTransfer,
		Token:          d.nextToken(),
	}
	if err := c.Write(ctx, init.ToBytes()); err != nil {
		c.Disconnect("transfer peer init write failed", err)
		return nil, fmt.Errorf("transfer: direct peer init: %w", err)
	}
	return c, nil
}

func (d *dialer) dialIndirect(ctx context.Context, username string, pierceToken uint32) (*conn.Connection, error) {
	d.registerSolicitation(pierceToken)
	defer d.clearSolicitation(pierceToken)

	req := codec.ConnectToPeerRequest{Username: username, Type: codec.ConnectionTypeFileTransfer, Token: pierceToken}
	if err := d.serverWriter(ctx, req.ToBytes()); err != nil {
		return nil, fmt.Errorf("transfer: indirect solicit %s: %w", username, err)
	}

	key := solicitationKey(pierceToken)
	valueC, errC := d.waiter.Wait(ctx, key, d.opts.ConnectTimeout)
	select {
	case v := <-valueC:
		nc, ok := v.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("transfer: indirect wait %s: unexpected value type", username)
		}
		return conn.Adopt(nc, d.opts, d.log, conn.Handlers{}), nil
	case err := <-errC:
		return nil, fmt.Errorf("transfer: indirect wait %s: %w", username, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func solicitationKey(token uint32) waiter.Key {
	return waiter.NewKey("transfer.PierceFirewall", strconv.FormatUint(uint64(token), 10))
}

func (d *dialer) registerSolicitation(token uint32) {
	d.solicitMu.Lock()
	defer d.solicitMu.Unlock()
	d.solicit[token] = struct{}{}
}

func (d *dialer) clearSolicitation(token uint32) {
	d.solicitMu.Lock()
	defer d.solicitMu.Unlock()
	delete(d.solicit, token)
}

// DialAndPierce connects to endpoint and sends PierceFirewall(token),
// for the case where a server ConnectToPeerNotification of type "F"
// tells us we must dial back rather than wait for an inbound PeerInit
// (spec GLOSSARY "Indirect connect"). The returned net.Conn is handed
// off with no framed read loop running, ready to feed into
// Uploader.AcceptTransferConnection exactly like a freshly-accepted
// listener socket.
func DialAndPierce(ctx context.Context, endpoint conn.Key, token uint32, opts conn.Options, log logger.Logger) (net.Conn, error) {
	c := conn.New(endpoint, opts, log, conn.Handlers{})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("transfer: dial-and-pierce: %w", err)
	}
	if err := c.Write(ctx, codec.PierceFirewall{Token: token}.ToBytes()); err != nil {
		c.Disconnect("pierce firewall write failed", err)
		return nil, fmt.Errorf("transfer: dial-and-pierce: %w", err)
	}
	return c.Handoff(), nil
}

// HandleInboundPierceFirewall fulfils a pending indirect dial, exactly
// mirroring peerconn's own handler but scoped to file-transfer
// solicitations (spec §4.4 applied to connection type "F").
func (d *dialer) HandleInboundPierceFirewall(pf codec.PierceFirewall, nc net.Conn) error {
	d.solicitMu.Lock()
	_, ok := d.solicit[pf.Token]
	d.solicitMu.Unlock()
	if !ok {
		return fmt.Errorf("transfer: unsolicited pierce firewall token %d", pf.Token)
	}
	d.waiter.Complete(solicitationKey(pf.Token), nc)
	return nil
}
