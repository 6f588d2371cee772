package slsk

import (
	"context"
	"fmt"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/transfer"
)

// Browse asks username's client for its full share listing (spec §4.6
// / §2 "Orchestrators" browse flow).
func (c *Client) Browse(ctx context.Context, username string) (codec.BrowseResponse, error) {
	mc, err := c.dialPeer(ctx, username)
	if err != nil {
		return codec.BrowseResponse{}, err
	}
	valueC, errC := c.waiter.Wait(ctx, transfer.BrowseResponseKey(username), c.opts.MessageTimeout)
	if err := mc.Write(ctx, codec.BrowseRequest{}.ToBytes()); err != nil {
		return codec.BrowseResponse{}, fmt.Errorf("slsk: browse request to %s: %w", username, err)
	}
	select {
	case v := <-valueC:
		resp, ok := v.(codec.BrowseResponse)
		if !ok {
			return codec.BrowseResponse{}, fmt.Errorf("slsk: browse %s: unexpected reply type", username)
		}
		return resp, nil
	case err := <-errC:
		return codec.BrowseResponse{}, fmt.Errorf("slsk: browse %s: %w", username, err)
	case <-ctx.Done():
		return codec.BrowseResponse{}, ctx.Err()
	}
}

// UserInfo asks username's client for its self-description (spec §6
// "user_info_resolver" consumer side).
func (c *Client) UserInfo(ctx context.Context, username string) (codec.UserInfoReply, error) {
	mc, err := c.dialPeer(ctx, username)
	if err != nil {
		return codec.UserInfoReply{}, err
	}
	valueC, errC := c.waiter.Wait(ctx, transfer.UserInfoKey(username), c.opts.MessageTimeout)
	if err := mc.Write(ctx, codec.UserInfoRequest{}.ToBytes()); err != nil {
		return codec.UserInfoReply{}, fmt.Errorf("slsk: user info request to %s: %w", username, err)
	}
	select {
	case v := <-valueC:
		reply, ok := v.(codec.UserInfoReply)
		if !ok {
			return codec.UserInfoReply{}, fmt.Errorf("slsk: user info %s: unexpected reply type", username)
		}
		return reply, nil
	case err := <-errC:
		return codec.UserInfoReply{}, fmt.Errorf("slsk: user info %s: %w", username, err)
	case <-ctx.Done():
		return codec.UserInfoReply{}, ctx.Err()
	}
}

// FolderContents asks username's client to enumerate one directory
// (spec §6 "directory_contents_resolver" consumer side).
func (c *Client) FolderContents(ctx context.Context, username, directory string) (codec.FolderContentsReply, error) {
	mc, err := c.dialPeer(ctx, username)
	if err != nil {
		return codec.FolderContentsReply{}, err
	}
	reqToken := c.tokens.Next()
	valueC, errC := c.waiter.Wait(ctx, transfer.FolderContentsKey(username, reqToken), c.opts.MessageTimeout)
	req := codec.FolderContentsRequest{Token: reqToken, Directory: directory}
	if err := mc.Write(ctx, req.ToBytes()); err != nil {
		return codec.FolderContentsReply{}, fmt.Errorf("slsk: folder contents request to %s: %w", username, err)
	}
	select {
	case v := <-valueC:
		reply, ok := v.(codec.FolderContentsReply)
		if !ok {
			return codec.FolderContentsReply{}, fmt.Errorf("slsk: folder contents %s: unexpected reply type", username)
		}
		return reply, nil
	case err := <-errC:
		return codec.FolderContentsReply{}, fmt.Errorf("slsk: folder contents %s: %w", username, err)
	case <-ctx.Done():
		return codec.FolderContentsReply{}, ctx.Err()
	}
}

// dialPeer resolves username's endpoint via the server and returns its
// (possibly freshly-established) peer connection, starting its Router
// if this is the first orchestrator to acquire it.
func (c *Client) dialPeer(ctx context.Context, username string) (*conn.MessageConnection, error) {
	endpoint, err := c.session.ResolveEndpoint(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("slsk: resolve %s: %w", username, err)
	}
	mc, err := c.peerConns.GetOrConnect(ctx, username, endpoint)
	if err != nil {
		return nil, fmt.Errorf("slsk: connect to %s: %w", username, err)
	}
	c.ensureRouted(username, mc)
	return mc, nil
}
