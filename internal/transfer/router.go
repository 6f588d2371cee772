package transfer

import (
	"context"
	"strconv"

	"github.com/soulseek-go/slsk/internal/codec"
	"github.com/soulseek-go/slsk/internal/conn"
	"github.com/soulseek-go/slsk/internal/logger"
	"github.com/soulseek-go/slsk/internal/waiter"
)

// Hooks are the host callbacks for peer-channel messages that arrive
// unsolicited rather than as the reply to one of our requests (spec
// §6 "host-supplied resolvers").
type Hooks struct {
	// OnIncomingTransferRequest fires when a remote peer asks to
	// download a file from us (TransferRequest with Direction == 1,
	// download). The callback decides whether to accept and returns
	// the reply to send back.
	OnIncomingTransferRequest func(username string, req codec.TransferRequest) codec.TransferResponse
	OnQueueDownload           func(username string, msg codec.QueueDownload)
	OnPlaceInQueueRequest     func(username string, msg codec.PlaceInQueueRequest) (place uint32, ok bool)

	// OnBrowseRequest, OnUserInfoRequest, and OnFolderContentsRequest
	// answer the equivalent inbound requests from other peers browsing
	// or inspecting our share (spec §6 "browse_response_resolver",
	// "user_info_resolver", "directory_contents_resolver").
	OnBrowseRequest         func(username string) codec.BrowseResponse
	OnUserInfoRequest       func(username string) codec.UserInfoReply
	OnFolderContentsRequest func(username, directory string) codec.FolderContentsReply

	// OnSearchResponse fires for every inbound SearchResponse a peer
	// delivers over its own dialed-in connection after matching one of
	// our distributed or server searches (spec §4.6 "search results
	// arrive out of band, one peer connection per responder").
	OnSearchResponse func(username string, resp codec.SearchResponse)
}

// Router pumps one peer MessageConnection's decoded Records, completing
// Waiter entries registered by the download/upload orchestrators and
// invoking Hooks for unsolicited messages. One Router per peer
// connection; started by whichever orchestrator first acquires the
// connection for username (spec §4.3 "turns asynchronous protocol
// responses into request/response pairs").
type Router struct {
	username string
	mc       *conn.MessageConnection
	waiter   *waiter.Waiter
	hooks    Hooks
	log      logger.Logger
}

// NewRouter builds a Router; call Run in its own goroutine.
func NewRouter(username string, mc *conn.MessageConnection, w *waiter.Waiter, hooks Hooks, log logger.Logger) *Router {
	return &Router{username: username, mc: mc, waiter: w, hooks: hooks, log: log}
}

// Run drains mc.Records() until the connection disconnects.
func (r *Router) Run() {
	for rec := range r.mc.Records() {
		if rec.Channel != codec.ChannelPeer {
			continue
		}
		if err := r.dispatch(rec.Body); err != nil {
			r.log.Debugf("transfer: router %s: %v", r.username, err)
		}
	}
}

func (r *Router) dispatch(body []byte) error {
	msgReader, err := codec.NewMessageReader(codec.ChannelPeer, body)
	if err != nil {
		return err
	}
	switch codec.PeerCode(msgReader.Opcode) {
	case codec.PeerTransferRequest:
		req, err := codec.ParseTransferRequest(msgReader)
		if err != nil {
			return err
		}
		if req.Direction == 0 {
			// Sender intends to upload to us: this is the "ready to
			// start" notification a queued download waits on (spec
			// §4.6 "register an indefinite wait for later TransferStart
			// notification").
			r.waiter.Complete(readyKey(r.username, req.Filename), readyNotification{Token: req.Token, FileSize: req.FileSize})
			return nil
		}
		// Sender wants to download this filename from us.
		if r.hooks.OnIncomingTransferRequest == nil {
			return nil
		}
		resp := r.hooks.OnIncomingTransferRequest(r.username, req)
		return r.mc.Write(context.Background(), resp.ToBytes())
	case codec.PeerTransferResponse:
		resp, err := codec.ParseTransferResponse(msgReader)
		if err != nil {
			return err
		}
		r.waiter.Complete(transferResponseKey(r.username, resp.Token), resp)
		return nil
	case codec.PeerQueueDownload:
		msg, err := codec.ParseQueueDownload(msgReader)
		if err != nil {
			return err
		}
		if r.hooks.OnQueueDownload != nil {
			r.hooks.OnQueueDownload(r.username, msg)
		}
		return nil
	case codec.PeerPlaceInQueueRequest:
		msg, err := codec.ParsePlaceInQueueRequest(msgReader)
		if err != nil {
			return err
		}
		if r.hooks.OnPlaceInQueueRequest == nil {
			return nil
		}
		place, ok := r.hooks.OnPlaceInQueueRequest(r.username, msg)
		if !ok {
			return nil
		}
		return r.mc.Write(context.Background(), codec.PlaceInQueueReply{Filename: msg.Filename, Place: place}.ToBytes())
	case codec.PeerPlaceInQueueReply:
		msg, err := codec.ParsePlaceInQueueReply(msgReader)
		if err != nil {
			return err
		}
		r.waiter.Complete(placeInQueueKey(r.username, msg.Filename), msg)
		return nil
	case codec.PeerUploadDenied:
		msg, err := codec.ParseUploadDenied(msgReader)
		if err != nil {
			return err
		}
		r.waiter.Complete(uploadDeniedKey(r.username, msg.Filename), msg)
		return nil
	case codec.PeerShareFileList:
		resp, err := codec.ParseBrowseResponse(body)
		if err != nil {
			return err
		}
		r.waiter.Complete(BrowseResponseKey(r.username), resp)
		return nil
	case codec.PeerUserInfoReply:
		reply, err := codec.ParseUserInfoReply(msgReader)
		if err != nil {
			return err
		}
		r.waiter.Complete(UserInfoKey(r.username), reply)
		return nil
	case codec.PeerFolderContentsReply:
		reply, err := codec.ParseFolderContentsReply(body)
		if err != nil {
			return err
		}
		r.waiter.Complete(FolderContentsKey(r.username, reply.Token), reply)
		return nil
	case codec.PeerSearchReply:
		resp, err := codec.ParseSearchResponse(body)
		if err != nil {
			return err
		}
		if r.hooks.OnSearchResponse != nil {
			r.hooks.OnSearchResponse(r.username, resp)
		}
		return nil
	case codec.PeerGetShareFileList:
		if r.hooks.OnBrowseRequest == nil {
			return nil
		}
		resp := r.hooks.OnBrowseRequest(r.username)
		payload, err := resp.ToBytes()
		if err != nil {
			return err
		}
		return r.mc.Write(context.Background(), payload)
	case codec.PeerUserInfoRequest:
		if r.hooks.OnUserInfoRequest == nil {
			return nil
		}
		reply := r.hooks.OnUserInfoRequest(r.username)
		return r.mc.Write(context.Background(), reply.ToBytes())
	case codec.PeerFolderContentsRequest:
		req, err := codec.ParseFolderContentsRequest(msgReader)
		if err != nil {
			return err
		}
		if r.hooks.OnFolderContentsRequest == nil {
			return nil
		}
		reply := r.hooks.OnFolderContentsRequest(r.username, req.Directory)
		reply.Token = req.Token
		payload, err := reply.ToBytes()
		if err != nil {
			return err
		}
		return r.mc.Write(context.Background(), payload)
	default:
		return nil
	}
}

// BrowseResponseKey correlates a BrowseRequest with the peer's
// BrowseResponse.
func BrowseResponseKey(username string) waiter.Key {
	return waiter.NewKey("peer.BrowseResponse", username)
}

// UserInfoKey correlates a UserInfoRequest with the peer's UserInfoReply.
func UserInfoKey(username string) waiter.Key {
	return waiter.NewKey("peer.UserInfoReply", username)
}

// FolderContentsKey correlates a FolderContentsRequest with the peer's
// FolderContentsReply, disambiguated by token since a caller may have
// more than one outstanding for the same peer.
func FolderContentsKey(username string, token uint32) waiter.Key {
	return waiter.NewKey("peer.FolderContentsReply", username, strconv.FormatUint(uint64(token), 10))
}

func transferResponseKey(username string, token uint32) waiter.Key {
	return waiter.NewKey("peer.TransferResponse", username, strconv.FormatUint(uint64(token), 10))
}

func placeInQueueKey(username, filename string) waiter.Key {
	return waiter.NewKey("peer.PlaceInQueueReply", username, filename)
}

func uploadDeniedKey(username, filename string) waiter.Key {
	return waiter.NewKey("peer.UploadDenied", username, filename)
}
