package codec

// Channel identifies which of the three disjoint opcode enumerations
// (plus the PeerInit prologue) a frame's body belongs to. Opcode width
// on the wire depends on the channel (spec §3, §6).
type Channel int

const (
	ChannelServer Channel = iota
	ChannelPeer
	ChannelDistributed
	ChannelPeerInit
)

// OpcodeWidth returns the number of bytes the opcode occupies for c.
func (c Channel) OpcodeWidth() int {
	switch c {
	case ChannelServer, ChannelPeer:
		return 4
	case ChannelDistributed, ChannelPeerInit:
		return 1
	default:
		return 4
	}
}

func (c Channel) String() string {
	switch c {
	case ChannelServer:
		return "server"
	case ChannelPeer:
		return "peer"
	case ChannelDistributed:
		return "distributed"
	case ChannelPeerInit:
		return "peer-init"
	default:
		return "unknown"
	}
}

// ServerCode enumerates the server-channel opcodes this core produces
// or consumes (spec §6).
type ServerCode uint32

const (
	ServerLogin                 ServerCode = 1
	ServerSetListenPort         ServerCode = 2
	ServerGetPeerAddress        ServerCode = 3
	ServerWatchUser             ServerCode = 5
	ServerUnwatchUser           ServerCode = 6
	ServerGetUserStatus         ServerCode = 7
	ServerSayChatroom           ServerCode = 13
	ServerJoinRoom              ServerCode = 14
	ServerLeaveRoom             ServerCode = 15
	ServerUserJoinedRoom        ServerCode = 16
	ServerUserLeftRoom          ServerCode = 17
	ServerConnectToPeer         ServerCode = 18
	ServerMessageUser           ServerCode = 22
	ServerMessageAcked          ServerCode = 23
	ServerFileSearch            ServerCode = 26
	ServerSetStatus             ServerCode = 28
	ServerServerPing            ServerCode = 32
	ServerSharedFoldersFiles    ServerCode = 35
	ServerGetUserStats          ServerCode = 36
	ServerQueuedDownloads       ServerCode = 40
	ServerKickedFromServer      ServerCode = 41
	ServerUserSearch            ServerCode = 42
	ServerRoomList              ServerCode = 64
	ServerPrivilegedUsers       ServerCode = 69
	ServerHaveNoParents         ServerCode = 71
	ServerParentsIP             ServerCode = 73
	ServerParentMinSpeed        ServerCode = 83
	ServerParentSpeedRatio      ServerCode = 84
	ServerWishlistSearchInterval ServerCode = 104
	ServerBranchLevel           ServerCode = 126
	ServerBranchRoot            ServerCode = 127
	ServerChildDepth            ServerCode = 129
	ServerPrivateRoomUsers      ServerCode = 133
	ServerPrivateRoomAddUser    ServerCode = 134
	ServerPrivateRoomRemoveUser ServerCode = 135
	ServerPrivateRoomAdded      ServerCode = 139
	ServerPrivateRoomRemoved    ServerCode = 140
	ServerToggleParentSearch    ServerCode = 141
	ServerPrivateRoomInvite     ServerCode = 148
	ServerAcceptChildren        ServerCode = 160
	ServerNetInfo               ServerCode = 102
	ServerWishlistSearch        ServerCode = 103
	ServerSimilarUsers          ServerCode = 110
	ServerRoomTicker            ServerCode = 113
	ServerRoomSearch            ServerCode = 120
	ServerCheckPrivileges       ServerCode = 92
	ServerGivePrivileges        ServerCode = 123
	ServerPrivilegeNotification ServerCode = 124
	ServerAckPrivilegeNotif     ServerCode = 125
)

// PeerCode enumerates peer-channel opcodes (spec §6).
type PeerCode uint32

const (
	PeerGetShareFileList       PeerCode = 4
	PeerShareFileList          PeerCode = 5
	PeerSearchReply            PeerCode = 9
	PeerUserInfoRequest        PeerCode = 15
	PeerUserInfoReply          PeerCode = 16
	PeerFolderContentsRequest  PeerCode = 36
	PeerFolderContentsReply    PeerCode = 37
	PeerTransferRequest        PeerCode = 40
	PeerTransferResponse       PeerCode = 41
	PeerQueueDownload          PeerCode = 43
	PeerPlaceInQueueReply      PeerCode = 44
	PeerUploadFailed           PeerCode = 46
	PeerUploadDenied           PeerCode = 50
	PeerPlaceInQueueRequest    PeerCode = 51
	PeerUploadQueueNotify      PeerCode = 52
)

// DistributedCode enumerates distributed-channel opcodes (spec §6).
type DistributedCode uint8

const (
	DistributedCodePing            DistributedCode = 0
	DistributedCodeSearchRequest   DistributedCode = 3
	DistributedCodeBranchLevel     DistributedCode = 4
	DistributedCodeBranchRoot      DistributedCode = 5
	DistributedCodeChildDepth      DistributedCode = 7
	DistributedServerSearchRequest DistributedCode = 93
)

// PeerInitCode enumerates the short peer-init prologue (spec §6).
type PeerInitCode uint8

const (
	PeerInitPierceFirewall PeerInitCode = 0
	PeerInitPeerInit       PeerInitCode = 1
)
