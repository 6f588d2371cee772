package codec

import "net"

// LoginRequest is produced, never consumed (spec §8 scenario 1).
type LoginRequest struct {
	Username        string
	PasswordMD5Hash string
	Version         uint32
	HashPlusVersion string // MD5(username+password) historically reused as a client-version checksum salt
	MinorVersion    uint32
}

func (m LoginRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelServer, uint32(ServerLogin))
	b.WriteString(m.Username)
	b.WriteString(m.PasswordMD5Hash)
	b.WriteU32(m.Version)
	b.WriteString(m.HashPlusVersion)
	b.WriteU32(m.MinorVersion)
	return b.Build()
}

// LoginResponse is consumed, never produced.
type LoginResponse struct {
	Success bool
	Reason  string // present only when Success == false
	IP      net.IP // present only when Success == true
}

func ParseLoginResponse(r *MessageReader) (LoginResponse, error) {
	if err := r.RequireOpcode(uint32(ServerLogin)); err != nil {
		return LoginResponse{}, err
	}
	var out LoginResponse
	ok, err := r.ReadBool()
	if err != nil {
		return out, err
	}
	out.Success = ok
	if ok {
		if _, err := r.ReadString(); err != nil { // greeting message, discarded
			return out, err
		}
		ip, err := r.ReadIPv4()
		if err != nil {
			return out, err
		}
		out.IP = ip
	} else {
		reason, err := r.ReadString()
		if err != nil {
			return out, err
		}
		out.Reason = reason
	}
	return out, nil
}

// SetListenPort is produced after login to advertise our inbound port.
type SetListenPort struct {
	Port uint32
}

func (m SetListenPort) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerSetListenPort)).WriteU32(m.Port).Build()
}

// GetPeerAddressRequest solicits a peer's advertised (ip, port).
type GetPeerAddressRequest struct {
	Username string
}

func (m GetPeerAddressRequest) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerGetPeerAddress)).WriteString(m.Username).Build()
}

// GetPeerAddressResponse answers a GetPeerAddressRequest.
type GetPeerAddressResponse struct {
	Username string
	IP       net.IP
	Port     uint32
}

func ParseGetPeerAddressResponse(r *MessageReader) (GetPeerAddressResponse, error) {
	if err := r.RequireOpcode(uint32(ServerGetPeerAddress)); err != nil {
		return GetPeerAddressResponse{}, err
	}
	var out GetPeerAddressResponse
	var err error
	if out.Username, err = r.ReadString(); err != nil {
		return out, err
	}
	if out.IP, err = r.ReadIPv4(); err != nil {
		return out, err
	}
	if out.Port, err = r.ReadU32(); err != nil {
		return out, err
	}
	return out, nil
}

// ConnectionType is the single-character peer connection purpose
// negotiated in PeerInit and ConnectToPeer: "P" peer message, "F" file
// transfer, "D" distributed.
type ConnectionType string

const (
	ConnectionTypePeer        ConnectionType = "P"
	ConnectionTypeFileTransfer ConnectionType = "F"
	ConnectionTypeDistributed  ConnectionType = "D"
)

// ConnectToPeerRequest solicits an indirect connection (spec §4.4):
// sent by us to the server to ask the server to ask username to dial
// us back, OR received from the server telling us someone else wants
// us to dial them ("Request" duality is positional, not structural).
type ConnectToPeerRequest struct {
	Username string
	Type     ConnectionType
	Token    uint32
}

func (m ConnectToPeerRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelServer, uint32(ServerConnectToPeer))
	b.WriteString(m.Username)
	b.WriteString(string(m.Type))
	b.WriteU32(m.Token)
	return b.Build()
}

// ConnectToPeerNotification is the server->client solicitation telling
// us a peer wants to connect (indirect path) or is connectable
// directly at (IP, Port) (spec §4.4).
type ConnectToPeerNotification struct {
	Username string
	Type     ConnectionType
	IP       net.IP
	Port     uint32
	Token    uint32
	Privileged bool
}

func ParseConnectToPeerNotification(r *MessageReader) (ConnectToPeerNotification, error) {
	if err := r.RequireOpcode(uint32(ServerConnectToPeer)); err != nil {
		return ConnectToPeerNotification{}, err
	}
	var out ConnectToPeerNotification
	var err error
	if out.Username, err = r.ReadString(); err != nil {
		return out, err
	}
	typ, err := r.ReadString()
	if err != nil {
		return out, err
	}
	out.Type = ConnectionType(typ)
	if out.IP, err = r.ReadIPv4(); err != nil {
		return out, err
	}
	if out.Port, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	if r.Remaining() >= 1 {
		if out.Privileged, err = r.ReadBool(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// FileSearchRequest is the server-channel search broadcast we issue
// (spec §6).
type FileSearchRequest struct {
	Token uint32
	Query string
}

func (m FileSearchRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelServer, uint32(ServerFileSearch))
	b.WriteU32(m.Token)
	b.WriteString(m.Query)
	return b.Build()
}

// ParentCandidate is one entry in a NetInfo candidate list.
type ParentCandidate struct {
	Username string
	IP       net.IP
	Port     uint32
}

// NetInfo carries a fresh list of distributed-parent candidates (spec §4.5).
type NetInfo struct {
	Candidates []ParentCandidate
}

func ParseNetInfo(r *MessageReader) (NetInfo, error) {
	if err := r.RequireOpcode(uint32(ServerNetInfo)); err != nil {
		return NetInfo{}, err
	}
	count, err := r.ReadU32()
	if err != nil {
		return NetInfo{}, err
	}
	out := NetInfo{Candidates: make([]ParentCandidate, 0, count)}
	for i := uint32(0); i < count; i++ {
		var c ParentCandidate
		if c.Username, err = r.ReadString(); err != nil {
			return out, err
		}
		if c.IP, err = r.ReadIPv4(); err != nil {
			return out, err
		}
		if c.Port, err = r.ReadU32(); err != nil {
			return out, err
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out, nil
}

// Distributed status sub-messages (spec §4.5, §6), each a tiny
// fixed-shape frame sent to the server.

type HaveNoParents struct{ Value bool }

func (m HaveNoParents) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerHaveNoParents)).WriteBool(m.Value).Build()
}

type ParentsIP struct{ IP net.IP }

func (m ParentsIP) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerParentsIP)).WriteIPv4(m.IP).Build()
}

type ServerBranchLevelMessage struct{ Level int32 }

func (m ServerBranchLevelMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerBranchLevel)).WriteU32(uint32(m.Level)).Build()
}

type ServerBranchRootMessage struct{ Username string }

func (m ServerBranchRootMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerBranchRoot)).WriteString(m.Username).Build()
}

type ChildDepth struct{ Depth uint32 }

func (m ChildDepth) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerChildDepth)).WriteU32(m.Depth).Build()
}

type AcceptChildren struct{ Value bool }

func (m AcceptChildren) ToBytes() []byte {
	return NewMessageBuilder(ChannelServer, uint32(ServerAcceptChildren)).WriteBool(m.Value).Build()
}
