package codec

// DistributedSearchRequest is flooded down the distributed tree and
// rebroadcast verbatim to all children (spec §4.5, §8 scenario 2).
type DistributedSearchRequest struct {
	Unknown  uint32 // always observed as 0x00000001 historically; carried through unchanged
	Username string
	Token    uint32
	Query    string
}

func (m DistributedSearchRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelDistributed, uint32(DistributedCodeSearchRequest))
	b.WriteU32(m.Unknown)
	b.WriteString(m.Username)
	b.WriteU32(m.Token)
	b.WriteString(m.Query)
	return b.Build()
}

func ParseDistributedSearchRequest(r *MessageReader) (DistributedSearchRequest, error) {
	if err := r.RequireOpcode(uint32(DistributedCodeSearchRequest)); err != nil {
		return DistributedSearchRequest{}, err
	}
	var out DistributedSearchRequest
	var err error
	if out.Unknown, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Username, err = r.ReadString(); err != nil {
		return out, err
	}
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	out.Query, err = r.ReadString()
	return out, err
}

// ServerSearchRequest is the variant a search arrives as when it
// originates from the server directly (rooms / wishlist searches)
// rather than from our distributed parent.
type ServerSearchRequest struct {
	DistributedCode uint32
	Username        string
	Token           uint32
	Query           string
}

func ParseServerSearchRequest(r *MessageReader) (ServerSearchRequest, error) {
	if err := r.RequireOpcode(uint32(DistributedServerSearchRequest)); err != nil {
		return ServerSearchRequest{}, err
	}
	var out ServerSearchRequest
	var err error
	if out.DistributedCode, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Username, err = r.ReadString(); err != nil {
		return out, err
	}
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	out.Query, err = r.ReadString()
	return out, err
}

// DistributedBranchLevelMessage tells a child what hop distance we're
// advertising (spec §3 "Invariant").
type DistributedBranchLevelMessage struct {
	Level int32
}

func (m DistributedBranchLevelMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelDistributed, uint32(DistributedCodeBranchLevel)).WriteU32(uint32(m.Level)).Build()
}

func ParseDistributedBranchLevelMessage(r *MessageReader) (DistributedBranchLevelMessage, error) {
	if err := r.RequireOpcode(uint32(DistributedCodeBranchLevel)); err != nil {
		return DistributedBranchLevelMessage{}, err
	}
	v, err := r.ReadU32()
	return DistributedBranchLevelMessage{Level: int32(v)}, err
}

// DistributedBranchRootMessage tells a child who the root of our
// branch is.
type DistributedBranchRootMessage struct {
	Username string
}

func (m DistributedBranchRootMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelDistributed, uint32(DistributedCodeBranchRoot)).WriteString(m.Username).Build()
}

func ParseDistributedBranchRootMessage(r *MessageReader) (DistributedBranchRootMessage, error) {
	if err := r.RequireOpcode(uint32(DistributedCodeBranchRoot)); err != nil {
		return DistributedBranchRootMessage{}, err
	}
	u, err := r.ReadString()
	return DistributedBranchRootMessage{Username: u}, err
}

// DistributedChildDepthMessage reports how many hops of children hang
// below us.
type DistributedChildDepthMessage struct {
	Depth uint32
}

func (m DistributedChildDepthMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelDistributed, uint32(DistributedCodeChildDepth)).WriteU32(m.Depth).Build()
}

func ParseDistributedChildDepthMessage(r *MessageReader) (DistributedChildDepthMessage, error) {
	if err := r.RequireOpcode(uint32(DistributedCodeChildDepth)); err != nil {
		return DistributedChildDepthMessage{}, err
	}
	v, err := r.ReadU32()
	return DistributedChildDepthMessage{Depth: v}, err
}

// DistributedPingMessage is a keepalive with no payload.
type DistributedPingMessage struct{}

func (m DistributedPingMessage) ToBytes() []byte {
	return NewMessageBuilder(ChannelDistributed, uint32(DistributedCodePing)).Build()
}
