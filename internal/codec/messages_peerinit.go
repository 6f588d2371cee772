package codec

// PeerInit is the first record an outbound peer connection sends to
// declare who it is and what it wants (spec §4.4, §6).
type PeerInit struct {
	Username       string
	ConnectionType ConnectionType
	Token          uint32
}

func (m PeerInit) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeerInit, uint32(PeerInitPeerInit))
	b.WriteString(m.Username)
	b.WriteString(string(m.ConnectionType))
	b.WriteU32(m.Token)
	return b.Build()
}

func ParsePeerInit(r *MessageReader) (PeerInit, error) {
	if err := r.RequireOpcode(uint32(PeerInitPeerInit)); err != nil {
		return PeerInit{}, err
	}
	var out PeerInit
	var err error
	if out.Username, err = r.ReadString(); err != nil {
		return out, err
	}
	typ, err := r.ReadString()
	if err != nil {
		return out, err
	}
	out.ConnectionType = ConnectionType(typ)
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	return out, nil
}

// PierceFirewall is the tiny opening frame a peer sends when dialling
// back in response to a ConnectToPeer solicitation (spec GLOSSARY).
type PierceFirewall struct {
	Token uint32
}

func (m PierceFirewall) ToBytes() []byte {
	return NewMessageBuilder(ChannelPeerInit, uint32(PeerInitPierceFirewall)).WriteU32(m.Token).Build()
}

func ParsePierceFirewall(r *MessageReader) (PierceFirewall, error) {
	if err := r.RequireOpcode(uint32(PeerInitPierceFirewall)); err != nil {
		return PierceFirewall{}, err
	}
	token, err := r.ReadU32()
	if err != nil {
		return PierceFirewall{}, err
	}
	return PierceFirewall{Token: token}, nil
}
