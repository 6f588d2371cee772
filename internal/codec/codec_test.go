package codec

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRequestRoundTrip(t *testing.T) {
	req := LoginRequest{Username: "nicotine", PasswordMD5Hash: "deadbeef", Version: 160, HashPlusVersion: "abc123", MinorVersion: 1}
	frame := req.ToBytes()

	body := frame[4:]
	r, err := NewMessageReader(ChannelServer, body)
	require.NoError(t, err)
	require.Equal(t, uint32(ServerLogin), r.Opcode)

	username, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, req.Username, username)
	hash, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, req.PasswordMD5Hash, hash)
	version, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, req.Version, version)
	hashPlusVersion, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, req.HashPlusVersion, hashPlusVersion)
	minor, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, req.MinorVersion, minor)
}

func TestLoginResponseRoundTrip(t *testing.T) {
	b := NewMessageBuilder(ChannelServer, uint32(ServerLogin))
	b.WriteBool(true)
	b.WriteString("Welcome")
	b.WriteIPv4(net.IPv4(1, 2, 3, 4))
	frame := b.Build()

	r, err := NewMessageReader(ChannelServer, frame[4:])
	require.NoError(t, err)
	resp, err := ParseLoginResponse(r)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.3.4", resp.IP.String())
}

func TestLoginResponseFailure(t *testing.T) {
	b := NewMessageBuilder(ChannelServer, uint32(ServerLogin))
	b.WriteBool(false)
	b.WriteString("INVALIDPASS")
	frame := b.Build()

	r, err := NewMessageReader(ChannelServer, frame[4:])
	require.NoError(t, err)
	resp, err := ParseLoginResponse(r)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "INVALIDPASS", resp.Reason)
}

func TestConnectToPeerNotificationRoundTrip(t *testing.T) {
	want := ConnectToPeerNotification{
		Username: "alice",
		Type:     ConnectionTypeFileTransfer,
		IP:       net.IPv4(10, 0, 0, 1),
		Port:     2234,
		Token:    99,
	}
	b := NewMessageBuilder(ChannelServer, uint32(ServerConnectToPeer))
	b.WriteString(want.Username)
	b.WriteString(string(want.Type))
	b.WriteIPv4(want.IP)
	b.WriteU32(want.Port)
	b.WriteU32(want.Token)
	frame := b.Build()

	r, err := NewMessageReader(ChannelServer, frame[4:])
	require.NoError(t, err)
	got, err := ParseConnectToPeerNotification(r)
	require.NoError(t, err)
	assert.Equal(t, want.Username, got.Username)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Port, got.Port)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, "10.0.0.1", got.IP.String())
}

func TestDistributedSearchRequestRoundTrip(t *testing.T) {
	want := DistributedSearchRequest{Unknown: 1, Username: "bob", Token: 42, Query: "hello"}
	frame := want.ToBytes()
	r, err := NewMessageReader(ChannelDistributed, frame[4:])
	require.NoError(t, err)
	got, err := ParseDistributedSearchRequest(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPeerInitRoundTrip(t *testing.T) {
	want := PeerInit{Username: "carol", ConnectionType: ConnectionTypePeer, Token: 7}
	frame := want.ToBytes()
	r, err := NewMessageReader(ChannelPeerInit, frame[4:])
	require.NoError(t, err)
	got, err := ParsePeerInit(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPierceFirewallRoundTrip(t *testing.T) {
	want := PierceFirewall{Token: 123}
	frame := want.ToBytes()
	r, err := NewMessageReader(ChannelPeerInit, frame[4:])
	require.NoError(t, err)
	got, err := ParsePierceFirewall(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransferResponseAllowedNoMoreData(t *testing.T) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerTransferResponse))
	b.WriteU32(55)
	b.WriteBool(true)
	frame := b.Build()
	r, err := NewMessageReader(ChannelPeer, frame[4:])
	require.NoError(t, err)
	got, err := ParseTransferResponse(r)
	require.NoError(t, err)
	assert.True(t, got.Allowed)
	assert.Equal(t, uint32(55), got.Token)
	assert.Zero(t, got.FileSize)
}

func TestTransferResponseRejected(t *testing.T) {
	want := TransferResponse{Token: 10, Allowed: false, Reason: "File not shared."}
	frame := want.ToBytes()
	r, err := NewMessageReader(ChannelPeer, frame[4:])
	require.NoError(t, err)
	got, err := ParseTransferResponse(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransferResponseLegacyU32Size(t *testing.T) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerTransferResponse))
	b.WriteU32(1)
	b.WriteBool(true)
	b.WriteU32(4096)
	frame := b.Build()
	r, err := NewMessageReader(ChannelPeer, frame[4:])
	require.NoError(t, err)
	got, err := ParseTransferResponseU32Size(r)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.FileSize)
}

func TestCompressRoundTrip(t *testing.T) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerShareFileList))
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated")
	b.WriteBytes(payload)
	require.NoError(t, b.Compress())
	frame := b.Build()

	body := frame[4:]
	opWidth := ChannelPeer.OpcodeWidth()
	decompressed, err := Decompress(body[opWidth:])
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestBrowseResponseRoundTrip(t *testing.T) {
	want := BrowseResponse{
		Directories: []Directory{
			{
				Name: "shared\\music",
				Files: []File{
					{Code: 1, Name: "song.mp3", Size: 12345, Extension: "mp3", Attributes: []FileAttribute{{Code: 0, Value: 320}}},
				},
			},
		},
	}
	frame, err := want.ToBytes()
	require.NoError(t, err)
	got, err := ParseBrowseResponse(frame[4:])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSearchResponseRoundTrip(t *testing.T) {
	want := SearchResponse{
		Username: "dave",
		Token:    9001,
		Files: []File{
			{Code: 1, Name: "track.flac", Size: 99999, Extension: "flac"},
		},
		FreeSlot:    true,
		UploadSpeed: 1000,
		QueueLength: 0,
	}
	frame, err := want.ToBytes()
	require.NoError(t, err)
	got, err := ParseSearchResponse(frame[4:])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxFrameLength+1)
	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	assert.ErrorIs(t, err, ErrMessageRead)
}

func TestMessageReaderShortDataFails(t *testing.T) {
	_, err := NewMessageReader(ChannelServer, []byte{1, 2})
	assert.ErrorIs(t, err, ErrMessageRead)
}

func TestOpcodeMismatch(t *testing.T) {
	b := NewMessageBuilder(ChannelServer, uint32(ServerLogin))
	b.WriteBool(true)
	frame := b.Build()
	r, err := NewMessageReader(ChannelServer, frame[4:])
	require.NoError(t, err)
	err = r.RequireOpcode(uint32(ServerSetListenPort))
	assert.ErrorIs(t, err, ErrOpcodeMismatch)
}
