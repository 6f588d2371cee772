package codec

// FileAttribute is one (code, value) pair describing a shared file
// (bitrate, duration, VBR flag, sample rate, bit depth, ...).
type FileAttribute struct {
	Code  uint32
	Value uint32
}

// File describes one entry in a directory listing or search result.
type File struct {
	Code       uint8
	Name       string
	Size       int64
	Extension  string
	Attributes []FileAttribute
}

func writeFile(b *MessageBuilder, f File) {
	b.WriteU8(f.Code)
	b.WriteString(f.Name)
	b.WriteI64(f.Size)
	b.WriteString(f.Extension)
	b.WriteU32(uint32(len(f.Attributes)))
	for _, a := range f.Attributes {
		b.WriteU32(a.Code)
		b.WriteU32(a.Value)
	}
}

func readFile(r *MessageReader) (File, error) {
	var f File
	var err error
	if f.Code, err = r.ReadU8(); err != nil {
		return f, err
	}
	if f.Name, err = r.ReadString(); err != nil {
		return f, err
	}
	if f.Size, err = r.ReadI64(); err != nil {
		return f, err
	}
	if f.Extension, err = r.ReadString(); err != nil {
		return f, err
	}
	n, err := r.ReadU32()
	if err != nil {
		return f, err
	}
	if n > 0 {
		f.Attributes = make([]FileAttribute, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		var a FileAttribute
		if a.Code, err = r.ReadU32(); err != nil {
			return f, err
		}
		if a.Value, err = r.ReadU32(); err != nil {
			return f, err
		}
		f.Attributes = append(f.Attributes, a)
	}
	return f, nil
}

// Directory is one named folder's worth of files, as carried in both
// browse responses and folder-contents responses.
type Directory struct {
	Name  string
	Files []File
}

func writeDirectory(b *MessageBuilder, d Directory) {
	b.WriteString(d.Name)
	b.WriteU32(uint32(len(d.Files)))
	for _, f := range d.Files {
		writeFile(b, f)
	}
}

func readDirectory(r *MessageReader) (Directory, error) {
	var d Directory
	var err error
	if d.Name, err = r.ReadString(); err != nil {
		return d, err
	}
	n, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.Files = make([]File, 0, n)
	for i := uint32(0); i < n; i++ {
		f, err := readFile(r)
		if err != nil {
			return d, err
		}
		d.Files = append(d.Files, f)
	}
	return d, nil
}

// BrowseRequest has no payload beyond the opcode.
type BrowseRequest struct{}

func (m BrowseRequest) ToBytes() []byte {
	return NewMessageBuilder(ChannelPeer, uint32(PeerGetShareFileList)).Build()
}

// BrowseResponse is the full share listing a peer returns, compressed
// on the wire (spec §4.1).
type BrowseResponse struct {
	Directories       []Directory
	PrivateDirectories []Directory
}

func (m BrowseResponse) ToBytes() ([]byte, error) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerShareFileList))
	b.WriteU32(uint32(len(m.Directories)))
	for _, d := range m.Directories {
		writeDirectory(b, d)
	}
	b.WriteU32(uint32(len(m.PrivateDirectories)))
	for _, d := range m.PrivateDirectories {
		writeDirectory(b, d)
	}
	if err := b.Compress(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func ParseBrowseResponse(opcodeAndPayload []byte) (BrowseResponse, error) {
	r, err := NewMessageReader(ChannelPeer, opcodeAndPayload)
	if err != nil {
		return BrowseResponse{}, err
	}
	if err := r.RequireOpcode(uint32(PeerShareFileList)); err != nil {
		return BrowseResponse{}, err
	}
	decompressed, err := Decompress(opcodeAndPayload[4:])
	if err != nil {
		return BrowseResponse{}, err
	}
	pr := &MessageReader{buf: decompressed}
	var out BrowseResponse
	n, err := pr.ReadU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < n; i++ {
		d, err := readDirectory(pr)
		if err != nil {
			return out, err
		}
		out.Directories = append(out.Directories, d)
	}
	if pr.Remaining() >= 4 {
		n2, err := pr.ReadU32()
		if err != nil {
			return out, err
		}
		for i := uint32(0); i < n2; i++ {
			d, err := readDirectory(pr)
			if err != nil {
				return out, err
			}
			out.PrivateDirectories = append(out.PrivateDirectories, d)
		}
	}
	return out, nil
}

// UserInfoRequest has no payload beyond the opcode.
type UserInfoRequest struct{}

func (m UserInfoRequest) ToBytes() []byte {
	return NewMessageBuilder(ChannelPeer, uint32(PeerUserInfoRequest)).Build()
}

// UserInfoReply is a peer's self-description.
type UserInfoReply struct {
	Description   string
	HasPicture    bool
	Picture       []byte
	UploadSlots   uint32
	QueueLength   uint32
	HasFreeSlots  bool
}

func (m UserInfoReply) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerUserInfoReply))
	b.WriteString(m.Description)
	b.WriteBool(m.HasPicture)
	if m.HasPicture {
		b.WriteU32(uint32(len(m.Picture)))
		b.WriteBytes(m.Picture)
	}
	b.WriteU32(m.UploadSlots)
	b.WriteU32(m.QueueLength)
	b.WriteBool(m.HasFreeSlots)
	return b.Build()
}

func ParseUserInfoReply(r *MessageReader) (UserInfoReply, error) {
	if err := r.RequireOpcode(uint32(PeerUserInfoReply)); err != nil {
		return UserInfoReply{}, err
	}
	var out UserInfoReply
	var err error
	if out.Description, err = r.ReadString(); err != nil {
		return out, err
	}
	if out.HasPicture, err = r.ReadBool(); err != nil {
		return out, err
	}
	if out.HasPicture {
		n, err := r.ReadU32()
		if err != nil {
			return out, err
		}
		if out.Picture, err = r.ReadBytes(int(n)); err != nil {
			return out, err
		}
	}
	if out.UploadSlots, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.QueueLength, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.HasFreeSlots, err = r.ReadBool(); err != nil {
		return out, err
	}
	return out, nil
}

// FolderContentsRequest asks a peer to enumerate one directory.
type FolderContentsRequest struct {
	Token     uint32
	Directory string
}

func (m FolderContentsRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerFolderContentsRequest))
	b.WriteU32(m.Token)
	b.WriteString(m.Directory)
	return b.Build()
}

func ParseFolderContentsRequest(r *MessageReader) (FolderContentsRequest, error) {
	if err := r.RequireOpcode(uint32(PeerFolderContentsRequest)); err != nil {
		return FolderContentsRequest{}, err
	}
	var out FolderContentsRequest
	var err error
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Directory, err = r.ReadString(); err != nil {
		return out, err
	}
	return out, nil
}

// FolderContentsReply answers a FolderContentsRequest.
type FolderContentsReply struct {
	Token       uint32
	Directories []Directory
}

func (m FolderContentsReply) ToBytes() ([]byte, error) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerFolderContentsReply))
	b.WriteU32(m.Token)
	b.WriteU32(uint32(len(m.Directories)))
	for _, d := range m.Directories {
		writeDirectory(b, d)
	}
	if err := b.Compress(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func ParseFolderContentsReply(opcodeAndPayload []byte) (FolderContentsReply, error) {
	r, err := NewMessageReader(ChannelPeer, opcodeAndPayload)
	if err != nil {
		return FolderContentsReply{}, err
	}
	if err := r.RequireOpcode(uint32(PeerFolderContentsReply)); err != nil {
		return FolderContentsReply{}, err
	}
	decompressed, err := Decompress(opcodeAndPayload[4:])
	if err != nil {
		return FolderContentsReply{}, err
	}
	pr := &MessageReader{buf: decompressed}
	var out FolderContentsReply
	if out.Token, err = pr.ReadU32(); err != nil {
		return out, err
	}
	n, err := pr.ReadU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < n; i++ {
		d, err := readDirectory(pr)
		if err != nil {
			return out, err
		}
		out.Directories = append(out.Directories, d)
	}
	return out, nil
}

// SearchResponse is what a local resolver produces and what a peer
// returns for a search it matched (spec §6).
type SearchResponse struct {
	Username     string
	Token        uint32
	Files        []File
	FreeSlot     bool
	UploadSpeed  uint32
	QueueLength  int64
}

func (m SearchResponse) ToBytes() ([]byte, error) {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerSearchReply))
	b.WriteString(m.Username)
	b.WriteU32(m.Token)
	b.WriteU32(uint32(len(m.Files)))
	for _, f := range m.Files {
		writeFile(b, f)
	}
	b.WriteBool(m.FreeSlot)
	b.WriteU32(m.UploadSpeed)
	b.WriteI64(m.QueueLength)
	if err := b.Compress(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func ParseSearchResponse(opcodeAndPayload []byte) (SearchResponse, error) {
	r, err := NewMessageReader(ChannelPeer, opcodeAndPayload)
	if err != nil {
		return SearchResponse{}, err
	}
	if err := r.RequireOpcode(uint32(PeerSearchReply)); err != nil {
		return SearchResponse{}, err
	}
	decompressed, err := Decompress(opcodeAndPayload[4:])
	if err != nil {
		return SearchResponse{}, err
	}
	pr := &MessageReader{buf: decompressed}
	var out SearchResponse
	if out.Username, err = pr.ReadString(); err != nil {
		return out, err
	}
	if out.Token, err = pr.ReadU32(); err != nil {
		return out, err
	}
	n, err := pr.ReadU32()
	if err != nil {
		return out, err
	}
	for i := uint32(0); i < n; i++ {
		f, err := readFile(pr)
		if err != nil {
			return out, err
		}
		out.Files = append(out.Files, f)
	}
	if out.FreeSlot, err = pr.ReadBool(); err != nil {
		return out, err
	}
	if out.UploadSpeed, err = pr.ReadU32(); err != nil {
		return out, err
	}
	if out.QueueLength, err = pr.ReadI64(); err != nil {
		return out, err
	}
	return out, nil
}

// TransferRequest is sent by the downloader (direction "download") or
// the uploader offering a file (direction "upload") (spec §4.6).
type TransferRequest struct {
	Direction uint32 // 0 = upload (from sender's perspective), 1 = download
	Token     uint32
	Filename  string
	FileSize  int64 // only meaningful when Direction == upload
}

func (m TransferRequest) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerTransferRequest))
	b.WriteU32(m.Direction)
	b.WriteU32(m.Token)
	b.WriteString(m.Filename)
	if m.Direction == 0 {
		b.WriteI64(m.FileSize)
	}
	return b.Build()
}

func ParseTransferRequest(r *MessageReader) (TransferRequest, error) {
	if err := r.RequireOpcode(uint32(PeerTransferRequest)); err != nil {
		return TransferRequest{}, err
	}
	var out TransferRequest
	var err error
	if out.Direction, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Filename, err = r.ReadString(); err != nil {
		return out, err
	}
	if out.Direction == 0 && r.Remaining() >= 8 {
		if out.FileSize, err = r.ReadI64(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// TransferResponse answers a TransferRequest. Two historical shapes
// exist on the wire (spec §9 Open Question): FileSize as i64 (current,
// canonical) or as u32 (legacy). ToBytes emits the canonical i64 shape;
// ParseTransferResponseU32Size is provided for peers still sending the
// legacy shape.
type TransferResponse struct {
	Token    uint32
	Allowed  bool
	FileSize int64  // present only when Allowed
	Reason   string // present only when !Allowed
}

func (m TransferResponse) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerTransferResponse))
	b.WriteU32(m.Token)
	b.WriteBool(m.Allowed)
	if m.Allowed {
		b.WriteI64(m.FileSize)
	} else {
		b.WriteString(m.Reason)
	}
	return b.Build()
}

func ParseTransferResponse(r *MessageReader) (TransferResponse, error) {
	if err := r.RequireOpcode(uint32(PeerTransferResponse)); err != nil {
		return TransferResponse{}, err
	}
	var out TransferResponse
	var err error
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Allowed, err = r.ReadBool(); err != nil {
		return out, err
	}
	if !out.Allowed {
		if out.Reason, err = r.ReadString(); err != nil {
			return out, err
		}
		return out, nil
	}
	if r.Remaining() == 0 {
		// allowed && no more data: some peers send nothing further
		// (spec §9 Open Question).
		return out, nil
	}
	if r.Remaining() >= 8 {
		out.FileSize, err = r.ReadI64()
		return out, err
	}
	// legacy u32 shape
	u, err := r.ReadU32()
	out.FileSize = int64(u)
	return out, err
}

// ParseTransferResponseU32Size decodes the legacy shape where FileSize
// is always 32-bit, for interop with old clients that never migrated.
func ParseTransferResponseU32Size(r *MessageReader) (TransferResponse, error) {
	if err := r.RequireOpcode(uint32(PeerTransferResponse)); err != nil {
		return TransferResponse{}, err
	}
	var out TransferResponse
	var err error
	if out.Token, err = r.ReadU32(); err != nil {
		return out, err
	}
	if out.Allowed, err = r.ReadBool(); err != nil {
		return out, err
	}
	if !out.Allowed {
		out.Reason, err = r.ReadString()
		return out, err
	}
	u, err := r.ReadU32()
	out.FileSize = int64(u)
	return out, err
}

// QueueDownload asks the remote to enqueue filename for later upload
// to us (spec §4.6).
type QueueDownload struct {
	Filename string
}

func (m QueueDownload) ToBytes() []byte {
	return NewMessageBuilder(ChannelPeer, uint32(PeerQueueDownload)).WriteString(m.Filename).Build()
}

func ParseQueueDownload(r *MessageReader) (QueueDownload, error) {
	if err := r.RequireOpcode(uint32(PeerQueueDownload)); err != nil {
		return QueueDownload{}, err
	}
	name, err := r.ReadString()
	return QueueDownload{Filename: name}, err
}

// PlaceInQueueRequest asks for our current queue position for filename.
type PlaceInQueueRequest struct {
	Filename string
}

func (m PlaceInQueueRequest) ToBytes() []byte {
	return NewMessageBuilder(ChannelPeer, uint32(PeerPlaceInQueueRequest)).WriteString(m.Filename).Build()
}

func ParsePlaceInQueueRequest(r *MessageReader) (PlaceInQueueRequest, error) {
	if err := r.RequireOpcode(uint32(PeerPlaceInQueueRequest)); err != nil {
		return PlaceInQueueRequest{}, err
	}
	name, err := r.ReadString()
	return PlaceInQueueRequest{Filename: name}, err
}

// PlaceInQueueReply answers a PlaceInQueueRequest.
type PlaceInQueueReply struct {
	Filename string
	Place    uint32
}

func (m PlaceInQueueReply) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerPlaceInQueueReply))
	b.WriteString(m.Filename)
	b.WriteU32(m.Place)
	return b.Build()
}

func ParsePlaceInQueueReply(r *MessageReader) (PlaceInQueueReply, error) {
	if err := r.RequireOpcode(uint32(PeerPlaceInQueueReply)); err != nil {
		return PlaceInQueueReply{}, err
	}
	var out PlaceInQueueReply
	var err error
	if out.Filename, err = r.ReadString(); err != nil {
		return out, err
	}
	out.Place, err = r.ReadU32()
	return out, err
}

// UploadDenied tells a downloader why an upload was refused.
type UploadDenied struct {
	Filename string
	Reason   string
}

func (m UploadDenied) ToBytes() []byte {
	b := NewMessageBuilder(ChannelPeer, uint32(PeerUploadDenied))
	b.WriteString(m.Filename)
	b.WriteString(m.Reason)
	return b.Build()
}

func ParseUploadDenied(r *MessageReader) (UploadDenied, error) {
	if err := r.RequireOpcode(uint32(PeerUploadDenied)); err != nil {
		return UploadDenied{}, err
	}
	var out UploadDenied
	var err error
	if out.Filename, err = r.ReadString(); err != nil {
		return out, err
	}
	out.Reason, err = r.ReadString()
	return out, err
}
