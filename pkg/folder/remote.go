package folder

// PeerState is the RemoteFolder connection lifecycle: connected, then ready
// once the handshake completes.
type PeerState int

const (
	PeerConnected PeerState = iota
	PeerReady
)

// EventKind tags the inbound protocol messages a RemoteFolder delivers to
// the core, per the transport contract of spec section 6.
type EventKind int

const (
	EvHandshakeSuccess EventKind = iota
	EvChoke
	EvUnchoke
	EvInterested
	EvNotInterested
	EvHaveMeta
	EvHaveChunk
	EvMetaRequest
	EvMetaReply
	EvBlockRequest
	EvBlockReply
)

// Event is one inbound message from a peer. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind       EventKind
	Revision   PathRevision
	Bitfield   Bitfield
	ChunkHash  ChunkHash
	Offset     int64
	Size       int64
	Data       []byte
	SignedMeta SignedMeta
}

// RemoteFolder is the peer-session abstraction the core depends on. The
// transport layer (out of scope for the core) implements it; the core only
// ever calls the outbound Send* operations and reads inbound messages from
// Events(). Events() must deliver messages for a single peer in the order
// the transport received them, and must be closed once no further message
// will ever be delivered (on disconnect) so the core's forwarder goroutine
// can exit.
type RemoteFolder interface {
	Digest() []byte
	Endpoint() string
	DisplayName() string
	CollectState() map[string]interface{}

	Events() <-chan Event

	SendChoke()
	SendUnchoke()
	SendInterested()
	SendNotInterested()
	SendHaveMeta(rev PathRevision, bf Bitfield)
	SendHaveChunk(ct ChunkHash)
	SendMetaRequest(rev PathRevision)
	SendMetaReply(smeta SignedMeta, bf Bitfield)
	SendBlockRequest(ct ChunkHash, offset, size int64)
	SendBlockReply(ct ChunkHash, offset int64, data []byte)
}
