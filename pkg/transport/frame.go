// Package transport adapts folder.RemoteFolder onto the wire: a gRPC
// bidirectional stream carrying gob-encoded frames. The peer transport's
// byte layout and cryptographic handshake are explicitly out of scope for
// the synchronization core (see folder.RemoteFolder); this package is one
// concrete realization of that contract, not part of the core's own
// guarantees.
package transport

import "foldersync/pkg/folder"

// wireKind tags a Frame. It mirrors folder.EventKind for the ten
// protocol messages the core depends on, plus a transport-local "hello"
// used to signal handshake completion once the underlying connection (TLS
// handshake, peer identity check) is already established.
type wireKind uint8

const (
	wireHello wireKind = iota
	wireChoke
	wireUnchoke
	wireInterested
	wireNotInterested
	wireHaveMeta
	wireHaveChunk
	wireMetaRequest
	wireMetaReply
	wireBlockRequest
	wireBlockReply
)

// Frame is the gob-encoded unit exchanged over a peer session stream.
// Only the fields relevant to Kind are populated. FolderID is set only on
// wireHello, so folderd can route an inbound stream to the right
// FolderGroup before anything else is exchanged.
type Frame struct {
	Kind         wireKind
	FolderID     folder.FolderId
	Revision     folder.PathRevision
	BitfieldBits []byte
	BitfieldLen  int
	ChunkHash    folder.ChunkHash
	Offset       int64
	Size         int64
	Data         []byte
	SignedMeta   folder.SignedMeta
}

func (f Frame) bitfield() folder.Bitfield {
	return folder.BitfieldFromBytes(f.BitfieldBits, f.BitfieldLen)
}

// toEvent converts a received Frame into the folder.Event the core
// expects. wireHello has no folder.Event equivalent; callers handle it
// separately.
func (f Frame) toEvent() (folder.Event, bool) {
	switch f.Kind {
	case wireChoke:
		return folder.Event{Kind: folder.EvChoke}, true
	case wireUnchoke:
		return folder.Event{Kind: folder.EvUnchoke}, true
	case wireInterested:
		return folder.Event{Kind: folder.EvInterested}, true
	case wireNotInterested:
		return folder.Event{Kind: folder.EvNotInterested}, true
	case wireHaveMeta:
		return folder.Event{Kind: folder.EvHaveMeta, Revision: f.Revision, Bitfield: f.bitfield()}, true
	case wireHaveChunk:
		return folder.Event{Kind: folder.EvHaveChunk, ChunkHash: f.ChunkHash}, true
	case wireMetaRequest:
		return folder.Event{Kind: folder.EvMetaRequest, Revision: f.Revision}, true
	case wireMetaReply:
		return folder.Event{Kind: folder.EvMetaReply, SignedMeta: f.SignedMeta, Bitfield: f.bitfield()}, true
	case wireBlockRequest:
		return folder.Event{Kind: folder.EvBlockRequest, ChunkHash: f.ChunkHash, Offset: f.Offset, Size: f.Size}, true
	case wireBlockReply:
		return folder.Event{Kind: folder.EvBlockReply, ChunkHash: f.ChunkHash, Offset: f.Offset, Data: f.Data}, true
	default:
		return folder.Event{}, false
	}
}
