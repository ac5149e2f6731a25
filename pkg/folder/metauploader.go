package folder

import "go.uber.org/zap"

// MetaUploader serves the meta side of the protocol from the local point
// of view: advertising and replying to requests for locally-known meta.
type MetaUploader struct {
	metaStorage  MetaStorage
	chunkStorage ChunkStorage
	readyPeers   map[RemoteFolder]bool
	logger       *zap.Logger
}

func NewMetaUploader(metaStorage MetaStorage, chunkStorage ChunkStorage, logger *zap.Logger) *MetaUploader {
	return &MetaUploader{
		metaStorage:  metaStorage,
		chunkStorage: chunkStorage,
		readyPeers:   make(map[RemoteFolder]bool),
		logger:       logger,
	}
}

func (mu *MetaUploader) Track(remote RemoteFolder) { mu.readyPeers[remote] = true }
func (mu *MetaUploader) Untrack(remote RemoteFolder) { delete(mu.readyPeers, remote) }

// BroadcastMeta sends HaveMeta(revision, bitfield) to every peer in the
// argument list.
func (mu *MetaUploader) BroadcastMeta(peers []RemoteFolder, rev PathRevision, bf Bitfield) {
	for _, peer := range peers {
		peer.SendHaveMeta(rev, bf)
	}
}

// HandleMetaRequest looks up the SignedMeta by path revision; if found and
// the peer has passed handshake, replies with MetaReply(smeta, bitfield).
// If not found, it silently drops — the requester will retry or time out.
func (mu *MetaUploader) HandleMetaRequest(remote RemoteFolder, rev PathRevision) {
	if !mu.readyPeers[remote] {
		return
	}
	all, err := mu.metaStorage.GetMeta()
	if err != nil {
		mu.logger.Warn("meta lookup failed", zap.Error(err))
		return
	}
	for _, smeta := range all {
		if smeta.Meta.PathRevision() != rev {
			continue
		}
		bf, err := mu.chunkStorage.MakeBitfield(smeta.Meta)
		if err != nil {
			mu.logger.Warn("bitfield computation failed", zap.Error(err))
			return
		}
		remote.SendMetaReply(smeta, bf)
		return
	}
}

// HandleHandshake sends HaveMeta for every locally-known signed meta to
// the peer. Ordering within a single handshake is unspecified.
func (mu *MetaUploader) HandleHandshake(remote RemoteFolder) {
	all, err := mu.metaStorage.GetMeta()
	if err != nil {
		mu.logger.Warn("meta listing failed during handshake", zap.Error(err))
		return
	}
	for _, smeta := range all {
		bf, err := mu.chunkStorage.MakeBitfield(smeta.Meta)
		if err != nil {
			mu.logger.Warn("bitfield computation failed", zap.Error(err))
			continue
		}
		remote.SendHaveMeta(smeta.Meta.PathRevision(), bf)
	}
}
