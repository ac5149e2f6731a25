package folder

import (
	"time"

	"go.uber.org/zap"
)

// MetaDownloaderConfig exposes the per-meta request timeout, left
// implementation-chosen by the spec.
type MetaDownloaderConfig struct {
	RequestTimeout time.Duration
}

func DefaultMetaDownloaderConfig() MetaDownloaderConfig {
	return MetaDownloaderConfig{RequestTimeout: 30 * time.Second}
}

type metaRequest struct {
	peer     RemoteFolder
	deadline time.Time
}

// MetaDownloader consumes remote meta announcements, requests meta the
// local index lacks, and verifies meta replies before handing them to
// MetaStorage. It suppresses duplicate in-flight requests for the same
// (path-hash, revision) across all peers.
type MetaDownloader struct {
	metaStorage MetaStorage
	downloader  *Downloader
	secret      Secret
	cfg         MetaDownloaderConfig
	logger      *zap.Logger

	inFlight map[PathRevision]*metaRequest
}

func NewMetaDownloader(metaStorage MetaStorage, downloader *Downloader, secret Secret, cfg MetaDownloaderConfig, logger *zap.Logger) *MetaDownloader {
	return &MetaDownloader{
		metaStorage: metaStorage,
		downloader:  downloader,
		secret:      secret,
		cfg:         cfg,
		logger:      logger,
		inFlight:    make(map[PathRevision]*metaRequest),
	}
}

// HandleHaveMeta: if MetaStorage does not have an equal-or-newer revision
// for that path, issue MetaRequest(revision) to the peer (subject to
// duplicate suppression); otherwise record the peer's bitfield for the
// existing revision and inform the Downloader.
func (md *MetaDownloader) HandleHaveMeta(remote RemoteFolder, rev PathRevision, bf Bitfield) {
	existing, found := md.findLocal(rev.PathHash)
	if found && existing.Meta.Revision >= rev.Revision {
		if existing.Meta.Revision == rev.Revision {
			md.downloader.NotifyRemoteBitfield(remote, existing.Meta, bf)
		}
		return
	}
	if _, ok := md.inFlight[rev]; ok {
		return // suppressed: a request for this (path-hash, revision) is already outstanding
	}
	md.inFlight[rev] = &metaRequest{peer: remote, deadline: time.Now().Add(md.cfg.RequestTimeout)}
	remote.SendMetaRequest(rev)
}

// HandleMetaReply verifies the signature; if valid and newer than the
// stored revision, hands it to MetaStorage (which will in turn emit
// MetaAdded). Once the signature check passes, records the peer's
// bitfield whenever the reply's revision is the one stored locally; a
// bitfield for an older revision is discarded.
func (md *MetaDownloader) HandleMetaReply(remote RemoteFolder, smeta SignedMeta, bf Bitfield) error {
	rev := smeta.Meta.PathRevision()
	delete(md.inFlight, rev)

	if !smeta.Verify(md.secret) {
		return &ProtocolError{Peer: remote.DisplayName(), Reason: "meta signature invalid"}
	}

	existing, found := md.findLocal(smeta.Meta.PathHash)
	if found && existing.Meta.Revision >= smeta.Meta.Revision {
		if existing.Meta.Revision == smeta.Meta.Revision {
			md.downloader.NotifyRemoteBitfield(remote, existing.Meta, bf)
		}
		return nil // not newer; drop
	}

	if err := md.metaStorage.Put(smeta); err != nil {
		return &StorageError{Op: "metastorage.put", Err: err}
	}
	md.downloader.NotifyRemoteBitfield(remote, smeta.Meta, bf)
	return nil
}

func (md *MetaDownloader) findLocal(pathHash PathHash) (SignedMeta, bool) {
	all, err := md.metaStorage.GetMeta()
	if err != nil {
		return SignedMeta{}, false
	}
	for _, sm := range all {
		if sm.Meta.PathHash == pathHash {
			return sm, true
		}
	}
	return SignedMeta{}, false
}

// CheckTimeouts drops expired in-flight meta requests so a future
// HandleHaveMeta (even from the same peer, on retry or reconnect) can
// reissue them.
func (md *MetaDownloader) CheckTimeouts(now time.Time) {
	for rev, req := range md.inFlight {
		if now.After(req.deadline) {
			delete(md.inFlight, rev)
		}
	}
}
