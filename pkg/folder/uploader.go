package folder

import "go.uber.org/zap"

// UnchokeCap is the soft cap on peers unchoked at once by the minimum
// viable choke policy (section 4.4): implementation-chosen, default 4.
const UnchokeCap = 4

type uploaderPeerState struct {
	remote         RemoteFolder
	amChoking      bool
	peerInterested bool
}

// Uploader serves the chunk side of the protocol: block-level reads and
// chunk-availability broadcast. State is confined to the folder's single
// event loop; no locking is needed here.
type Uploader struct {
	chunks ChunkStorage
	logger *zap.Logger

	peers map[RemoteFolder]*uploaderPeerState

	unchokeCap int
	sentHave   map[ChunkHash]map[RemoteFolder]bool
	bytesSent  int64
}

func NewUploader(chunks ChunkStorage, logger *zap.Logger) *Uploader {
	return &Uploader{
		chunks:     chunks,
		logger:     logger,
		peers:      make(map[RemoteFolder]*uploaderPeerState),
		unchokeCap: UnchokeCap,
		sentHave:   make(map[ChunkHash]map[RemoteFolder]bool),
	}
}

func (u *Uploader) Track(remote RemoteFolder) {
	if _, ok := u.peers[remote]; ok {
		return
	}
	u.peers[remote] = &uploaderPeerState{remote: remote, amChoking: true, peerInterested: false}
}

func (u *Uploader) Untrack(remote RemoteFolder) {
	delete(u.peers, remote)
	for _, sent := range u.sentHave {
		delete(sent, remote)
	}
}

// BroadcastChunk sends HaveChunk(ct_hash) to every peer in the ready set
// that has not already received it (invariant I5: at most once per
// (peer, ct_hash), and only to peers that were ready at send time).
func (u *Uploader) BroadcastChunk(ready []RemoteFolder, ct ChunkHash) {
	sent, ok := u.sentHave[ct]
	if !ok {
		sent = make(map[RemoteFolder]bool)
		u.sentHave[ct] = sent
	}
	for _, peer := range ready {
		if sent[peer] {
			continue
		}
		peer.SendHaveChunk(ct)
		sent[peer] = true
	}
}

func (u *Uploader) HandleInterested(remote RemoteFolder) {
	st, ok := u.peers[remote]
	if !ok {
		return
	}
	st.peerInterested = true
	u.rechoke()
}

func (u *Uploader) HandleNotInterested(remote RemoteFolder) {
	st, ok := u.peers[remote]
	if !ok {
		return
	}
	st.peerInterested = false
	u.rechoke()
}

func (u *Uploader) HandleBlockRequest(remote RemoteFolder, ct ChunkHash, offset, size int64) {
	st, ok := u.peers[remote]
	if !ok || st.amChoking {
		return
	}
	data, present, err := u.chunks.ReadBlock(ct, offset, size)
	if err != nil {
		u.logger.Warn("read block failed", zap.String("chunk", ct.String()), zap.Error(err))
		return
	}
	if !present {
		return
	}
	remote.SendBlockReply(ct, offset, data)
	u.bytesSent += int64(len(data))
}

// BytesSent reports cumulative block-reply payload bytes sent, for the
// traffic_stats state snapshot.
func (u *Uploader) BytesSent() int64 { return u.bytesSent }

// rechoke implements the minimum viable choke policy: unchoke any
// interested peer up to unchokeCap, choke the rest. Alternative policies
// (rarest-first, tit-for-tat) can replace this method; the protocol's
// message semantics don't depend on which one is active.
func (u *Uploader) rechoke() {
	unchoked := 0
	for _, st := range u.peers {
		if st.peerInterested && unchoked < u.unchokeCap {
			if st.amChoking {
				st.amChoking = false
				st.remote.SendUnchoke()
			}
			unchoked++
		} else {
			if !st.amChoking {
				st.amChoking = true
				st.remote.SendChoke()
			}
		}
	}
}
