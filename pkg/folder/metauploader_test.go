package folder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHandleMetaRequestRepliesForTrackedPeer(t *testing.T) {
	metaStore := newFakeMetaStorage()
	pathHash := PathHash{0x1}
	hash := ChunkHash{0x1}
	smeta := SignedMeta{Meta: testMeta(pathHash, 1, hash, 10)}
	require.NoError(t, metaStore.Put(smeta))

	mu := NewMetaUploader(metaStore, newFakeChunkStorage(), zaptest.NewLogger(t))
	remote := newFakeRemote("a")
	mu.Track(remote)

	mu.HandleMetaRequest(remote, smeta.Meta.PathRevision())

	calls := remote.calls("meta_reply")
	require.Len(t, calls, 1)
	assert.Equal(t, pathHash, calls[0].smeta.Meta.PathHash)
}

func TestHandleMetaRequestIgnoresUntrackedPeer(t *testing.T) {
	metaStore := newFakeMetaStorage()
	pathHash := PathHash{0x2}
	hash := ChunkHash{0x2}
	smeta := SignedMeta{Meta: testMeta(pathHash, 1, hash, 10)}
	require.NoError(t, metaStore.Put(smeta))

	mu := NewMetaUploader(metaStore, newFakeChunkStorage(), zaptest.NewLogger(t))
	remote := newFakeRemote("a") // never Track()ed

	mu.HandleMetaRequest(remote, smeta.Meta.PathRevision())

	assert.Equal(t, 0, remote.count("meta_reply"))
}

func TestHandleMetaRequestDropsUnknownRevision(t *testing.T) {
	metaStore := newFakeMetaStorage()
	mu := NewMetaUploader(metaStore, newFakeChunkStorage(), zaptest.NewLogger(t))
	remote := newFakeRemote("a")
	mu.Track(remote)

	mu.HandleMetaRequest(remote, PathRevision{PathHash: PathHash{0x3}, Revision: 1})

	assert.Equal(t, 0, remote.count("meta_reply"))
}

func TestHandleHandshakeAdvertisesAllLocalMeta(t *testing.T) {
	metaStore := newFakeMetaStorage()
	require.NoError(t, metaStore.Put(SignedMeta{Meta: testMeta(PathHash{0x4}, 1, ChunkHash{0x4}, 10)}))
	require.NoError(t, metaStore.Put(SignedMeta{Meta: testMeta(PathHash{0x5}, 1, ChunkHash{0x5}, 10)}))

	mu := NewMetaUploader(metaStore, newFakeChunkStorage(), zaptest.NewLogger(t))
	remote := newFakeRemote("a")

	mu.HandleHandshake(remote)

	assert.Equal(t, 2, remote.count("have_meta"))
}

func TestBroadcastMetaSendsToEveryPeer(t *testing.T) {
	mu := NewMetaUploader(newFakeMetaStorage(), newFakeChunkStorage(), zaptest.NewLogger(t))
	a, b := newFakeRemote("a"), newFakeRemote("b")
	rev := PathRevision{PathHash: PathHash{0x6}, Revision: 1}

	mu.BroadcastMeta([]RemoteFolder{a, b}, rev, NewBitfield(1))

	assert.Equal(t, 1, a.count("have_meta"))
	assert.Equal(t, 1, b.count("have_meta"))
}
