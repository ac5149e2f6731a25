package folder_test

import (
	"path/filepath"
	"testing"
	"time"

	"foldersync/pkg/chunkstore"
	"foldersync/pkg/folder"
	"foldersync/pkg/metastore"
	"foldersync/pkg/pathutil"
	"foldersync/pkg/secret"
	"foldersync/pkg/statecollector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRemote is a minimal folder.RemoteFolder double: it records what was
// sent to it and lets the test push synthetic inbound events.
type fakeRemote struct {
	digest   []byte
	endpoint string
	name     string
	events   chan folder.Event

	sent []string
}

func newFakeRemote(endpoint string) *fakeRemote {
	return &fakeRemote{
		digest:   []byte(endpoint),
		endpoint: endpoint,
		name:     endpoint,
		events:   make(chan folder.Event, 16),
	}
}

func (f *fakeRemote) Digest() []byte                         { return f.digest }
func (f *fakeRemote) Endpoint() string                        { return f.endpoint }
func (f *fakeRemote) DisplayName() string                     { return f.name }
func (f *fakeRemote) CollectState() map[string]interface{}    { return nil }
func (f *fakeRemote) Events() <-chan folder.Event             { return f.events }
func (f *fakeRemote) SendChoke()                               { f.sent = append(f.sent, "choke") }
func (f *fakeRemote) SendUnchoke()                             { f.sent = append(f.sent, "unchoke") }
func (f *fakeRemote) SendInterested()                          { f.sent = append(f.sent, "interested") }
func (f *fakeRemote) SendNotInterested()                       { f.sent = append(f.sent, "not_interested") }
func (f *fakeRemote) SendHaveMeta(folder.PathRevision, folder.Bitfield) {
	f.sent = append(f.sent, "have_meta")
}
func (f *fakeRemote) SendHaveChunk(folder.ChunkHash) { f.sent = append(f.sent, "have_chunk") }
func (f *fakeRemote) SendMetaRequest(folder.PathRevision) {
	f.sent = append(f.sent, "meta_request")
}
func (f *fakeRemote) SendMetaReply(folder.SignedMeta, folder.Bitfield) {
	f.sent = append(f.sent, "meta_reply")
}
func (f *fakeRemote) SendBlockRequest(folder.ChunkHash, int64, int64) {
	f.sent = append(f.sent, "block_request")
}
func (f *fakeRemote) SendBlockReply(folder.ChunkHash, int64, []byte) {
	f.sent = append(f.sent, "block_reply")
}

func newTestGroup(t *testing.T) *folder.FolderGroup {
	t.Helper()
	dir := t.TempDir()

	owner, err := secret.NewOwner()
	require.NoError(t, err)

	metaStore, err := metastore.Open(filepath.Join(dir, "meta.db"), owner.Hash())
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	chunkStore, err := chunkstore.Open(filepath.Join(dir, "chunks"), 16)
	require.NoError(t, err)

	deps := folder.Deps{
		PathNormalizer: pathutil.Normalizer{Root: filepath.Join(dir, "root")},
		IgnoreList:     pathutil.IgnoreList{},
		MetaStorage:    metaStore,
		ChunkStorage:   chunkStore,
		StateCollector: statecollector.New(),
	}
	params := folder.FolderParams{
		RootPath:   filepath.Join(dir, "root"),
		SystemPath: filepath.Join(dir, "system"),
		Secret:     owner,
	}

	g, err := folder.New(params, deps, folder.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestAttachAndDetach(t *testing.T) {
	g := newTestGroup(t)
	remote := newFakeRemote("10.0.0.1:1234")

	assert.True(t, g.Attach(remote))
	assert.Len(t, g.Remotes(), 1)

	g.Detach(remote)
	assert.Eventually(t, func() bool { return len(g.Remotes()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestAttachRejectsDuplicateEndpoint(t *testing.T) {
	g := newTestGroup(t)
	first := newFakeRemote("10.0.0.1:1234")
	second := newFakeRemote("10.0.0.1:1234")
	second.digest = []byte("a different digest")

	assert.True(t, g.Attach(first))
	assert.False(t, g.Attach(second), "a second remote at the same endpoint must be rejected even with a different digest")
}

func TestAttachRejectsDuplicateDigest(t *testing.T) {
	g := newTestGroup(t)
	first := newFakeRemote("10.0.0.1:1234")
	second := newFakeRemote("10.0.0.2:5678")
	second.digest = first.digest

	assert.True(t, g.Attach(first))
	assert.False(t, g.Attach(second), "a second remote with the same digest must be rejected even at a different endpoint")
}

func TestInterestedAfterHandshakeTriggersUnchoke(t *testing.T) {
	g := newTestGroup(t)
	remote := newFakeRemote("10.0.0.2:5555")
	require.True(t, g.Attach(remote))

	remote.events <- folder.Event{Kind: folder.EvHandshakeSuccess}
	remote.events <- folder.Event{Kind: folder.EvInterested}

	assert.Eventually(t, func() bool {
		for _, s := range remote.sent {
			if s == "unchoke" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestFolderIdIsNonZero(t *testing.T) {
	g := newTestGroup(t)
	assert.NotEqual(t, folder.FolderId{}, g.FolderId())
}
