package folder

import "sync"

// sentCall records one outbound RemoteFolder call, capturing whichever
// fields the sender populated; the rest are zero.
type sentCall struct {
	method string
	rev    PathRevision
	bf     Bitfield
	chunk  ChunkHash
	offset int64
	size   int64
	data   []byte
	smeta  SignedMeta
}

// fakeRemote is a RemoteFolder double that records every outbound call
// instead of putting anything on the wire.
type fakeRemote struct {
	name string

	mu   sync.Mutex
	sent []sentCall
}

func newFakeRemote(name string) *fakeRemote { return &fakeRemote{name: name} }

func (f *fakeRemote) Digest() []byte                      { return []byte(f.name) }
func (f *fakeRemote) Endpoint() string                    { return f.name }
func (f *fakeRemote) DisplayName() string                 { return f.name }
func (f *fakeRemote) CollectState() map[string]interface{} { return nil }
func (f *fakeRemote) Events() <-chan Event                { return nil }

func (f *fakeRemote) record(c sentCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
}

func (f *fakeRemote) SendChoke()         { f.record(sentCall{method: "choke"}) }
func (f *fakeRemote) SendUnchoke()       { f.record(sentCall{method: "unchoke"}) }
func (f *fakeRemote) SendInterested()    { f.record(sentCall{method: "interested"}) }
func (f *fakeRemote) SendNotInterested() { f.record(sentCall{method: "not_interested"}) }

func (f *fakeRemote) SendHaveMeta(rev PathRevision, bf Bitfield) {
	f.record(sentCall{method: "have_meta", rev: rev, bf: bf})
}

func (f *fakeRemote) SendHaveChunk(ct ChunkHash) {
	f.record(sentCall{method: "have_chunk", chunk: ct})
}

func (f *fakeRemote) SendMetaRequest(rev PathRevision) {
	f.record(sentCall{method: "meta_request", rev: rev})
}

func (f *fakeRemote) SendMetaReply(smeta SignedMeta, bf Bitfield) {
	f.record(sentCall{method: "meta_reply", smeta: smeta, bf: bf})
}

func (f *fakeRemote) SendBlockRequest(ct ChunkHash, offset, size int64) {
	f.record(sentCall{method: "block_request", chunk: ct, offset: offset, size: size})
}

func (f *fakeRemote) SendBlockReply(ct ChunkHash, offset int64, data []byte) {
	f.record(sentCall{method: "block_reply", chunk: ct, offset: offset, data: data})
}

func (f *fakeRemote) calls(method string) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, c := range f.sent {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) count(method string) int { return len(f.calls(method)) }

// fakeMetaStorage is an in-memory MetaStorage double, one entry per path
// hash like the real stores.
type fakeMetaStorage struct {
	mu     sync.Mutex
	metas  map[PathHash]SignedMeta
	added  chan SignedMeta
	putErr error
}

func newFakeMetaStorage() *fakeMetaStorage {
	return &fakeMetaStorage{metas: make(map[PathHash]SignedMeta), added: make(chan SignedMeta, 64)}
}

func (m *fakeMetaStorage) GetMeta() ([]SignedMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignedMeta, 0, len(m.metas))
	for _, sm := range m.metas {
		out = append(out, sm)
	}
	return out, nil
}

func (m *fakeMetaStorage) Put(smeta SignedMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.metas[smeta.Meta.PathHash] = smeta
	m.added <- smeta
	return nil
}

func (m *fakeMetaStorage) MetaAdded() <-chan SignedMeta { return m.added }

// fakeChunkStorage is an in-memory ChunkStorage double.
type fakeChunkStorage struct {
	mu     sync.Mutex
	chunks map[ChunkHash][]byte
	added  chan ChunkHash
}

func newFakeChunkStorage() *fakeChunkStorage {
	return &fakeChunkStorage{chunks: make(map[ChunkHash][]byte), added: make(chan ChunkHash, 64)}
}

func (c *fakeChunkStorage) MakeBitfield(meta Meta) (Bitfield, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bf := NewBitfield(len(meta.Chunks))
	for i, ci := range meta.Chunks {
		if _, ok := c.chunks[ci.Hash]; ok {
			bf.Set(i)
		}
	}
	return bf, nil
}

func (c *fakeChunkStorage) PutChunk(hash ChunkHash, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[hash] = data
	c.added <- hash
	return nil
}

func (c *fakeChunkStorage) ReadBlock(hash ChunkHash, offset, size int64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.chunks[hash]
	if !ok || offset+size > int64(len(data)) {
		return nil, false, nil
	}
	return data[offset : offset+size], true, nil
}

func (c *fakeChunkStorage) ChunkAdded() <-chan ChunkHash { return c.added }

// fakeSecret is a Secret double whose Verify result is controlled directly
// by the test, rather than exercising real signature math.
type fakeSecret struct {
	valid bool
}

func (s fakeSecret) Kind() SecretKind                       { return SecretOwner }
func (s fakeSecret) Hash() FolderId                         { return FolderId{} }
func (s fakeSecret) String() string                         { return "fake-secret" }
func (s fakeSecret) Sign(data []byte) ([]byte, error)       { return []byte("sig"), nil }
func (s fakeSecret) Verify(data, signature []byte) bool     { return s.valid }

func testMeta(pathHash PathHash, revision uint64, hash ChunkHash, size int64) Meta {
	return Meta{
		PathHash: pathHash,
		Path:     "file.bin",
		Revision: revision,
		Type:     EntryFile,
		Size:     size,
		Chunks:   []ChunkInfo{{Hash: hash, Size: size}},
	}
}
