package folder

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config exposes every policy knob the spec leaves implementation-chosen.
type Config struct {
	Downloader              DownloaderConfig
	MetaDownloader          MetaDownloaderConfig
	StateTickInterval       time.Duration
	ProtocolStrikeThreshold int
}

func DefaultConfig() Config {
	return Config{
		Downloader:              DefaultDownloaderConfig(),
		MetaDownloader:          DefaultMetaDownloaderConfig(),
		StateTickInterval:       time.Second,
		ProtocolStrikeThreshold: 5,
	}
}

// Deps bundles the five external collaborators FolderGroup owns.
type Deps struct {
	PathNormalizer PathNormalizer
	IgnoreList     IgnoreList
	MetaStorage    MetaStorage
	ChunkStorage   ChunkStorage
	StateCollector StateCollector
}

type peerEntry struct {
	remote   RemoteFolder
	digest   string
	endpoint string
	ready    bool
	stop     chan struct{}
	strikes  int
}

// FolderGroup is the per-folder coordinator: it owns the peer registry and
// the four transfer engines, wires local storage events to peer
// broadcasts and per-peer protocol messages to the right engine, and
// publishes periodic state. All of its state, and the engines', is
// confined to a single cooperative event loop; post/submit are the only
// way in from other goroutines.
type FolderGroup struct {
	params FolderParams
	cfg    Config
	logger *zap.Logger

	pathNormalizer PathNormalizer
	ignoreList     IgnoreList
	metaStorage    MetaStorage
	chunkStorage   ChunkStorage
	stateCollector StateCollector

	uploader       *Uploader
	downloader     *Downloader
	metaUploader   *MetaUploader
	metaDownloader *MetaDownloader

	remotes   map[RemoteFolder]*peerEntry
	digests   map[string]RemoteFolder
	endpoints map[string]RemoteFolder
	ready     map[RemoteFolder]bool

	tasks chan func()
	done  chan struct{}
	fatal chan error
	ctx   context.Context
	cancel context.CancelFunc
	wg    sync.WaitGroup
}

// New constructs a FolderGroup for params. Directory creation, secret
// validation, and any other construction-time configuration problem comes
// back as a *StartupError.
func New(params FolderParams, deps Deps, cfg Config, logger *zap.Logger) (*FolderGroup, error) {
	if params.Secret == nil {
		return nil, &StartupError{Reason: "folder secret is required"}
	}
	if err := os.MkdirAll(params.RootPath, 0755); err != nil {
		return nil, &StartupError{Reason: "create root path", Err: err}
	}
	if err := os.MkdirAll(params.SystemPath, 0700); err != nil {
		return nil, &StartupError{Reason: "create system path", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &FolderGroup{
		params:         params,
		cfg:            cfg,
		logger:         logger,
		pathNormalizer: deps.PathNormalizer,
		ignoreList:     deps.IgnoreList,
		metaStorage:    deps.MetaStorage,
		chunkStorage:   deps.ChunkStorage,
		stateCollector: deps.StateCollector,
		remotes:        make(map[RemoteFolder]*peerEntry),
		digests:        make(map[string]RemoteFolder),
		endpoints:      make(map[string]RemoteFolder),
		ready:          make(map[RemoteFolder]bool),
		tasks:          make(chan func(), 256),
		done:           make(chan struct{}),
		fatal:          make(chan error, 1),
		ctx:            ctx,
		cancel:         cancel,
	}

	// The secret is published before any subordinate component exists,
	// matching the source constructor's ordering.
	g.stateCollector.FolderStateSet(params.FolderId(), "secret", params.Secret.String())

	g.uploader = NewUploader(deps.ChunkStorage, logger)
	g.downloader = NewDownloader(deps.MetaStorage, cfg.Downloader, logger)
	g.metaUploader = NewMetaUploader(deps.MetaStorage, deps.ChunkStorage, logger)
	g.metaDownloader = NewMetaDownloader(deps.MetaStorage, g.downloader, params.Secret, cfg.MetaDownloader, logger)

	g.wg.Add(4)
	go g.loop()
	go g.runMetaAddedForwarder()
	go g.runChunkAddedForwarder()
	go g.runStateTicker()

	// Startup replay: deferred so that the forwarders above (which are
	// the loop's only subscribers to storage signals) are already live
	// before any already-indexed meta is replayed through the same path
	// a freshly-indexed one would take.
	g.post(func() {
		all, err := g.metaStorage.GetMeta()
		if err != nil {
			g.logger.Error("startup meta replay failed", zap.Error(err))
			return
		}
		for _, smeta := range all {
			g.handleIndexedMeta(smeta)
		}
	})

	return g, nil
}

// Close stops the state ticker, purges folder state from the state
// collector, then stops the event loop and waits for the folder's
// goroutines to exit. The collaborators passed in Deps (MetaStorage,
// ChunkStorage and the rest) are not closed here.
func (g *FolderGroup) Close() {
	g.cancel()
	g.submit(func() {
		g.stateCollector.FolderStatePurge(g.params.FolderId())
	})
	close(g.done)
	g.wg.Wait()
}

// FatalErr delivers the first invariant violation surfaced from inside the
// event loop, if one ever occurs. The event loop keeps processing tasks
// after a violation; it stops only when Close is called.
func (g *FolderGroup) FatalErr() <-chan error { return g.fatal }

// FolderId is the public identity derived from this folder's secret, for
// callers (routing an inbound connection, logging) that only have the
// *FolderGroup and not its FolderParams.
func (g *FolderGroup) FolderId() FolderId { return g.params.FolderId() }

// post queues fn to run on the event loop without waiting for it.
func (g *FolderGroup) post(fn func()) {
	select {
	case g.tasks <- fn:
	case <-g.done:
	}
}

// submit queues fn and blocks until it has run on the event loop.
func (g *FolderGroup) submit(fn func()) {
	done := make(chan struct{})
	g.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-g.done:
	}
}

func (g *FolderGroup) loop() {
	defer g.wg.Done()
	for {
		select {
		case fn := <-g.tasks:
			g.runGuarded(fn)
		case <-g.done:
			return
		}
	}
}

// runGuarded converts a panic inside the loop into an InvariantError: per
// section 7, an invariant violation is folder-fatal and must never be
// silently ignored.
func (g *FolderGroup) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := &InvariantError{Invariant: "core", Detail: fmtRecover(r)}
			g.logger.Error("invariant violation", zap.Error(err))
			select {
			case g.fatal <- err:
			default:
			}
		}
	}()
	fn()
}

func (g *FolderGroup) runMetaAddedForwarder() {
	defer g.wg.Done()
	ch := g.metaStorage.MetaAdded()
	for {
		select {
		case <-g.ctx.Done():
			return
		case smeta, ok := <-ch:
			if !ok {
				return
			}
			g.post(func() { g.handleIndexedMeta(smeta) })
		}
	}
}

func (g *FolderGroup) runChunkAddedForwarder() {
	defer g.wg.Done()
	ch := g.chunkStorage.ChunkAdded()
	for {
		select {
		case <-g.ctx.Done():
			return
		case ct, ok := <-ch:
			if !ok {
				return
			}
			g.post(func() {
				g.downloader.NotifyLocalChunk(ct)
				g.uploader.BroadcastChunk(g.readyList(), ct)
			})
		}
	}
}

func (g *FolderGroup) runStateTicker() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.StateTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.post(g.pushState)
		}
	}
}

func (g *FolderGroup) runPeerForwarder(remote RemoteFolder, stop <-chan struct{}) {
	defer g.wg.Done()
	ch := remote.Events()
	for {
		select {
		case <-stop:
			return
		case <-g.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.post(func() { g.dispatchRemoteEvent(remote, ev) })
		}
	}
}

// Attach admits remote iff its handle, digest, and endpoint are all
// absent from the registry.
func (g *FolderGroup) Attach(remote RemoteFolder) bool {
	var admitted bool
	g.submit(func() {
		admitted = g.attachLocked(remote)
	})
	return admitted
}

func (g *FolderGroup) attachLocked(remote RemoteFolder) bool {
	if _, ok := g.remotes[remote]; ok {
		return false
	}
	digest := hex.EncodeToString(remote.Digest())
	if _, ok := g.digests[digest]; ok {
		return false
	}
	endpoint := remote.Endpoint()
	if _, ok := g.endpoints[endpoint]; ok {
		return false
	}

	entry := &peerEntry{remote: remote, digest: digest, endpoint: endpoint, stop: make(chan struct{})}
	g.remotes[remote] = entry
	g.digests[digest] = remote
	g.endpoints[endpoint] = remote

	g.wg.Add(1)
	go g.runPeerForwarder(remote, entry.stop)

	g.logger.Info("peer attached", zap.String("endpoint", endpoint), zap.String("digest", digest))
	return true
}

// Detach is a no-op if remote is not attached. Otherwise it logs detach
// before mutating any state, untracks the peer from the Downloader
// (cancelling its outstanding requests), and removes it from every index.
func (g *FolderGroup) Detach(remote RemoteFolder) {
	g.submit(func() {
		g.detachLocked(remote)
	})
}

func (g *FolderGroup) detachLocked(remote RemoteFolder) {
	entry, ok := g.remotes[remote]
	if !ok {
		return
	}
	g.logger.Info("peer detached", zap.String("endpoint", entry.endpoint), zap.String("digest", entry.digest))

	g.downloader.UntrackRemote(remote)
	g.uploader.Untrack(remote)
	g.metaUploader.Untrack(remote)

	close(entry.stop)
	delete(g.digests, entry.digest)
	delete(g.endpoints, entry.endpoint)
	delete(g.remotes, remote)
	delete(g.ready, remote)
}

// Remotes returns a snapshot of currently attached peers.
func (g *FolderGroup) Remotes() []RemoteFolder {
	var out []RemoteFolder
	g.submit(func() {
		out = g.remotesList()
	})
	return out
}

func (g *FolderGroup) remotesList() []RemoteFolder {
	out := make([]RemoteFolder, 0, len(g.remotes))
	for r := range g.remotes {
		out = append(out, r)
	}
	return out
}

func (g *FolderGroup) readyList() []RemoteFolder {
	out := make([]RemoteFolder, 0, len(g.ready))
	for r := range g.ready {
		out = append(out, r)
	}
	return out
}

// handleIndexedMeta is invoked on MetaStorage.MetaAdded and, once per
// already-indexed entry, as a deferred startup replay task.
func (g *FolderGroup) handleIndexedMeta(smeta SignedMeta) {
	bf, err := g.chunkStorage.MakeBitfield(smeta.Meta)
	if err != nil {
		g.logger.Error("bitfield computation failed", zap.Error(&StorageError{Op: "make_bitfield", Err: err}))
		return
	}
	g.downloader.NotifyLocalMeta(smeta, bf)
	g.metaUploader.BroadcastMeta(g.remotesList(), smeta.Meta.PathRevision(), bf)
}

// handleHandshake marks remote ready, tracks it in the Downloader and
// Uploader engines, and defers MetaUploader's initial advertisement by
// one loop turn so the handshake observer returns to the transport before
// outbound messages begin.
func (g *FolderGroup) handleHandshake(remote RemoteFolder) {
	entry, ok := g.remotes[remote]
	if !ok {
		// B3: handshakeSuccess before attach is impossible by contract;
		// if observed anyway, drop it.
		return
	}
	entry.ready = true
	g.ready[remote] = true

	g.downloader.TrackRemote(remote)
	g.uploader.Track(remote)
	g.metaUploader.Track(remote)

	g.post(func() { g.metaUploader.HandleHandshake(remote) })
}

func (g *FolderGroup) dispatchRemoteEvent(remote RemoteFolder, ev Event) {
	if _, ok := g.remotes[remote]; !ok {
		return // detached since the event was forwarded; drop it
	}

	switch ev.Kind {
	case EvHandshakeSuccess:
		g.handleHandshake(remote)
	case EvChoke:
		g.downloader.HandleChoke(remote)
	case EvUnchoke:
		g.downloader.HandleUnchoke(remote)
	case EvInterested:
		g.uploader.HandleInterested(remote)
	case EvNotInterested:
		g.uploader.HandleNotInterested(remote)
	case EvHaveMeta:
		g.metaDownloader.HandleHaveMeta(remote, ev.Revision, ev.Bitfield)
	case EvHaveChunk:
		g.downloader.NotifyRemoteChunk(remote, ev.ChunkHash)
	case EvMetaRequest:
		g.metaUploader.HandleMetaRequest(remote, ev.Revision)
	case EvMetaReply:
		if err := g.metaDownloader.HandleMetaReply(remote, ev.SignedMeta, ev.Bitfield); err != nil {
			g.strike(remote, err)
		}
	case EvBlockRequest:
		g.uploader.HandleBlockRequest(remote, ev.ChunkHash, ev.Offset, ev.Size)
	case EvBlockReply:
		chunk, err := g.downloader.PutBlock(ev.ChunkHash, ev.Offset, ev.Data, remote)
		if err != nil {
			g.strike(remote, err)
		}
		if chunk != nil {
			if err := g.chunkStorage.PutChunk(chunk.Hash, chunk.Data); err != nil {
				g.logger.Error("chunk persist failed", zap.Error(&StorageError{Op: "put_chunk", Err: err}))
			}
		}
	}
}

// strike accumulates a protocol-error strike against remote and detaches
// it once the configured threshold is crossed.
func (g *FolderGroup) strike(remote RemoteFolder, err error) {
	g.logger.Warn("protocol error", zap.Error(err))
	entry, ok := g.remotes[remote]
	if !ok {
		return
	}
	entry.strikes++
	if entry.strikes >= g.cfg.ProtocolStrikeThreshold {
		g.logger.Warn("peer exceeded strike threshold, detaching", zap.String("endpoint", entry.endpoint))
		g.detachLocked(remote)
	}
}

// pushState collects every attached peer's self-reported state (ready or
// not) and the folder's traffic stats and hands them to the state
// collector keyed by FolderId. It also drives the Downloader's and
// MetaDownloader's timeout checks off the same one-second tick rather
// than a separate timer wheel.
func (g *FolderGroup) pushState() {
	now := time.Now()
	g.downloader.CheckTimeouts(now)
	g.metaDownloader.CheckTimeouts(now)

	remotes := g.remotesList()
	peers := make([]map[string]interface{}, 0, len(remotes))
	for _, remote := range remotes {
		peers = append(peers, remote.CollectState())
	}
	g.stateCollector.FolderStateSet(g.params.FolderId(), "peers", peers)
	g.stateCollector.FolderStateSet(g.params.FolderId(), "traffic_stats", map[string]interface{}{
		"up":   g.uploader.BytesSent(),
		"down": g.downloader.BytesReceived(),
	})
}

func fmtRecover(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("panic: %v", r)
}
