package transport

import (
	"fmt"
	"sync"
	"time"

	"foldersync/pkg/folder"

	"go.uber.org/zap"
)

// frameStream is the subset of grpc.ClientStream/grpc.ServerStream this
// package needs; it lets Session pump frames without caring which side of
// the connection it's on.
type frameStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// Session adapts a gRPC bidirectional stream onto folder.RemoteFolder. Its
// exported methods are safe to call from the folder package's single
// event loop; the pump goroutines only ever write to outbound channels or
// read raw frames, never touch folder state directly.
type Session struct {
	digest      []byte
	endpoint    string
	displayName string

	stream frameStream
	logger *zap.Logger

	events chan folder.Event
	state  folder.PeerState

	mu          sync.Mutex
	connectedAt time.Time
	bytesUp     int64
	bytesDown   int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps stream for the peer identified by digest/endpoint,
// already past the wireHello exchange (see RecvHello/Hello). digest and
// endpoint are expected to already be established by whatever connection
// setup precedes this (e.g. a TLS peer certificate check); this package
// does not perform that check itself.
//
// Only the dialing side sends a hello (Dial sends it; HandleSession reads
// it with RecvHello and sends none back), and no further handshake step
// follows on either side once a caller has a frameStream to hand
// NewSession: NewSession queues an EvHandshakeSuccess event immediately, ahead of
// anything pumpInbound will ever deliver, so the folder package's
// handleHandshake runs for every attached peer.
func NewSession(digest []byte, endpoint, displayName string, stream frameStream, logger *zap.Logger) *Session {
	s := &Session{
		digest:      digest,
		endpoint:    endpoint,
		displayName: displayName,
		stream:      stream,
		logger:      logger,
		events:      make(chan folder.Event, 64),
		state:       folder.PeerReady,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	s.events <- folder.Event{Kind: folder.EvHandshakeSuccess}
	go s.pumpInbound()
	return s
}

// pumpInbound translates every frame after the initial hello into
// folder.Events. It blocks until the stream ends; NewSession runs it in
// its own goroutine.
func (s *Session) pumpInbound() {
	defer close(s.events)
	for {
		var f Frame
		if err := s.stream.RecvMsg(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.bytesDown += int64(len(f.Data))
		s.mu.Unlock()

		if f.Kind == wireHello {
			s.logger.Warn("dropping unexpected repeated hello frame")
			continue
		}
		ev, ok := f.toEvent()
		if !ok {
			s.logger.Warn("dropping unrecognized frame", zap.Uint8("kind", uint8(f.Kind)))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// Hello sends this side's readiness frame, announcing which folder this
// stream is about. Only the dialing side sends one; the accepting side
// reads it with RecvHello and does not reply with a hello of its own.
func Hello(stream frameStream, folderID folder.FolderId) error {
	return stream.SendMsg(&Frame{Kind: wireHello, FolderID: folderID})
}

// RecvHello blocks for the first frame on stream, which must be a
// wireHello, and returns the folder id it announces. Callers use this to
// route an inbound stream to the right FolderGroup before constructing a
// Session.
func RecvHello(stream frameStream) (folder.FolderId, error) {
	var f Frame
	if err := stream.RecvMsg(&f); err != nil {
		return folder.FolderId{}, err
	}
	if f.Kind != wireHello {
		return folder.FolderId{}, fmt.Errorf("expected hello frame, got kind %d", f.Kind)
	}
	return f.FolderID, nil
}

func (s *Session) send(f Frame) {
	if err := s.stream.SendMsg(&f); err != nil {
		s.logger.Warn("send failed", zap.String("endpoint", s.endpoint), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.bytesUp += int64(len(f.Data))
	s.mu.Unlock()
}

// Close stops the inbound pump from delivering further events. It does
// not close the underlying gRPC stream; that is the caller's (the
// transport server/client connection's) responsibility.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// folder.RemoteFolder implementation.

func (s *Session) Digest() []byte      { return s.digest }
func (s *Session) Endpoint() string    { return s.endpoint }
func (s *Session) DisplayName() string { return s.displayName }

func (s *Session) CollectState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"endpoint":     s.endpoint,
		"display_name": s.displayName,
		"connected_at": s.connectedAt,
		"bytes_up":     s.bytesUp,
		"bytes_down":   s.bytesDown,
	}
}

func (s *Session) Events() <-chan folder.Event { return s.events }

func (s *Session) SendChoke()        { s.send(Frame{Kind: wireChoke}) }
func (s *Session) SendUnchoke()      { s.send(Frame{Kind: wireUnchoke}) }
func (s *Session) SendInterested()   { s.send(Frame{Kind: wireInterested}) }
func (s *Session) SendNotInterested() { s.send(Frame{Kind: wireNotInterested}) }

func (s *Session) SendHaveMeta(rev folder.PathRevision, bf folder.Bitfield) {
	s.send(Frame{Kind: wireHaveMeta, Revision: rev, BitfieldBits: bf.Bytes(), BitfieldLen: bf.Len()})
}

func (s *Session) SendHaveChunk(ct folder.ChunkHash) {
	s.send(Frame{Kind: wireHaveChunk, ChunkHash: ct})
}

func (s *Session) SendMetaRequest(rev folder.PathRevision) {
	s.send(Frame{Kind: wireMetaRequest, Revision: rev})
}

func (s *Session) SendMetaReply(smeta folder.SignedMeta, bf folder.Bitfield) {
	s.send(Frame{Kind: wireMetaReply, SignedMeta: smeta, BitfieldBits: bf.Bytes(), BitfieldLen: bf.Len()})
}

func (s *Session) SendBlockRequest(ct folder.ChunkHash, offset, size int64) {
	s.send(Frame{Kind: wireBlockRequest, ChunkHash: ct, Offset: offset, Size: size})
}

func (s *Session) SendBlockReply(ct folder.ChunkHash, offset int64, data []byte) {
	s.send(Frame{Kind: wireBlockReply, ChunkHash: ct, Offset: offset, Data: data})
}
