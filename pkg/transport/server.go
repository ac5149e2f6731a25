package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"foldersync/pkg/folder"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

const serviceName = "foldersync.transport.PeerTransport"

// sessionServer is the hand-rolled equivalent of a protoc-gen-go-grpc
// server interface for the single bidirectional-streaming method this
// package needs.
type sessionServer interface {
	HandleSession(stream grpc.ServerStream) error
}

var peerTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sessionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Session",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(sessionServer).HandleSession(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "foldersync/transport",
}

// SessionHandler is invoked once per accepted peer connection, with a
// *Session already pumping inbound frames. folderID names which
// FolderGroup the remote peer wants to sync, read from its hello frame;
// the caller is expected to attach the session to that group.
type SessionHandler func(folderID folder.FolderId, digest []byte, endpoint string, session *Session)

// Server accepts peer connections and hands each one to a SessionHandler.
// Identity (digest) establishment ahead of the protocol exchange is the
// responsibility of the TLS layer configured via TLSConfig; this package
// uses the raw DER bytes of the peer's leaf certificate as the digest when
// TLS presents one, and otherwise a placeholder unique to that stream.
type Server struct {
	grpcServer *grpc.Server
	onSession  SessionHandler
	logger     *zap.Logger
}

func NewServer(tlsConfig *tls.Config, logger *zap.Logger, onSession SessionHandler) *Server {
	opts := []grpc.ServerOption{grpc.ForceServerCodec(gobCodec{})}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		onSession:  onSession,
		logger:     logger,
	}
	s.grpcServer.RegisterService(&peerTransportServiceDesc, (sessionServer)(serverImpl{s}))
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) GracefulStop() { s.grpcServer.GracefulStop() }

type serverImpl struct{ s *Server }

func (si serverImpl) HandleSession(stream grpc.ServerStream) error {
	endpoint := "unknown"
	if p, ok := peerAddr(stream); ok {
		endpoint = p
	}
	folderID, err := RecvHello(stream)
	if err != nil {
		return fmt.Errorf("recv hello from %s: %w", endpoint, err)
	}
	digest := digestFromStream(stream)
	session := NewSession(digest, endpoint, endpoint, stream, si.s.logger)
	si.s.onSession(folderID, digest, endpoint, session)
	<-session.closed
	return nil
}

func peerAddr(stream grpc.ServerStream) (string, bool) {
	p, ok := peer.FromContext(stream.Context())
	if !ok || p.Addr == nil {
		return "", false
	}
	return p.Addr.String(), true
}

// digestFromStream derives the peer digest from its TLS certificate when
// present; this package does not implement the cryptographic handshake
// itself (out of scope for the core), only this minimal identity read.
func digestFromStream(stream grpc.ServerStream) []byte {
	p, ok := peer.FromContext(stream.Context())
	if !ok || p.AuthInfo == nil {
		return []byte(fmt.Sprintf("anon-%p", stream))
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return []byte(fmt.Sprintf("anon-%p", stream))
	}
	cert := tlsInfo.State.PeerCertificates[0]
	return certDigest(cert)
}

func certDigest(cert *x509.Certificate) []byte {
	return cert.Raw
}
