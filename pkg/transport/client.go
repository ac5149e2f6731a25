package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"foldersync/pkg/folder"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial opens a connection to a peer's transport endpoint and establishes a
// Session over it, announcing folderID via this side's hello immediately
// so the peer can route the stream to the matching FolderGroup. The
// caller owns the returned connection and must Close it when the session
// ends.
func Dial(ctx context.Context, endpoint string, folderID folder.FolderId, tlsConfig *tls.Config, displayName string, logger *zap.Logger) (*grpc.ClientConn, *Session, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Session",
		ServerStreams: true,
		ClientStreams: true,
	}, "/"+serviceName+"/Session")
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open session stream to %s: %w", endpoint, err)
	}

	if err := Hello(stream, folderID); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("hello to %s: %w", endpoint, err)
	}
	digest := clientDigest(conn, tlsConfig)
	session := NewSession(digest, endpoint, displayName, stream, logger)
	return conn, session, nil
}

// clientDigest identifies the server this client dialed. grpc.ClientConn
// does not expose the negotiated peer certificate directly, so this falls
// back to the dial target; callers that need the server's certificate
// digest should read it out of their own tls.Config.VerifyPeerCertificate
// hook instead.
func clientDigest(conn *grpc.ClientConn, tlsConfig *tls.Config) []byte {
	return []byte(conn.Target())
}
