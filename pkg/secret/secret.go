// Package secret implements folder.Secret with Ed25519 signing keys,
// serialized as kind-tagged base32 strings, standing in for Librevault's
// secret-derivation scheme: an owner secret can sign and
// derive a read-only secret that can only verify, and a further
// untrusted secret that carries neither key, only the folder identity
// needed to route chunks blindly.
package secret

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"foldersync/pkg/folder"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeySize    = 32
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// prefix tags the String() encoding by kind, mirroring Librevault's
// secret-string type byte.
const (
	prefixOwner     = "A"
	prefixReadOnly  = "B"
	prefixUntrusted = "C"
)

// Secret is a folder.Secret backed by an Ed25519 key pair. Depending on
// Kind(), priv and pub may be nil: an owner secret carries both, a
// read-only secret carries only pub, and an untrusted secret carries
// neither, only the folder id.
type Secret struct {
	kind folder.SecretKind
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   folder.FolderId
}

// NewOwner generates a fresh Ed25519 key pair and wraps it as an owner
// secret.
func NewOwner() (Secret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Secret{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Secret{
		kind: folder.SecretOwner,
		priv: priv,
		pub:  pub,
		id:   folderID(pub),
	}, nil
}

func folderID(pub ed25519.PublicKey) folder.FolderId {
	return folder.FolderId(sha256.Sum256(pub))
}

// Derive produces a lower-trust secret from s. An owner secret can
// derive read-only or untrusted; a read-only secret can derive
// untrusted; an untrusted secret cannot derive anything further.
func (s Secret) Derive(kind folder.SecretKind) (Secret, error) {
	switch {
	case s.kind == folder.SecretOwner && kind == folder.SecretReadOnly:
		return Secret{kind: folder.SecretReadOnly, pub: s.pub, id: s.id}, nil
	case (s.kind == folder.SecretOwner || s.kind == folder.SecretReadOnly) && kind == folder.SecretUntrusted:
		return Secret{kind: folder.SecretUntrusted, id: s.id}, nil
	case s.kind == kind:
		return s, nil
	default:
		return Secret{}, fmt.Errorf("cannot derive %s secret from %s secret", kind, s.kind)
	}
}

func (s Secret) Kind() folder.SecretKind { return s.kind }
func (s Secret) Hash() folder.FolderId   { return s.id }

// String encodes the secret as a kind-tagged base32 string suitable for
// sharing out of band (an invite link, a QR code payload). Owner strings
// carry the private key and must be handled as sensitive material;
// read-only and untrusted strings do not.
func (s Secret) String() string {
	switch s.kind {
	case folder.SecretOwner:
		return prefixOwner + encoding.EncodeToString(s.priv)
	case folder.SecretReadOnly:
		return prefixReadOnly + encoding.EncodeToString(s.pub)
	case folder.SecretUntrusted:
		return prefixUntrusted + encoding.EncodeToString(untrustedTag(s.id))
	default:
		return ""
	}
}

// untrustedTag derives an opaque per-folder identifier for untrusted
// peers: enough to agree on which folder a connection is about during
// discovery, without handing out anything that lets the holder derive
// the folder id's preimage relationship to the public key.
func untrustedTag(id folder.FolderId) []byte {
	return pbkdf2.Key(id[:], []byte("foldersync-untrusted-tag"), pbkdf2Iterations, pbkdf2KeySize, sha256.New)
}

// Parse decodes a secret produced by String.
func Parse(s string) (Secret, error) {
	if len(s) < 2 {
		return Secret{}, fmt.Errorf("secret string too short")
	}
	tag, body := s[:1], s[1:]
	raw, err := encoding.DecodeString(strings.ToUpper(body))
	if err != nil {
		return Secret{}, fmt.Errorf("decode secret: %w", err)
	}
	switch tag {
	case prefixOwner:
		if len(raw) != ed25519.PrivateKeySize {
			return Secret{}, fmt.Errorf("owner secret has wrong key size")
		}
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		return Secret{kind: folder.SecretOwner, priv: priv, pub: pub, id: folderID(pub)}, nil
	case prefixReadOnly:
		if len(raw) != ed25519.PublicKeySize {
			return Secret{}, fmt.Errorf("read-only secret has wrong key size")
		}
		pub := ed25519.PublicKey(raw)
		return Secret{kind: folder.SecretReadOnly, pub: pub, id: folderID(pub)}, nil
	case prefixUntrusted:
		return Secret{}, fmt.Errorf("untrusted secrets are not self-describing and cannot be parsed back into a folder id")
	default:
		return Secret{}, fmt.Errorf("unrecognized secret prefix %q", tag)
	}
}

func (s Secret) Sign(data []byte) ([]byte, error) {
	if s.kind != folder.SecretOwner || s.priv == nil {
		return nil, fmt.Errorf("%s secret cannot sign", s.kind)
	}
	return ed25519.Sign(s.priv, data), nil
}

func (s Secret) Verify(data, signature []byte) bool {
	if s.pub == nil {
		return false
	}
	return ed25519.Verify(s.pub, data, signature)
}
