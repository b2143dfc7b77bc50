package crypto

import (
	"errors"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// PrivateKey is a currently-loaded signing key. Implementations of this
// interface are not required to support export of the secret material; see
// [PrivateKeyExportable] for that.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	PublicKey() (PublicKey, error)

	// HashAndSign hashes the raw bytes (SHA-256) and signs the digest,
	// returning a compact binary signature.
	HashAndSign(content []byte) ([]byte, error)
}

// PrivateKeyExportable is a signing key whose secret material can be
// serialized for persistence. Never log or transmit these projections.
type PrivateKeyExportable interface {
	PrivateKey

	// Bytes returns the raw compact secret key encoding (32 bytes for
	// P-256), with no enclosing structure.
	Bytes() []byte

	// Multibase returns the secret key encoded as a multibase string,
	// including a multicodec type prefix.
	Multibase() string

	// PrivateJWK returns the full (private-inclusive) JWK projection,
	// with the provided key id set when non-empty.
	PrivateJWK(kid string) (jwk.Key, error)
}

// PublicKey is the verification half of a signing key.
type PublicKey interface {
	Equal(other PublicKey) bool

	UncompressedBytes() []byte
	CompressedBytes() []byte

	// Multibase returns the uncompressed public key encoded as a multibase
	// string, including a multicodec type prefix.
	Multibase() string

	// JWK returns the public-only JWK projection.
	JWK() (jwk.Key, error)

	// HashAndVerify hashes the raw bytes (SHA-256) and verifies the
	// compact signature against the digest, requiring low-S form.
	HashAndVerify(content, sig []byte) error

	// HashAndVerifyLenient is like HashAndVerify but accepts high-S
	// ("malleable") signatures, needed for interop with JWTs produced by
	// other stacks.
	HashAndVerifyLenient(content, sig []byte) error
}

var ErrInvalidSignature = errors.New("crypto: invalid signature")
