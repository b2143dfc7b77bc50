package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// PrivateKeyP256 implements [PrivateKeyExportable] for the NIST P-256 /
// secp256r1 / ES256 curve. Secret key material is held in process memory.
type PrivateKeyP256 struct {
	privP256ecdh *ecdh.PrivateKey
	privP256     ecdsa.PrivateKey
}

// PublicKeyP256 implements [PublicKey] for the NIST P-256 / secp256r1 /
// ES256 curve.
type PublicKeyP256 struct {
	pubP256 ecdsa.PublicKey
}

var _ PrivateKey = (*PrivateKeyP256)(nil)
var _ PrivateKeyExportable = (*PrivateKeyP256)(nil)
var _ PublicKey = (*PublicKeyP256)(nil)

// GeneratePrivateKeyP256 creates a fresh random signing key.
func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	skECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256/secp256r1 key generation failed: %w", err)
	}
	skECDH, err := skECDSA.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unexpected internal error converting P-256 key from ecdsa to ecdh: %w", err)
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

// ParsePrivateBytesP256 loads a [PrivateKeyP256] from the raw 32-byte
// compact encoding produced by the Bytes method. Any string encoding (hex,
// base64, multibase) must be removed before calling this.
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	// go from ecdh.PrivateKey to ecdsa.PrivateKey by round-tripping
	// through PKCS8; the raw 'data' bytes themselves are *not* PKCS8
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	sk, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	skECDSA, ok := sk.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected internal error parsing own private P-256 x509 key")
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

// ParsePrivateJWKP256 loads a [PrivateKeyP256] from a JWK (serialized as
// JSON bytes), as produced by the PrivateJWK method.
func ParsePrivateJWKP256(jwkBytes []byte) (*PrivateKeyP256, error) {
	key, err := jwk.ParseKey(jwkBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	var skECDSA ecdsa.PrivateKey
	if err := key.Raw(&skECDSA); err != nil {
		return nil, fmt.Errorf("JWK is not an EC private key: %w", err)
	}
	if skECDSA.Curve != elliptic.P256() {
		return nil, fmt.Errorf("JWK curve is not P-256")
	}
	skECDH, err := skECDSA.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	return &PrivateKeyP256{privP256: skECDSA, privP256ecdh: skECDH}, nil
}

// ParsePublicUncompressedBytesP256 loads a [PublicKeyP256] from the
// 65-byte X9.62 uncompressed point encoding.
func ParsePublicUncompressedBytesP256(data []byte) (*PublicKeyP256, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 uncompressed public key")
	}
	pk := ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return &PublicKeyP256{pubP256: pk}, nil
}

// Equal checks if the two private keys are the same. Note that the naive
// == operator does not work for most key types.
func (k *PrivateKeyP256) Equal(other PrivateKey) bool {
	otherP256, ok := other.(*PrivateKeyP256)
	if ok {
		return k.privP256.Equal(&otherP256.privP256)
	}
	return false
}

// Bytes serializes the secret key material in to a raw binary format,
// which can be parsed by [ParsePrivateBytesP256]. For P-256 this is the
// 32-byte "compact" encoding.
func (k *PrivateKeyP256) Bytes() []byte {
	return k.privP256ecdh.Bytes()
}

func (k *PrivateKeyP256) PublicKey() (PublicKey, error) {
	pkECDSA, ok := k.privP256.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected internal error casting P-256 ecdsa public key")
	}
	return &PublicKeyP256{pubP256: *pkECDSA}, nil
}

// PrivateJWK returns the full JWK projection of this key, suitable for
// JSON serialization at the storage boundary.
func (k *PrivateKeyP256) PrivateJWK(kid string) (jwk.Key, error) {
	key, err := jwk.FromRaw(&k.privP256)
	if err != nil {
		return nil, fmt.Errorf("converting P-256 key to JWK: %w", err)
	}
	if kid != "" {
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// HashAndSign hashes the raw bytes with SHA-256, then signs the digest.
//
// ECDSA signatures over NIST curves have a "malleability" quirk: both a
// signature and its high-S complement verify. This method always returns
// the low-S form. The output is a 64-byte compact (r, s) encoding.
func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, &k.privP256, hash[:])
	if err != nil {
		return nil, fmt.Errorf("crypto error signing with P-256/secp256r1 private key: %w", err)
	}
	s = sigSToLowS(s)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// String obscures the secret key material; keys should never end up in
// logs verbatim.
func (k *PrivateKeyP256) String() string {
	return "PrivateKeyP256(secret)"
}

func (k *PublicKeyP256) Equal(other PublicKey) bool {
	otherP256, ok := other.(*PublicKeyP256)
	if ok {
		return k.pubP256.Equal(&otherP256.pubP256)
	}
	return false
}

// UncompressedBytes returns the 65-byte X9.62 uncompressed point encoding.
func (k *PublicKeyP256) UncompressedBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), k.pubP256.X, k.pubP256.Y)
}

// CompressedBytes returns the 33-byte compressed point encoding.
func (k *PublicKeyP256) CompressedBytes() []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), k.pubP256.X, k.pubP256.Y)
}

// JWK returns the public-only JWK projection of this key.
func (k *PublicKeyP256) JWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(&k.pubP256)
	if err != nil {
		return nil, fmt.Errorf("converting P-256 public key to JWK: %w", err)
	}
	return key, nil
}

// HashAndVerify hashes the raw bytes with SHA-256, then verifies the
// 64-byte compact signature against the digest. Requires low-S form.
func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	if err := k.hashAndVerify(content, sig, false); err != nil {
		return err
	}
	return nil
}

// HashAndVerifyLenient is like HashAndVerify, but accepts high-S
// signatures as produced by some other JWT stacks.
func (k *PublicKeyP256) HashAndVerifyLenient(content, sig []byte) error {
	return k.hashAndVerify(content, sig, true)
}

func (k *PublicKeyP256) hashAndVerify(content, sig []byte, lenient bool) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: expected 64-byte signature, got %d", ErrInvalidSignature, len(sig))
	}
	var r, s big.Int
	r.SetBytes(sig[:32])
	s.SetBytes(sig[32:])
	if !lenient && !sigSIsLowS(&s) {
		return fmt.Errorf("%w: high-S signature rejected", ErrInvalidSignature)
	}
	hash := sha256.Sum256(content)
	if !ecdsa.Verify(&k.pubP256, hash[:], &r, &s) {
		return ErrInvalidSignature
	}
	return nil
}

var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

func sigSIsLowS(s *big.Int) bool {
	return s.Cmp(p256HalfOrder) != 1
}

func sigSToLowS(s *big.Int) *big.Int {
	if !sigSIsLowS(s) {
		return new(big.Int).Sub(elliptic.P256().Params().N, s)
	}
	return s
}
