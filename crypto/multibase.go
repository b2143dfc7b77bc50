package crypto

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// multicodec varint prefixes for the P-256 key codecs
var (
	prefixP256Priv = []byte{0x86, 0x26} // p256-priv, code 0x1306
	prefixP256Pub  = []byte{0x80, 0x24} // p256-pub, code 0x1200
)

// Multibase returns the secret key material as a multibase string
// (base58btc with 'z' prefix), with a multicodec type prefix.
func (k *PrivateKeyP256) Multibase() string {
	kbytes := append([]byte{}, prefixP256Priv...)
	kbytes = append(kbytes, k.Bytes()...)
	return "z" + base58.Encode(kbytes)
}

// Multibase returns the uncompressed public key as a multibase string
// (base58btc with 'z' prefix), with a multicodec type prefix.
func (k *PublicKeyP256) Multibase() string {
	kbytes := append([]byte{}, prefixP256Pub...)
	kbytes = append(kbytes, k.UncompressedBytes()...)
	return "z" + base58.Encode(kbytes)
}

// ParsePrivateMultibase loads a private key from the multibase encoding
// produced by the Multibase method.
func ParsePrivateMultibase(encoded string) (PrivateKeyExportable, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("not a multibase base58btc string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("multibase base58btc decode failed: %w", err)
	}
	if len(data) > 2 && bytes.Equal(data[:2], prefixP256Priv) {
		return ParsePrivateBytesP256(data[2:])
	}
	return nil, fmt.Errorf("unsupported private key multicodec type")
}

// ParsePublicMultibase loads a public key from the multibase encoding
// produced by the Multibase method.
func ParsePublicMultibase(encoded string) (PublicKey, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("not a multibase base58btc string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("multibase base58btc decode failed: %w", err)
	}
	if len(data) > 2 && bytes.Equal(data[:2], prefixP256Pub) {
		return ParsePublicUncompressedBytesP256(data[2:])
	}
	return nil, fmt.Errorf("unsupported public key multicodec type")
}
