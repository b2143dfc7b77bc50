package oauth

import (
	"crypto/sha256"
	"encoding/base64"
)

// S256CodeChallenge computes the PKCE "S256" code challenge for a verifier
// string: base64url (unpadded) of the SHA-256 digest. The same transform
// is used for DPoP `ath` access token hashes.
func S256CodeChallenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// newPKCEVerifier generates a fresh high-entropy PKCE verifier string.
func newPKCEVerifier() string {
	return randomNonce() + randomNonce() + randomNonce()
}
