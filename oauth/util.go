package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"net/url"
)

// randomNonce returns 128 bits of fresh randomness, base64url encoded.
// Used for state tokens, jti values, and session identifiers.
func randomNonce() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func isLoopbackHost(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// urlOrigin reduces a URL to its origin: scheme plus host, no path, query,
// fragment, or userinfo.
func urlOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(), nil
}
