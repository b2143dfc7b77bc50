package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

// lifetime of DPoP proof JWTs
const dpopProofTTL = 30 * time.Second

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	AccessTokenHash *string `json:"ath,omitempty"`
	Nonce           *string `json:"nonce,omitempty"`
}

// NonceCache tracks the most recent DPoP nonce per server origin. Nonces
// are not secrets; they only need to be fresh enough for the server to
// accept. Safe for concurrent use.
type NonceCache struct {
	nonces *xsync.MapOf[string, string]
}

func NewNonceCache() *NonceCache {
	return &NonceCache{nonces: xsync.NewMapOf[string, string]()}
}

// Get returns the last known nonce for the origin of the given URL, or
// empty string if none has been seen.
func (nc *NonceCache) Get(rawURL string) string {
	origin, err := urlOrigin(rawURL)
	if err != nil {
		return ""
	}
	v, _ := nc.nonces.Load(origin)
	return v
}

// Update records a nonce for the origin of the given URL. Empty nonces
// are ignored.
func (nc *NonceCache) Update(rawURL, nonce string) {
	if nonce == "" {
		return
	}
	origin, err := urlOrigin(rawURL)
	if err != nil {
		return
	}
	nc.nonces.Store(origin, nonce)
}

// dpopHTU canonicalizes a request URL for the `htu` claim: query and
// fragment are stripped, everything else kept as-is.
func dpopHTU(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// newDPoPProof builds and signs a DPoP proof JWT for a single HTTP
// request. accessToken, when non-empty, binds the proof to that token via
// the `ath` claim (required for resource server requests). nonce, when
// non-empty, echoes the most recent server-issued DPoP nonce.
func newDPoPProof(key crypto.PrivateKey, httpMethod, rawURL, nonce, accessToken string) (string, error) {
	htu, err := dpopHTU(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid DPoP request URL: %w", err)
	}

	claims := dpopClaims{
		HTTPMethod: httpMethod,
		TargetURI:  htu,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(dpopProofTTL)),
		},
	}
	if nonce != "" {
		claims.Nonce = &nonce
	}
	if accessToken != "" {
		ath := S256CodeChallenge(accessToken)
		claims.AccessTokenHash = &ath
	}

	keyMethod, err := keySigningMethod(key)
	if err != nil {
		return "", err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return "", err
	}
	pubJWK, err := pub.JWK()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(keyMethod, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pubJWK
	return token.SignedString(key)
}

// negotiateDPoPAlg picks the proof signing algorithm: the key's algorithm
// must appear in the server's supported list (an empty server list means
// no restriction).
func negotiateDPoPAlg(key crypto.PrivateKey, serverAlgs []string) (string, error) {
	alg, err := keyAlg(key)
	if err != nil {
		return "", err
	}
	if len(serverAlgs) == 0 || slices.Contains(serverAlgs, alg) {
		return alg, nil
	}
	return "", fmt.Errorf("%w: server DPoP algorithms %v do not include %s", ErrAuthMethodUnsupported, serverAlgs, alg)
}

// isUseDPoPNonce reports whether an HTTP error response is the DPoP
// "use_dpop_nonce" challenge. Both the 400/401 status form (body error
// field) and the WWW-Authenticate header form are recognized.
func isUseDPoPNonce(statusCode int, header http.Header, body []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnauthorized {
		return false
	}
	if header.Get("DPoP-Nonce") == "" {
		return false
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error == "use_dpop_nonce" {
		return true
	}
	// resource servers signal via WWW-Authenticate rather than a JSON body
	return strings.Contains(header.Get("WWW-Authenticate"), "use_dpop_nonce")
}
