package oauth

import (
	"net/http"
	"testing"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDPoPProof(t *testing.T) {
	assert := assert.New(t)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	pub, err := key.PublicKey()
	require.NoError(t, err)

	proof, err := newDPoPProof(key, "POST", "https://pds.example.com/xrpc/com.example.proc?cursor=abc#frag", "nonce-1", "access-token-1")
	require.NoError(t, err)

	var claims dpopClaims
	tok, err := jwt.ParseWithClaims(proof, &claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.True(tok.Valid)

	assert.Equal("dpop+jwt", tok.Header["typ"])
	assert.NotNil(tok.Header["jwk"])
	assert.Equal("POST", claims.HTTPMethod)
	// query and fragment are stripped from htu
	assert.Equal("https://pds.example.com/xrpc/com.example.proc", claims.TargetURI)
	require.NotNil(t, claims.Nonce)
	assert.Equal("nonce-1", *claims.Nonce)
	require.NotNil(t, claims.AccessTokenHash)
	assert.Equal(S256CodeChallenge("access-token-1"), *claims.AccessTokenHash)
	assert.NotEmpty(claims.ID)

	// without token or nonce, the optional claims are omitted
	bare, err := newDPoPProof(key, "GET", "https://pds.example.com/xrpc/com.example.get", "", "")
	require.NoError(t, err)
	var bareClaims dpopClaims
	_, _, err = jwt.NewParser().ParseUnverified(bare, &bareClaims)
	require.NoError(t, err)
	assert.Nil(bareClaims.Nonce)
	assert.Nil(bareClaims.AccessTokenHash)
}

func TestNonceCache(t *testing.T) {
	assert := assert.New(t)

	nc := NewNonceCache()
	assert.Empty(nc.Get("https://auth.example.com/oauth/token"))

	// nonces are tracked per origin, not per endpoint
	nc.Update("https://auth.example.com/oauth/token", "n1")
	assert.Equal("n1", nc.Get("https://auth.example.com/oauth/token"))
	assert.Equal("n1", nc.Get("https://auth.example.com/oauth/revoke"))
	assert.Empty(nc.Get("https://other.example.com/oauth/token"))

	nc.Update("https://auth.example.com/oauth/revoke", "n2")
	assert.Equal("n2", nc.Get("https://auth.example.com/oauth/token"))

	// empty nonces never overwrite
	nc.Update("https://auth.example.com/oauth/token", "")
	assert.Equal("n2", nc.Get("https://auth.example.com/oauth/token"))
}

func TestIsUseDPoPNonce(t *testing.T) {
	assert := assert.New(t)

	hdr := http.Header{}
	hdr.Set("DPoP-Nonce", "n1")

	// auth server form: JSON body error field
	assert.True(isUseDPoPNonce(400, hdr, []byte(`{"error":"use_dpop_nonce"}`)))
	assert.True(isUseDPoPNonce(401, hdr, []byte(`{"error":"use_dpop_nonce"}`)))

	// resource server form: WWW-Authenticate header
	resHdr := http.Header{}
	resHdr.Set("DPoP-Nonce", "n1")
	resHdr.Set("WWW-Authenticate", `DPoP error="use_dpop_nonce", error_description="..."`)
	assert.True(isUseDPoPNonce(401, resHdr, nil))

	// no nonce header means no challenge, whatever the body says
	assert.False(isUseDPoPNonce(400, http.Header{}, []byte(`{"error":"use_dpop_nonce"}`)))

	// other error codes are not nonce challenges
	assert.False(isUseDPoPNonce(400, hdr, []byte(`{"error":"invalid_grant"}`)))
	assert.False(isUseDPoPNonce(500, hdr, []byte(`{"error":"use_dpop_nonce"}`)))
	assert.False(isUseDPoPNonce(200, hdr, nil))
}

func TestNegotiateDPoPAlg(t *testing.T) {
	assert := assert.New(t)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	alg, err := negotiateDPoPAlg(key, []string{"ES256", "RS256"})
	assert.NoError(err)
	assert.Equal("ES256", alg)

	// empty server list means no restriction
	alg, err = negotiateDPoPAlg(key, nil)
	assert.NoError(err)
	assert.Equal("ES256", alg)

	_, err = negotiateDPoPAlg(key, []string{"RS256"})
	assert.ErrorIs(err, ErrAuthMethodUnsupported)
}
