package oauth

import (
	"net/url"
	"strings"
	"testing"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMethodNegotiation(t *testing.T) {
	assert := assert.New(t)

	config := testClientConfig()
	assert.False(config.IsConfidential())

	// public client always negotiates "none"
	method, err := config.AuthMethod([]string{"none", "private_key_jwt"})
	require.NoError(t, err)
	assert.Equal(AuthMethodNone, method.Method)

	_, err = config.AuthMethod([]string{"client_secret_basic"})
	assert.ErrorIs(err, ErrAuthMethodUnsupported)

	// confidential client prefers private_key_jwt when the server has it
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	require.NoError(t, config.SetClientSecret(key, "key-1"))
	assert.True(config.IsConfidential())

	method, err = config.AuthMethod([]string{"none", "private_key_jwt"})
	require.NoError(t, err)
	assert.Equal(AuthMethodPrivateKeyJWT, method.Method)

	method, err = config.AuthMethod([]string{"none"})
	require.NoError(t, err)
	assert.Equal(AuthMethodNone, method.Method)
}

func TestAuthMethodByName(t *testing.T) {
	assert := assert.New(t)

	config := testClientConfig()
	method, err := config.authMethodByName(AuthMethodNone)
	require.NoError(t, err)
	assert.Equal(AuthMethodNone, method.Method)

	// a session bound to private_key_jwt can not be resumed by a config
	// without the key
	_, err = config.authMethodByName(AuthMethodPrivateKeyJWT)
	assert.ErrorIs(err, ErrSessionKeyCorrupted)

	_, err = config.authMethodByName("client_secret_basic")
	assert.ErrorIs(err, ErrSessionKeyCorrupted)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	require.NoError(t, config.SetClientSecret(key, "key-1"))
	method, err = config.authMethodByName(AuthMethodPrivateKeyJWT)
	require.NoError(t, err)
	assert.Equal(AuthMethodPrivateKeyJWT, method.Method)
}

func TestLocalhostConfig(t *testing.T) {
	assert := assert.New(t)

	config := NewLocalhostConfig("http://127.0.0.1:8080/oauth/callback", []string{"atproto", "transition:generic"})
	assert.True(strings.HasPrefix(config.ClientID, "http://localhost?"))

	u, err := url.Parse(config.ClientID)
	require.NoError(t, err)
	assert.Equal("http://127.0.0.1:8080/oauth/callback", u.Query().Get("redirect_uri"))
	assert.Equal("atproto transition:generic", u.Query().Get("scope"))
}

func TestClientMetadataGeneration(t *testing.T) {
	assert := assert.New(t)

	config := testClientConfig()
	meta := config.ClientMetadata()
	assert.NoError(meta.Validate(config.ClientID))
	assert.Equal(AuthMethodNone, meta.TokenEndpointAuthMethod)
	assert.False(meta.IsConfidential())
	assert.Empty(config.PublicJWKS().Keys)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	require.NoError(t, config.SetClientSecret(key, "key-1"))

	meta = config.ClientMetadata()
	assert.Equal(AuthMethodPrivateKeyJWT, meta.TokenEndpointAuthMethod)
	require.NotNil(t, meta.TokenEndpointAuthSigningAlg)
	assert.Equal("ES256", *meta.TokenEndpointAuthSigningAlg)

	jwks := config.PublicJWKS()
	require.Len(t, jwks.Keys, 1)
	kid, ok := jwks.Keys[0].Get("kid")
	require.True(t, ok)
	assert.Equal("key-1", kid)
}
