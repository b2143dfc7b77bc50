package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ClientConfig is the static configuration of an OAuth client: identity,
// callback, scopes, and (for confidential clients) the client secret
// signing key. A single config is shared across all flows and sessions.
type ClientConfig struct {
	// Client ID; for public web clients this is the client metadata URL.
	ClientID string

	// Redirect URI the auth server sends users back to.
	CallbackURL string

	// Scope values requested by default.
	Scopes []string

	secretKey   crypto.PrivateKey
	secretKeyID string
}

// NewPublicConfig configures a standard public client: the client ID is
// the URL the client metadata document is served at.
func NewPublicConfig(clientID, callbackURL string, scopes []string) ClientConfig {
	return ClientConfig{
		ClientID:    clientID,
		CallbackURL: callbackURL,
		Scopes:      scopes,
	}
}

// NewLocalhostConfig configures a development-mode client using the
// special localhost client ID convention: no metadata document needs to
// be served, and the redirect URI and scopes are encoded in the client ID
// itself.
func NewLocalhostConfig(callbackURL string, scopes []string) ClientConfig {
	params := url.Values{
		"redirect_uri": []string{callbackURL},
		"scope":        []string{strings.Join(scopes, " ")},
	}
	return ClientConfig{
		ClientID:    "http://localhost?" + params.Encode(),
		CallbackURL: callbackURL,
		Scopes:      scopes,
	}
}

// SetClientSecret upgrades the config to a confidential client. The key
// is used to sign per-request client assertion JWTs; keyID must match the
// `kid` published in the client's JWKS.
func (c *ClientConfig) SetClientSecret(priv crypto.PrivateKey, keyID string) error {
	if priv == nil {
		return fmt.Errorf("client secret key must not be nil")
	}
	if keyID == "" {
		return fmt.Errorf("client secret key ID must not be empty")
	}
	if _, err := keySigningMethod(priv); err != nil {
		return err
	}
	c.secretKey = priv
	c.secretKeyID = keyID
	return nil
}

// IsConfidential returns true when a client secret key is configured.
func (c *ClientConfig) IsConfidential() bool {
	return c.secretKey != nil
}

// AuthMethod negotiates the client auth method against a server's
// supported list: private_key_jwt when the client is confidential and the
// server supports it, otherwise none, otherwise a hard error.
func (c *ClientConfig) AuthMethod(serverMethods []string) (ClientAuthMethod, error) {
	if c.IsConfidential() && slices.Contains(serverMethods, AuthMethodPrivateKeyJWT) {
		return ClientAuthPrivateKeyJWT(c.secretKey, c.secretKeyID), nil
	}
	if slices.Contains(serverMethods, AuthMethodNone) {
		return ClientAuthNone(), nil
	}
	return ClientAuthMethod{}, fmt.Errorf("%w: server supports %v", ErrAuthMethodUnsupported, serverMethods)
}

// authMethodByName reconstructs a ClientAuthMethod from its persisted
// name. Fails when the config can no longer satisfy the method.
func (c *ClientConfig) authMethodByName(name string) (ClientAuthMethod, error) {
	switch name {
	case AuthMethodNone:
		return ClientAuthNone(), nil
	case AuthMethodPrivateKeyJWT:
		if !c.IsConfidential() {
			return ClientAuthMethod{}, fmt.Errorf("%w: session requires private_key_jwt but no client secret is configured", ErrSessionKeyCorrupted)
		}
		return ClientAuthPrivateKeyJWT(c.secretKey, c.secretKeyID), nil
	default:
		return ClientAuthMethod{}, fmt.Errorf("%w: unknown persisted auth method %q", ErrSessionKeyCorrupted, name)
	}
}

// ClientMetadata generates the client metadata document for this config,
// suitable for serving at the client ID URL.
func (c *ClientConfig) ClientMetadata() ClientMetadata {
	meta := ClientMetadata{
		ClientID:              c.ClientID,
		GrantTypes:            []string{"authorization_code", "refresh_token"},
		Scope:                 strings.Join(c.Scopes, " "),
		ResponseTypes:         []string{"code"},
		RedirectURIs:          []string{c.CallbackURL},
		DPoPBoundAccessTokens: true,
	}
	if c.IsConfidential() {
		alg := "ES256"
		meta.TokenEndpointAuthMethod = AuthMethodPrivateKeyJWT
		meta.TokenEndpointAuthSigningAlg = &alg
	} else {
		meta.TokenEndpointAuthMethod = AuthMethodNone
	}
	return meta
}

// PublicJWKS returns the public keys for this client, for serving at the
// jwks_uri. Empty for public clients.
func (c *ClientConfig) PublicJWKS() JWKS {
	if !c.IsConfidential() {
		return JWKS{Keys: []jwk.Key{}}
	}
	pub, err := c.secretKey.PublicKey()
	if err != nil {
		return JWKS{Keys: []jwk.Key{}}
	}
	pubJWK, err := pub.JWK()
	if err != nil {
		return JWKS{Keys: []jwk.Key{}}
	}
	_ = pubJWK.Set(jwk.KeyIDKey, c.secretKeyID)
	_ = pubJWK.Set(jwk.KeyUsageKey, "sig")
	return JWKS{Keys: []jwk.Key{pubJWK}}
}
