package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/syntax"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ClientAssertionJWTBearer string = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Client auth method identifiers, as persisted in session and request data.
const (
	AuthMethodNone          = "none"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
)

type JWKS struct {
	Keys []jwk.Key `json:"keys"`
}

// Response type from looking up OAuth Protected Resource information on a
// server (eg, a PDS instance).
type ProtectedResourceMetadata struct {
	// URL identifying the resource server. Must exactly match the origin
	// the metadata document was fetched from.
	Resource string `json:"resource"`

	// Authorization servers which can issue tokens for this resource.
	// Exactly one entry is expected.
	AuthorizationServers []string `json:"authorization_servers"`

	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

func (m *ProtectedResourceMetadata) Validate(resourceURL string) error {
	if m.Resource == "" {
		return fmt.Errorf("%w: empty resource", ErrInvalidProtectedResourceMetadata)
	}
	u, err := url.Parse(m.Resource)
	if err != nil {
		return fmt.Errorf("%w: invalid resource URL: %w", ErrInvalidProtectedResourceMetadata, err)
	}
	srvu, err := url.Parse(resourceURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrInvalidProtectedResourceMetadata, err)
	}
	if u.Scheme != srvu.Scheme || u.Host != srvu.Host {
		return fmt.Errorf("%w: resource must match the URL it was fetched from", ErrInvalidProtectedResourceMetadata)
	}
	if len(m.AuthorizationServers) != 1 {
		return fmt.Errorf("%w: expected exactly one authorization server, got %d", ErrInvalidProtectedResourceMetadata, len(m.AuthorizationServers))
	}
	return nil
}

type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// Must be one of `web` or `native`, with `web` as the default if not specified.
	ApplicationType *string `json:"application_type,omitempty"`

	// `authorization_code` must always be included. `refresh_token` is optional, but must be included if the client will make token refresh requests.
	GrantTypes []string `json:"grant_types"`

	// All scope values which might be requested by the client are declared here. The `atproto` scope is required, so must be included here.
	Scope string `json:"scope"`

	// `code` must be included
	ResponseTypes []string `json:"response_types"`

	// At least one redirect URI is required.
	RedirectURIs []string `json:"redirect_uris"`

	// Confidential clients must set this to `private_key_jwt`; public clients must use `none`.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// `none` is never allowed here. The current recommended and most-supported algorithm is ES256.
	TokenEndpointAuthSigningAlg *string `json:"token_endpoint_auth_signing_alg,omitempty"`

	// DPoP is mandatory for all clients, so this must be present and true
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// Confidential clients must supply at least one public key in JWK format for use with JWT client authentication. Either this field or `jwks_uri` must be provided, but not both.
	JWKS *JWKS `json:"jwks,omitempty"`

	// URL pointing to a JWKS JSON object. See `jwks` above for details.
	JWKSURI *string `json:"jwks_uri,omitempty"`

	// human-readable name of the client
	ClientName *string `json:"client_name,omitempty"`

	// not to be confused with client_id, this is a homepage URL for the client. If provided, the client_uri must have the same hostname as client_id.
	ClientURI *string `json:"client_uri,omitempty"`

	// URL to client logo. Only https: URIs are allowed.
	LogoURI *string `json:"logo_uri,omitempty"`

	// URL to human-readable terms of service (ToS) for the client. Only https: URIs are allowed.
	TosURI *string `json:"tos_uri,omitempty"`

	// URL to human-readable privacy policy for the client. Only https: URIs are allowed.
	PolicyURI *string `json:"policy_uri,omitempty"`
}

// IsConfidential returns true if the metadata indicates a confidential
// client: JWT client auth plus at least one published key.
func (m *ClientMetadata) IsConfidential() bool {
	return (m.JWKSURI != nil || (m.JWKS != nil && len(m.JWKS.Keys) > 0)) && m.TokenEndpointAuthMethod == AuthMethodPrivateKeyJWT
}

func (m *ClientMetadata) Validate(clientID string) error {

	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("%w: client_id", ErrInvalidClientMetadata)
	}

	if m.ApplicationType != nil && !slices.Contains([]string{"web", "native"}, *m.ApplicationType) {
		return fmt.Errorf("%w: application_type must be 'web', 'native', or undefined", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.GrantTypes, "authorization_code") {
		return fmt.Errorf("%w: grant_type must include 'authorization_code'", ErrInvalidClientMetadata)
	}

	scopes := strings.Split(m.Scope, " ")
	if !slices.Contains(scopes, "atproto") {
		return fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.ResponseTypes, "code") {
		return fmt.Errorf("%w: response_types must include 'code'", ErrInvalidClientMetadata)
	}

	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must have at least one element", ErrInvalidClientMetadata)
	}

	// 'web' redirect URLs have more restrictions
	if m.ApplicationType == nil || *m.ApplicationType == "web" {
		for _, ru := range m.RedirectURIs {
			u, err := url.Parse(ru)
			if err != nil {
				return fmt.Errorf("%w: invalid web redirect_uris: %w", ErrInvalidClientMetadata, err)
			}
			if u.Scheme != "https" && u.Hostname() != "127.0.0.1" {
				return fmt.Errorf("%w: web redirect_uris must have 'https' scheme", ErrInvalidClientMetadata)
			}
		}
	}

	if !(m.TokenEndpointAuthMethod == AuthMethodNone || m.TokenEndpointAuthMethod == AuthMethodPrivateKeyJWT) {
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method", ErrInvalidClientMetadata)
	}

	if m.TokenEndpointAuthSigningAlg != nil && *m.TokenEndpointAuthSigningAlg == "none" {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg must not be 'none'", ErrInvalidClientMetadata)
	}

	if !m.DPoPBoundAccessTokens {
		return fmt.Errorf("%w: dpop_bound_access_tokens must be true (DPoP is required)", ErrInvalidClientMetadata)
	}

	if m.JWKSURI != nil && *m.JWKSURI == "" {
		return fmt.Errorf("%w: jwks_uri must be valid URL (when provided)", ErrInvalidClientMetadata)
	}

	return nil
}

type AuthServerMetadata struct {

	// the "origin" URL of the Authorization Server. Must be a valid URL, with https scheme. A port number is allowed (if that matches the origin), but the default port (443 for HTTPS) must not be specified. There must be no path segments. Must match the origin of the URL used to fetch the metadata document itself.
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`

	// endpoint URL for token revocation requests, if supported
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// must include code
	ResponseTypesSupported []string `json:"response_types_supported"`

	// must include authorization_code and refresh_token (refresh tokens must be supported)
	GrantTypesSupported []string `json:"grant_types_supported"`

	// must include S256
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// must include both none (public clients) and private_key_jwt (confidential clients)
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// must not include `none`. Must include ES256 for now.
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`

	// must include atproto. If supporting the transitional grants, they should be included here as well.
	ScopesSupported []string `json:"scopes_supported"`

	// must be true
	AuthorizationResponseISSParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	// must be true
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	// corresponds to the PAR endpoint URL
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`

	// currently must include ES256
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`

	// default is true; does not need to be set explicitly, but must not be false
	RequireRequestURIRegistration *bool `json:"require_request_uri_registration,omitempty"`

	// must be true
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported"`

	// optional list of resource server origins this issuer serves; when
	// present, used for a bidirectional resource/issuer cross-check
	ProtectedResources []string `json:"protected_resources,omitempty"`
}

func (m *AuthServerMetadata) Validate(serverURL string) error {

	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	u, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	// http is tolerated for loopback addresses (localhost dev mode) only
	loopback := isLoopbackHost(u.Hostname())
	if !(u.Scheme == "https" || (u.Scheme == "http" && loopback)) || u.Port() == "443" || u.Path != "" || u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: issuer URL", ErrInvalidAuthServerMetadata)
	}

	// the issuer must match the origin this metadata document was fetched from
	srvu, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != srvu.Scheme || u.Host != srvu.Host {
		return fmt.Errorf("%w: issuer must match request URL", ErrInvalidAuthServerMetadata)
	}

	// authorization endpoint must be a clean URL (query params get appended later)
	aeurl, err := url.Parse(m.AuthorizationEndpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid auth endpoint URL (%s): %w", ErrInvalidAuthServerMetadata, m.AuthorizationEndpoint, err)
	}
	if !(aeurl.Scheme == "https" || (aeurl.Scheme == "http" && loopback)) || aeurl.Fragment != "" || aeurl.RawQuery != "" {
		return fmt.Errorf("%w: invalid auth endpoint URL: %s", ErrInvalidAuthServerMetadata, m.AuthorizationEndpoint)
	}

	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: grant_types_supported must include 'authorization_code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "refresh_token") {
		return fmt.Errorf("%w: grant_types_supported must include 'refresh_token'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_method must include 'S256'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.TokenEndpointAuthMethodsSupported, "none") {
		return fmt.Errorf("%w: token_endpoint_auth_methods_supported must include 'none'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.TokenEndpointAuthMethodsSupported, "private_key_jwt") {
		return fmt.Errorf("%w: token_endpoint_auth_methods_supported must include 'private_key_jwt'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.TokenEndpointAuthSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg_values_supported must include 'ES256'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.ScopesSupported, "atproto") {
		return fmt.Errorf("%w: scopes_supported must include 'atproto'", ErrInvalidAuthServerMetadata)
	}
	if !m.AuthorizationResponseISSParameterSupported {
		return fmt.Errorf("%w: authorization_response_iss_parameter_supported must be true", ErrInvalidAuthServerMetadata)
	}
	if !m.RequirePushedAuthorizationRequests {
		return fmt.Errorf("%w: require_pushed_authorization_requests must be true", ErrInvalidAuthServerMetadata)
	}
	if m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("%w: pushed_authorization_request_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.DPoPSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: dpop_signing_alg_values_supported must include 'ES256'", ErrInvalidAuthServerMetadata)
	}
	if m.RequireRequestURIRegistration != nil && !*m.RequireRequestURIRegistration {
		return fmt.Errorf("%w: require_request_uri_registration must be undefined or true", ErrInvalidAuthServerMetadata)
	}
	if !m.ClientIDMetadataDocumentSupported {
		return fmt.Errorf("%w: client_id_metadata_document_supported must be true", ErrInvalidAuthServerMetadata)
	}
	return nil
}

// The fields which are included in a PAR request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type PushedAuthRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Random identifier for this request, generated by client
	State string `url:"state"`

	// Client-specified URL that will get redirected to by auth server at end of user auth flow
	RedirectURI string `url:"redirect_uri"`

	// Requested auth scopes, as a space-delimited list
	Scope string `url:"scope"`

	// Optional account identifier (DID or handle) to help with user account login and/or account switching
	LoginHint *string `url:"login_hint,omitempty"`

	// Always "code"
	ResponseType string `url:"response_type"`

	// For confidential clients, must be "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType *string `url:"client_assertion_type,omitempty"`

	// For confidential clients, the signed client assertion JWT
	ClientAssertion *string `url:"client_assertion,omitempty"`

	// Client-generated PKCE challenge hash, derived from random "verifier" string
	CodeChallenge string `url:"code_challenge"`

	// Almost always "S256"
	CodeChallengeMethod string `url:"code_challenge_method"`
}

type PushedAuthResponse struct {
	// unique token in URI format, which will be used by the client in the auth flow redirect
	RequestURI string `json:"request_uri"`

	// positive integer indicating number of seconds the `request_uri` is valid for.
	ExpiresIn int `json:"expires_in"`
}

// Persisted state for one in-flight authorization flow. Stored when the
// auth request is sent and consumed (exactly once) by the callback.
type AuthRequestData struct {
	// The random identifier generated by the client for this flow; primary key for storage.
	State string `json:"state"`

	// Issuer URL of the auth server the request was pushed to.
	AuthServerIssuer string `json:"authserver_issuer"`

	// Full token endpoint URL, recorded at request time; the callback seeds the DPoP nonce cache from it.
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// If the flow started with an account identifier, the resolved DID; verified against the token response.
	AccountDID *syntax.DID `json:"account_did,omitempty"`

	// Base URL of the resource server, when the flow started from a host URL instead of an account identifier.
	HostURL *string `json:"host_url,omitempty"`

	// OAuth scope values requested
	Scopes []string `json:"scopes"`

	// The redirect URI used at authorize time; the token request must repeat it exactly.
	RedirectURI string `json:"redirect_uri"`

	// Opaque application-level state, returned to the caller after the callback.
	AppState string `json:"app_state,omitempty"`

	// Negotiated client auth method for this flow ("none" or "private_key_jwt").
	AuthMethod string `json:"auth_method"`

	// The secret token/nonce which a code challenge was generated from
	PKCEVerifier string `json:"pkce_verifier"`

	// Server-provided DPoP nonce from the auth request (PAR), if any
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce"`

	// The secret cryptographic key generated by the client for this specific flow
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`
}

// Persisted information about an active OAuth session, sufficient to
// resume it: key material reference, tokens, and nonces.
type ClientSessionData struct {
	// Account DID for this session.
	AccountDID syntax.DID `json:"account_did"`

	// Distinguishes concurrent sessions for the same account (eg, multiple browsers).
	SessionID string `json:"session_id"`

	// Base URL of the resource server (eg, PDS). Scheme, hostname, port; no path.
	HostURL string `json:"host_url"`

	// Issuer URL of the auth server which granted the tokens.
	AuthServerIssuer string `json:"authserver_issuer"`

	// OAuth scope values granted
	Scopes []string `json:"scopes"`

	// Token for requests directly against the host (resource server)
	AccessToken string `json:"access_token"`

	// Token for refresh requests against the auth server
	RefreshToken string `json:"refresh_token"`

	// Access token expiry, if the server indicated one.
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`

	// Client auth method bound to this session ("none" or "private_key_jwt").
	AuthMethod string `json:"auth_method"`

	// Current auth server DPoP nonce
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce"`

	// Current host (resource server) DPoP nonce
	DPoPHostNonce string `json:"dpop_host_nonce"`

	// The session-specific secret DPoP key
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`
}

// The fields which are included in an initial token request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type InitialTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Must match the redirect URI used during the auth flow
	RedirectURI string `url:"redirect_uri"`

	// Always `authorization_code`
	GrantType string `url:"grant_type"`

	// Authorization code delivered by the auth server via callback
	Code string `url:"code"`

	// PKCE verifier string. Only included in the initial token request
	CodeVerifier string `url:"code_verifier"`

	// For confidential clients, must be "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType *string `url:"client_assertion_type,omitempty"`

	// For confidential clients, the signed client assertion JWT
	ClientAssertion *string `url:"client_assertion,omitempty"`
}

// The fields which are included in a token refresh request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type RefreshTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Always `refresh_token`
	GrantType string `url:"grant_type"`

	// Refresh token.
	RefreshToken string `url:"refresh_token"`

	// For confidential clients, must be "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType *string `url:"client_assertion_type,omitempty"`

	// For confidential clients, the signed client assertion JWT
	ClientAssertion *string `url:"client_assertion,omitempty"`
}

// The fields which are included in a token revocation request.
type RevokeTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	Token string `url:"token"`

	TokenTypeHint *string `url:"token_type_hint,omitempty"`

	// For confidential clients, must be "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType *string `url:"client_assertion_type,omitempty"`

	// For confidential clients, the signed client assertion JWT
	ClientAssertion *string `url:"client_assertion,omitempty"`
}

// Response from the auth server token endpoint, both for initial requests
// and refreshes.
type TokenResponse struct {
	Subject string `json:"sub"`

	// Usually the scopes the client requested; technically a subset may have been approved.
	Scope string `json:"scope"`

	// Opaque access token, for requests to the resource server.
	AccessToken string `json:"access_token"`

	// Refresh token, for additional token requests to the auth server.
	RefreshToken string `json:"refresh_token"`

	// Must be "DPoP" for key-bound sessions.
	TokenType string `json:"token_type"`

	// Access token lifetime in seconds, if indicated.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// TokenSet is a verified, trusted set of session tokens: the issuer and
// audience fields come from the client's own resolution, never from the
// token response body.
type TokenSet struct {
	// Issuer URL of the auth server which granted the tokens (client-verified).
	Issuer string `json:"issuer"`

	// Account DID the tokens are for.
	AccountDID syntax.DID `json:"account_did"`

	// Origin URL of the resource server the access token is valid for,
	// taken from the verified identity resolution.
	Audience string `json:"audience"`

	Scopes []string `json:"scopes"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// Access token expiry, if the server indicated one.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its indicated expiry
// (with a short safety margin). Tokens with no indicated expiry never
// report as expired.
func (ts *TokenSet) Expired() bool {
	if ts.ExpiresAt == nil {
		return false
	}
	return time.Now().After(ts.ExpiresAt.Add(-30 * time.Second))
}
