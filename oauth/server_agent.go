package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/crypto"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/google/go-querystring/query"
)

// ServerAgent performs token operations against a single auth server,
// bound to one client auth method and one DPoP key. Agents are cheap to
// construct; a new one is made per flow or per session resume.
type ServerAgent struct {
	Client   *http.Client
	Resolver *Resolver
	Meta     *AuthServerMetadata
	ClientID string
	Auth     ClientAuthMethod
	DPoPKey  crypto.PrivateKey
	Nonces   *NonceCache
}

func NewServerAgent(resolver *Resolver, meta *AuthServerMetadata, clientID string, auth ClientAuthMethod, dpopKey crypto.PrivateKey, nonces *NonceCache) (*ServerAgent, error) {
	if _, err := negotiateDPoPAlg(dpopKey, meta.DPoPSigningAlgValuesSupported); err != nil {
		return nil, err
	}
	if nonces == nil {
		nonces = NewNonceCache()
	}
	return &ServerAgent{
		Client:   resolver.Client,
		Resolver: resolver,
		Meta:     meta,
		ClientID: clientID,
		Auth:     auth,
		DPoPKey:  dpopKey,
		Nonces:   nonces,
	}, nil
}

// tokenRequest sends a single form-encoded POST to the token endpoint
// with DPoP and client authentication. Exactly one HTTP request is made:
// when the server demands a DPoP nonce, the nonce is cached and
// [ErrUseDpopNonce] returned. Grant requests must never be blindly
// replayed, so the re-submit decision belongs to the caller.
func (a *ServerAgent) tokenRequest(ctx context.Context, body any, grantType string) (*TokenResponse, error) {
	vals, err := query.Values(body)
	if err != nil {
		return nil, err
	}
	if err := a.Auth.apply(vals, a.ClientID, a.Meta.Issuer); err != nil {
		return nil, err
	}

	endpoint := a.Meta.TokenEndpoint
	dpopJWT, err := newDPoPProof(a.DPoPKey, "POST", endpoint, a.Nonces.Get(endpoint), "")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBufferString(vals.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", dpopJWT)

	start := time.Now()
	resp, err := a.Client.Do(req)
	if err != nil {
		observeTokenRequest(grantType, "transport_error", start)
		return nil, fmt.Errorf("token request: %w", err)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	resp.Body.Close()
	if err != nil {
		observeTokenRequest(grantType, "transport_error", start)
		return nil, fmt.Errorf("token request: reading response: %w", err)
	}

	a.Nonces.Update(endpoint, resp.Header.Get("DPoP-Nonce"))

	if isUseDPoPNonce(resp.StatusCode, resp.Header, respBody) {
		observeTokenRequest(grantType, "use_dpop_nonce", start)
		return nil, fmt.Errorf("%w: token endpoint %s", ErrUseDpopNonce, endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		slog.Warn("token request failed", "authServer", a.Meta.Issuer, "grantType", grantType, "statusCode", resp.StatusCode, "error", errResp.Error)
		observeTokenRequest(grantType, "error", start)
		return nil, fmt.Errorf("%w: token request failed: HTTP %d: %s", ErrProtocolError, resp.StatusCode, errResp.Error)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		observeTokenRequest(grantType, "error", start)
		return nil, fmt.Errorf("%w: token response failed to decode: %w", ErrProtocolError, err)
	}
	if !strings.EqualFold(tokenResp.TokenType, "DPoP") {
		observeTokenRequest(grantType, "error", start)
		return nil, fmt.Errorf("%w: expected DPoP token type, got %q", ErrProtocolError, tokenResp.TokenType)
	}
	observeTokenRequest(grantType, "success", start)
	return &tokenResp, nil
}

// verifyIssuerForDID re-derives the issuer for an account from scratch:
// resolve the DID, find its PDS, read the PDS protected resource
// metadata, and check the listed auth server against this agent's issuer.
// Returns the verified PDS origin.
func (a *ServerAgent) verifyIssuerForDID(ctx context.Context, did syntax.DID) (string, error) {
	ident, err := a.Resolver.Dir.LookupDID(ctx, did)
	if err != nil {
		return "", fmt.Errorf("resolving account identity: %w", err)
	}
	pdsURL := ident.PDSEndpoint()
	if pdsURL == "" {
		return "", fmt.Errorf("%w: identity %s does not declare a PDS endpoint", ErrTrustViolation, did)
	}
	origin, err := urlOrigin(pdsURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid PDS URL for %s", ErrTrustViolation, did)
	}
	issuer, err := a.Resolver.ResolveAuthServerURL(ctx, origin)
	if err != nil {
		return "", err
	}
	if issuer != a.Meta.Issuer {
		return "", fmt.Errorf("%w: account %s is served by issuer %s, not %s", ErrTrustViolation, did, issuer, a.Meta.Issuer)
	}
	return origin, nil
}

func (a *ServerAgent) tokenSetFromResponse(did syntax.DID, audience string, resp *TokenResponse) *TokenSet {
	ts := TokenSet{
		Issuer:       a.Meta.Issuer,
		AccountDID:   did,
		Audience:     audience,
		Scopes:       strings.Fields(resp.Scope),
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		ts.ExpiresAt = &t
	}
	return &ts
}

// ExchangeCode redeems an authorization code for tokens. redirectURI must
// be the exact URI used at authorize time.
//
// The returned `sub` account is verified after the exchange and before
// the response is trusted: the account's identity is resolved and its
// actual issuer must be this agent's issuer. On mismatch, the just-issued
// access token is revoked (best effort) and a trust violation returned;
// nothing from the response survives. The token set audience is the
// verified PDS origin, never anything the token response claimed.
func (a *ServerAgent) ExchangeCode(ctx context.Context, code, pkceVerifier, redirectURI string) (*TokenSet, error) {
	body := InitialTokenRequest{
		ClientID:     a.ClientID,
		RedirectURI:  redirectURI,
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: pkceVerifier,
	}
	resp, err := a.tokenRequest(ctx, body, "authorization_code")
	if err != nil {
		return nil, err
	}

	did, err := syntax.ParseDID(resp.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: token response sub is not a DID: %w", ErrProtocolError, err)
	}

	audience, err := a.verifyIssuerForDID(ctx, did)
	if err != nil {
		// the grant went through but the account is not served by this
		// issuer: burn the freshly issued token before reporting
		if revokeErr := a.Revoke(ctx, resp.AccessToken, "access_token"); revokeErr != nil {
			slog.Warn("failed to revoke token after issuer mismatch", "authServer", a.Meta.Issuer, "err", revokeErr)
		}
		return nil, err
	}

	return a.tokenSetFromResponse(did, audience, resp), nil
}

// Refresh exchanges the refresh token for a fresh token set. The issuer
// binding for the account is re-verified before the refresh token is sent
// anywhere.
func (a *ServerAgent) Refresh(ctx context.Context, ts *TokenSet) (*TokenSet, error) {
	audience, err := a.verifyIssuerForDID(ctx, ts.AccountDID)
	if err != nil {
		return nil, err
	}

	body := RefreshTokenRequest{
		ClientID:     a.ClientID,
		GrantType:    "refresh_token",
		RefreshToken: ts.RefreshToken,
	}
	resp, err := a.tokenRequest(ctx, body, "refresh_token")
	if err != nil {
		return nil, err
	}
	if resp.Subject != "" && resp.Subject != ts.AccountDID.String() {
		return nil, fmt.Errorf("%w: refresh response sub changed: %s", ErrTrustViolation, resp.Subject)
	}
	return a.tokenSetFromResponse(ts.AccountDID, audience, resp), nil
}

// Revoke asks the auth server to revoke a token. Revocation is best
// effort: servers without a revocation endpoint are skipped, and callers
// usually log and swallow the returned error.
func (a *ServerAgent) Revoke(ctx context.Context, token, hint string) error {
	if a.Meta.RevocationEndpoint == "" {
		return nil
	}
	body := RevokeTokenRequest{
		ClientID: a.ClientID,
		Token:    token,
	}
	if hint != "" {
		body.TokenTypeHint = &hint
	}
	vals, err := query.Values(body)
	if err != nil {
		return err
	}
	if err := a.Auth.apply(vals, a.ClientID, a.Meta.Issuer); err != nil {
		return err
	}

	endpoint := a.Meta.RevocationEndpoint
	// non-token endpoint: a nonce challenge gets exactly one retry
	for range 2 {
		dpopJWT, err := newDPoPProof(a.DPoPKey, "POST", endpoint, a.Nonces.Get(endpoint), "")
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBufferString(vals.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopJWT)

		resp, err := a.Client.Do(req)
		if err != nil {
			return err
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		nonceChallenge := isUseDPoPNonce(resp.StatusCode, resp.Header, respBody)
		a.Nonces.Update(endpoint, resp.Header.Get("DPoP-Nonce"))
		if nonceChallenge {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: revocation failed: HTTP %d", ErrProtocolError, resp.StatusCode)
		}
		return nil
	}
	return fmt.Errorf("%w: revocation endpoint %s", ErrUseDpopNonce, endpoint)
}
