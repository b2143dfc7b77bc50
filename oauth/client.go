package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/crypto"
	"github.com/windrose-social/atoauth/identity"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/singleflight"
)

// upper bound on a direct (non-PAR) authorization redirect URL; longer
// URLs are an error, never truncated
const maxAuthRedirectURLLength = 2048

// RefreshMode controls token refresh behavior when resuming a session.
type RefreshMode int

const (
	// RefreshAuto refreshes only when the access token is expired.
	RefreshAuto RefreshMode = iota
	// RefreshForce always refreshes.
	RefreshForce
	// RefreshNever returns the session as persisted, even if expired.
	RefreshNever
)

// ClientApp is the high-level OAuth client: one instance per service,
// shared concurrently across all users, flows, and sessions.
type ClientApp struct {
	Config   *ClientConfig
	Store    ClientAuthStore
	Resolver *Resolver

	// Client is used for resource server requests (see
	// [ClientSession.DoWithAuth]); metadata and token requests go through
	// the Resolver's client.
	Client *http.Client

	// Nonces tracks the most recent server DPoP nonce per origin, across
	// all sessions.
	Nonces *NonceCache

	refreshGroup singleflight.Group
}

// NewClientApp assembles a client app with default identity resolution
// and HTTP configuration.
func NewClientApp(config *ClientConfig, store ClientAuthStore) *ClientApp {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	return &ClientApp{
		Config:   config,
		Store:    store,
		Resolver: NewResolver(identity.DefaultDirectory()),
		Client:   client,
		Nonces:   NewNonceCache(),
	}
}

// AuthFlowOptions are the per-flow knobs for [ClientApp.StartAuthFlowOpts].
// The zero value uses the config defaults.
type AuthFlowOptions struct {
	// Scopes overrides the config's default scope request.
	Scopes []string

	// RedirectURI selects a redirect URI other than the config default.
	// Must be one of the client's registered redirect URIs.
	RedirectURI string

	// AppState is opaque application data carried through the flow and
	// returned from the callback (including on structured auth errors).
	// Not to be confused with the OAuth `state` token, which this package
	// always generates fresh.
	AppState string
}

// StartAuthFlow begins a login flow for a user-supplied identifier (a
// handle, DID, or server URL) using the config defaults, returning the
// URL to redirect the user to.
func (app *ClientApp) StartAuthFlow(ctx context.Context, identifier string) (string, error) {
	return app.StartAuthFlowOpts(ctx, identifier, AuthFlowOptions{})
}

// StartAuthFlowOpts begins a login flow: resolves the identifier to an
// auth server, negotiates client auth, generates fresh per-flow secrets
// (PKCE verifier and DPoP key), sends the auth request (PAR when the
// server advertises it), persists the flow state, and returns the
// authorization redirect URL.
func (app *ClientApp) StartAuthFlowOpts(ctx context.Context, identifier string, opts AuthFlowOptions) (string, error) {
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = app.Config.Scopes
	}
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = app.Config.CallbackURL
	} else if !slices.Contains(app.Config.ClientMetadata().RedirectURIs, redirectURI) {
		return "", fmt.Errorf("redirect URI %s is not registered for this client", redirectURI)
	}

	target, err := app.Resolver.ResolveAuthFlowTarget(ctx, identifier)
	if err != nil {
		return "", err
	}
	meta := target.AuthServer

	authMethod, err := app.Config.AuthMethod(meta.TokenEndpointAuthMethodsSupported)
	if err != nil {
		return "", err
	}

	// fresh DPoP key per flow; it becomes the session binding key
	dpopKey, err := crypto.GeneratePrivateKeyP256()
	if err != nil {
		return "", err
	}
	if _, err := negotiateDPoPAlg(dpopKey, meta.DPoPSigningAlgValuesSupported); err != nil {
		return "", err
	}

	state := randomNonce()
	pkceVerifier := newPKCEVerifier()

	var loginHint *string
	if target.AccountDID != nil {
		loginHint = &identifier
	}

	parBody := PushedAuthRequest{
		ClientID:            app.Config.ClientID,
		State:               state,
		RedirectURI:         redirectURI,
		Scope:               strings.Join(scopes, " "),
		LoginHint:           loginHint,
		ResponseType:        "code",
		CodeChallenge:       S256CodeChallenge(pkceVerifier),
		CodeChallengeMethod: "S256",
	}

	info := AuthRequestData{
		State:                   state,
		AuthServerIssuer:        meta.Issuer,
		AuthServerTokenEndpoint: meta.TokenEndpoint,
		AccountDID:              target.AccountDID,
		Scopes:                  scopes,
		RedirectURI:             redirectURI,
		AppState:                opts.AppState,
		AuthMethod:              authMethod.Method,
		PKCEVerifier:            pkceVerifier,
		DPoPPrivateKeyMultibase: dpopKey.Multibase(),
	}
	if target.HostURL != "" {
		info.HostURL = &target.HostURL
	}

	var redirectURL string
	if meta.PushedAuthorizationRequestEndpoint != "" {
		requestURI, dpopNonce, err := app.sendPushedAuthRequest(ctx, meta, authMethod, dpopKey, parBody)
		if err != nil {
			return "", err
		}
		info.DPoPAuthServerNonce = dpopNonce
		params := url.Values{
			"client_id":   []string{app.Config.ClientID},
			"request_uri": []string{requestURI},
		}
		redirectURL = meta.AuthorizationEndpoint + "?" + params.Encode()
		authFlowsStarted.WithLabelValues("par").Inc()
	} else {
		vals, err := query.Values(parBody)
		if err != nil {
			return "", err
		}
		if err := authMethod.apply(vals, app.Config.ClientID, meta.Issuer); err != nil {
			return "", err
		}
		redirectURL = meta.AuthorizationEndpoint + "?" + vals.Encode()
		if len(redirectURL) > maxAuthRedirectURLLength {
			return "", fmt.Errorf("authorization URL exceeds %d bytes; server does not support PAR", maxAuthRedirectURLLength)
		}
		authFlowsStarted.WithLabelValues("direct").Inc()
	}

	if err := app.Store.SaveAuthRequestInfo(ctx, info); err != nil {
		return "", fmt.Errorf("persisting auth request state: %w", err)
	}

	slog.Info("auth flow started", "authServer", meta.Issuer, "scope", parBody.Scope, "authMethod", authMethod.Method)
	return redirectURL, nil
}

// sendPushedAuthRequest submits the PAR request. PAR is not a grant
// endpoint, so a DPoP nonce challenge gets exactly one retry.
func (app *ClientApp) sendPushedAuthRequest(ctx context.Context, meta *AuthServerMetadata, authMethod ClientAuthMethod, dpopKey crypto.PrivateKey, body PushedAuthRequest) (string, string, error) {
	vals, err := query.Values(body)
	if err != nil {
		return "", "", err
	}
	if err := authMethod.apply(vals, app.Config.ClientID, meta.Issuer); err != nil {
		return "", "", err
	}
	bodyBytes := []byte(vals.Encode())

	endpoint := meta.PushedAuthorizationRequestEndpoint
	dpopNonce := app.Nonces.Get(endpoint)

	for range 2 {
		dpopJWT, err := newDPoPProof(dpopKey, "POST", endpoint, dpopNonce, "")
		if err != nil {
			return "", "", err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(bodyBytes))
		if err != nil {
			return "", "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopJWT)

		resp, err := app.Resolver.Client.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("PAR request: %w", err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		resp.Body.Close()
		if err != nil {
			return "", "", fmt.Errorf("PAR request: reading response: %w", err)
		}

		if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
			dpopNonce = nonce
			app.Nonces.Update(endpoint, nonce)
		}
		if isUseDPoPNonce(resp.StatusCode, resp.Header, respBody) {
			continue
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			var errResp struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(respBody, &errResp)
			slog.Warn("PAR request failed", "authServer", meta.Issuer, "statusCode", resp.StatusCode, "error", errResp.Error)
			return "", "", fmt.Errorf("%w: auth request (PAR) failed: HTTP %d: %s", ErrProtocolError, resp.StatusCode, errResp.Error)
		}

		var parResp PushedAuthResponse
		if err := json.Unmarshal(respBody, &parResp); err != nil {
			return "", "", fmt.Errorf("%w: auth request (PAR) response failed to decode: %w", ErrProtocolError, err)
		}
		if parResp.RequestURI == "" {
			return "", "", fmt.Errorf("%w: auth request (PAR) response missing request_uri", ErrProtocolError)
		}
		return parResp.RequestURI, dpopNonce, nil
	}
	return "", "", fmt.Errorf("%w: PAR endpoint %s", ErrUseDpopNonce, endpoint)
}

// ProcessCallback handles the authorization redirect back from the auth
// server: it consumes the persisted flow state (exactly once; a replayed
// state token fails), verifies the `iss` parameter, exchanges the code,
// checks account consistency, and persists the resulting session.
func (app *ClientApp) ProcessCallback(ctx context.Context, params url.Values) (*ClientSessionData, error) {
	data, err := app.processCallback(ctx, params)
	if err != nil {
		callbacksProcessed.WithLabelValues("error").Inc()
		return nil, err
	}
	callbacksProcessed.WithLabelValues("success").Inc()
	return data, nil
}

func (app *ClientApp) processCallback(ctx context.Context, params url.Values) (*ClientSessionData, error) {
	state := params.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%w: callback missing state parameter", ErrProtocolError)
	}

	// single use: take-and-delete before anything touches the network, so
	// a concurrent duplicate callback can not race the exchange
	info, err := app.Store.TakeAuthRequestInfo(ctx, state)
	if err != nil {
		return nil, err
	}

	if errCode := params.Get("error"); errCode != "" {
		return nil, &CallbackError{
			ErrorCode:   errCode,
			Description: params.Get("error_description"),
			AppState:    info.AppState,
		}
	}

	iss := params.Get("iss")
	if iss == "" {
		return nil, fmt.Errorf("%w: callback missing iss parameter", ErrProtocolError)
	}
	if iss != info.AuthServerIssuer {
		return nil, fmt.Errorf("%w: callback iss %s does not match expected issuer %s", ErrTrustViolation, iss, info.AuthServerIssuer)
	}

	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: callback missing code parameter", ErrProtocolError)
	}

	// the nonce from the auth request (PAR) seeds the cache via the token
	// endpoint recorded at request time, independent of the metadata fetch
	app.Nonces.Update(info.AuthServerTokenEndpoint, info.DPoPAuthServerNonce)

	meta, err := app.Resolver.ResolveAuthServerMetadata(ctx, info.AuthServerIssuer)
	if err != nil {
		return nil, err
	}
	dpopKey, err := crypto.ParsePrivateMultibase(info.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionKeyCorrupted, err)
	}
	authMethod, err := app.Config.authMethodByName(info.AuthMethod)
	if err != nil {
		return nil, err
	}

	agent, err := NewServerAgent(app.Resolver, meta, app.Config.ClientID, authMethod, dpopKey, app.Nonces)
	if err != nil {
		return nil, err
	}

	tokens, err := agent.ExchangeCode(ctx, code, info.PKCEVerifier, info.RedirectURI)
	if errors.Is(err, ErrUseDpopNonce) {
		// the grant was not consumed; one deliberate re-submit with the
		// freshly cached nonce
		tokens, err = agent.ExchangeCode(ctx, code, info.PKCEVerifier, info.RedirectURI)
	}
	if err != nil {
		return nil, err
	}

	if info.AccountDID != nil && *info.AccountDID != tokens.AccountDID {
		if revokeErr := agent.Revoke(ctx, tokens.RefreshToken, "refresh_token"); revokeErr != nil {
			slog.Warn("failed to revoke tokens after account mismatch", "err", revokeErr)
		}
		return nil, fmt.Errorf("%w: token response account %s does not match login identifier account %s", ErrTrustViolation, tokens.AccountDID, *info.AccountDID)
	}

	sessData := ClientSessionData{
		AccountDID:              tokens.AccountDID,
		SessionID:               randomNonce(),
		HostURL:                 tokens.Audience,
		AuthServerIssuer:        tokens.Issuer,
		Scopes:                  tokens.Scopes,
		AccessToken:             tokens.AccessToken,
		RefreshToken:            tokens.RefreshToken,
		AccessExpiresAt:         tokens.ExpiresAt,
		AuthMethod:              info.AuthMethod,
		DPoPAuthServerNonce:     app.Nonces.Get(meta.TokenEndpoint),
		DPoPPrivateKeyMultibase: info.DPoPPrivateKeyMultibase,
	}
	if err := app.Store.SaveSession(ctx, sessData); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	slog.Info("auth flow completed", "did", sessData.AccountDID, "authServer", sessData.AuthServerIssuer)
	return &sessData, nil
}

// ResumeSession loads a persisted session, refreshing tokens if the
// access token has expired (RefreshAuto).
func (app *ClientApp) ResumeSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSession, error) {
	return app.ResumeSessionMode(ctx, did, sessionID, RefreshAuto)
}

// ResumeSessionMode loads a persisted session with explicit refresh
// behavior.
//
// If the persisted DPoP key can not be parsed, or the persisted auth
// method can no longer be satisfied by the client config, the session is
// unusable and unrecoverable: it is deleted and a terminal error
// returned. Key material is never regenerated for an existing session.
func (app *ClientApp) ResumeSessionMode(ctx context.Context, did syntax.DID, sessionID string, mode RefreshMode) (*ClientSession, error) {
	data, err := app.Store.GetSession(ctx, did, sessionID)
	if err != nil {
		return nil, err
	}

	dpopKey, err := crypto.ParsePrivateMultibase(data.DPoPPrivateKeyMultibase)
	if err != nil {
		if delErr := app.Store.DeleteSession(ctx, did, sessionID); delErr != nil {
			slog.Error("failed to delete corrupted session", "did", did, "err", delErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionKeyCorrupted, err)
	}
	authMethod, err := app.Config.authMethodByName(data.AuthMethod)
	if err != nil {
		if delErr := app.Store.DeleteSession(ctx, did, sessionID); delErr != nil {
			slog.Error("failed to delete unusable session", "did", did, "err", delErr)
		}
		return nil, err
	}

	sess := &ClientSession{
		app:     app,
		Data:    data,
		dpopKey: dpopKey,
		auth:    authMethod,
	}

	switch mode {
	case RefreshNever:
	case RefreshForce:
		if _, err := sess.RefreshTokens(ctx); err != nil {
			return nil, err
		}
	case RefreshAuto:
		if sess.expired() {
			if _, err := sess.RefreshTokens(ctx); err != nil {
				return nil, err
			}
		}
	}
	return sess, nil
}

// RevokeSession logs an account out: best-effort server-side revocation
// of both tokens, then unconditional removal of the local session.
func (app *ClientApp) RevokeSession(ctx context.Context, did syntax.DID, sessionID string) error {
	data, err := app.Store.GetSession(ctx, did, sessionID)
	if err == nil {
		app.revokeTokens(ctx, data)
	}
	return app.Store.DeleteSession(ctx, did, sessionID)
}

func (app *ClientApp) revokeTokens(ctx context.Context, data *ClientSessionData) {
	meta, err := app.Resolver.ResolveAuthServerMetadata(ctx, data.AuthServerIssuer)
	if err != nil {
		slog.Warn("skipping token revocation", "authServer", data.AuthServerIssuer, "err", err)
		return
	}
	dpopKey, err := crypto.ParsePrivateMultibase(data.DPoPPrivateKeyMultibase)
	if err != nil {
		return
	}
	authMethod, err := app.Config.authMethodByName(data.AuthMethod)
	if err != nil {
		return
	}
	agent, err := NewServerAgent(app.Resolver, meta, app.Config.ClientID, authMethod, dpopKey, app.Nonces)
	if err != nil {
		return
	}
	if err := agent.Revoke(ctx, data.RefreshToken, "refresh_token"); err != nil {
		slog.Warn("refresh token revocation failed", "authServer", data.AuthServerIssuer, "err", err)
	}
	if err := agent.Revoke(ctx, data.AccessToken, "access_token"); err != nil {
		slog.Warn("access token revocation failed", "authServer", data.AuthServerIssuer, "err", err)
	}
}
