package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/windrose-social/atoauth/crypto"
	"github.com/windrose-social/atoauth/syntax"
)

// ClientSession is a resumed, usable auth session for one account: it
// holds the live tokens and the session's DPoP key, refreshes tokens when
// needed, and signs resource server requests.
//
// Safe for concurrent use. Concurrent refresh attempts for the same
// session are coalesced into a single token request.
type ClientSession struct {
	app     *ClientApp
	Data    *ClientSessionData
	dpopKey crypto.PrivateKey
	auth    ClientAuthMethod

	// guards the mutable token and nonce fields of Data
	lk sync.Mutex
}

func (s *ClientSession) AccountDID() syntax.DID {
	return s.Data.AccountDID
}

func (s *ClientSession) SessionID() string {
	return s.Data.SessionID
}

func (s *ClientSession) expired() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.Data.AccessExpiresAt == nil {
		return false
	}
	return time.Now().After(s.Data.AccessExpiresAt.Add(-30 * time.Second))
}

// tokenSet snapshots the current tokens as a TokenSet.
func (s *ClientSession) tokenSet() *TokenSet {
	s.lk.Lock()
	defer s.lk.Unlock()
	return &TokenSet{
		Issuer:       s.Data.AuthServerIssuer,
		AccountDID:   s.Data.AccountDID,
		Audience:     s.Data.HostURL,
		Scopes:       s.Data.Scopes,
		AccessToken:  s.Data.AccessToken,
		RefreshToken: s.Data.RefreshToken,
		ExpiresAt:    s.Data.AccessExpiresAt,
	}
}

// AccessToken returns a currently valid access token, refreshing first if
// the cached one has expired.
func (s *ClientSession) AccessToken(ctx context.Context) (string, error) {
	if s.expired() {
		if _, err := s.RefreshTokens(ctx); err != nil {
			return "", err
		}
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.Data.AccessToken, nil
}

// RefreshTokens exchanges the refresh token for a fresh token set and
// persists the update. Concurrent calls for the same session (keyed by
// DID and session ID) share one token request; the server sees a single
// use of the refresh token. This holds across separate [ClientSession]
// instances for the same session (eg, one resumed per request): every
// coalesced caller adopts the refreshed data, so no instance is left
// holding the consumed refresh token.
func (s *ClientSession) RefreshTokens(ctx context.Context) (*TokenSet, error) {
	key := s.Data.AccountDID.String() + "/" + s.Data.SessionID
	v, err, _ := s.app.refreshGroup.Do(key, func() (any, error) {
		data, err := s.refreshTokens(ctx)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	data := v.(ClientSessionData)
	s.lk.Lock()
	s.Data.AccessToken = data.AccessToken
	s.Data.RefreshToken = data.RefreshToken
	s.Data.AccessExpiresAt = data.AccessExpiresAt
	s.Data.Scopes = data.Scopes
	s.Data.DPoPAuthServerNonce = data.DPoPAuthServerNonce
	s.lk.Unlock()
	return s.tokenSet(), nil
}

// refreshTokens performs the actual token request and returns a snapshot
// of the updated session data.
func (s *ClientSession) refreshTokens(ctx context.Context) (ClientSessionData, error) {
	app := s.app
	meta, err := app.Resolver.ResolveAuthServerMetadata(ctx, s.Data.AuthServerIssuer)
	if err != nil {
		return ClientSessionData{}, err
	}
	app.Nonces.Update(meta.TokenEndpoint, s.Data.DPoPAuthServerNonce)

	agent, err := NewServerAgent(app.Resolver, meta, app.Config.ClientID, s.auth, s.dpopKey, app.Nonces)
	if err != nil {
		return ClientSessionData{}, err
	}

	tokens, err := agent.Refresh(ctx, s.tokenSet())
	if errors.Is(err, ErrUseDpopNonce) {
		// the refresh token was not consumed; one deliberate re-submit
		// with the freshly cached nonce
		tokens, err = agent.Refresh(ctx, s.tokenSet())
	}
	if err != nil {
		return ClientSessionData{}, err
	}

	s.lk.Lock()
	s.Data.AccessToken = tokens.AccessToken
	s.Data.RefreshToken = tokens.RefreshToken
	s.Data.AccessExpiresAt = tokens.ExpiresAt
	if len(tokens.Scopes) > 0 {
		s.Data.Scopes = tokens.Scopes
	}
	s.Data.DPoPAuthServerNonce = app.Nonces.Get(meta.TokenEndpoint)
	data := *s.Data
	s.lk.Unlock()

	if err := app.Store.SaveSession(ctx, data); err != nil {
		return ClientSessionData{}, fmt.Errorf("persisting refreshed session: %w", err)
	}
	return data, nil
}

// DoWithAuth sends an HTTP request to the resource server with DPoP
// authorization: the access token in the Authorization header and a
// fresh proof (bound to the token via `ath`) in the DPoP header. An
// expired access token is refreshed first. A DPoP nonce challenge from
// the server gets exactly one retry; a challenge on a request whose body
// can not be replayed is returned to the caller as-is.
func (s *ClientSession) DoWithAuth(ctx context.Context, req *http.Request) (*http.Response, error) {
	accessToken, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := req.URL.String()
	s.lk.Lock()
	nonce := s.Data.DPoPHostNonce
	s.lk.Unlock()
	if nonce == "" {
		nonce = s.app.Nonces.Get(endpoint)
	}

	for range 2 {
		proof, err := newDPoPProof(s.dpopKey, req.Method, endpoint, nonce, accessToken)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "DPoP "+accessToken)
		req.Header.Set("DPoP", proof)

		resp, err := s.app.Client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}

		if fresh := resp.Header.Get("DPoP-Nonce"); fresh != "" && fresh != nonce {
			nonce = fresh
			s.app.Nonces.Update(endpoint, fresh)
			s.saveHostNonce(ctx, fresh)
		}

		// resource servers signal the nonce challenge via WWW-Authenticate,
		// so the body does not need to be consumed here
		if !isUseDPoPNonce(resp.StatusCode, resp.Header, nil) {
			return resp, nil
		}
		if req.Body != nil && req.GetBody == nil {
			// can not replay the request body
			return resp, nil
		}
		resp.Body.Close()
		if req.GetBody != nil {
			req.Body, err = req.GetBody()
			if err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: resource server %s", ErrUseDpopNonce, endpoint)
}

// saveHostNonce persists an updated resource server nonce so the next
// resumed session starts with it. Persistence failures are logged, not
// fatal: the nonce is a freshness hint, not session state.
func (s *ClientSession) saveHostNonce(ctx context.Context, nonce string) {
	s.lk.Lock()
	s.Data.DPoPHostNonce = nonce
	data := *s.Data
	s.lk.Unlock()

	if err := s.app.Store.SaveSession(ctx, data); err != nil {
		slog.Warn("failed to persist updated DPoP nonce", "did", data.AccountDID, "err", err)
	}
}
