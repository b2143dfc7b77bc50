package oauth

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientConfig() ClientConfig {
	return NewPublicConfig(
		"https://app.example.com/client-metadata.json",
		"https://app.example.com/oauth/callback",
		[]string{"atproto"},
	)
}

func TestAuthFlowEndToEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)

	redirectURL, err := app.StartAuthFlow(ctx, "alice.example.com")
	require.NoError(t, err)

	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(env.meta.AuthorizationEndpoint, u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(config.ClientID, u.Query().Get("client_id"))
	assert.Equal(testRequestURI, u.Query().Get("request_uri"))

	env.mu.Lock()
	state := env.lastPARState
	env.mu.Unlock()
	require.NotEmpty(t, state)

	sessData, err := app.ProcessCallback(ctx, url.Values{
		"state": []string{state},
		"iss":   []string{env.meta.Issuer},
		"code":  []string{"code-123"},
	})
	require.NoError(t, err)
	assert.Equal(env.did, sessData.AccountDID)
	assert.NotEmpty(sessData.SessionID)
	assert.NotEmpty(sessData.AccessToken)
	assert.Equal(env.pds.URL, sessData.HostURL)

	sess, err := app.ResumeSession(ctx, sessData.AccountDID, sessData.SessionID)
	require.NoError(t, err)
	assert.Equal(env.did, sess.AccountDID())

	// authenticated resource server request carries the access token and a
	// DPoP proof bound to it
	req, err := http.NewRequest("GET", env.pds.URL+"/xrpc/com.example.test", nil)
	require.NoError(t, err)
	resp, err := sess.DoWithAuth(ctx, req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	env.mu.Lock()
	authHeader := env.lastResourceAuth
	proof := env.lastResourceProof
	env.mu.Unlock()
	accessToken, err := sess.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal("DPoP "+accessToken, authHeader)

	var claims dpopClaims
	_, _, err = jwt.NewParser().ParseUnverified(proof, &claims)
	require.NoError(t, err)
	assert.Equal("GET", claims.HTTPMethod)
	assert.Equal(env.pds.URL+"/xrpc/com.example.test", claims.TargetURI)
	require.NotNil(t, claims.AccessTokenHash)
	assert.Equal(S256CodeChallenge(accessToken), *claims.AccessTokenHash)
}

func TestCallbackStateSingleUse(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	info := AuthRequestData{
		State:                   "state-1",
		AuthServerIssuer:        env.meta.Issuer,
		AuthServerTokenEndpoint: env.meta.TokenEndpoint,
		Scopes:                  []string{"atproto"},
		RedirectURI:             config.CallbackURL,
		AppState:                "app-data-xyz",
		AuthMethod:              AuthMethodNone,
		PKCEVerifier:            "verifier-1",
		DPoPPrivateKeyMultibase: key.Multibase(),
	}
	require.NoError(t, app.Store.SaveAuthRequestInfo(ctx, info))

	// structured auth server error, with the app state carried through
	_, err = app.ProcessCallback(ctx, url.Values{
		"state":             []string{"state-1"},
		"error":             []string{"access_denied"},
		"error_description": []string{"user said no"},
	})
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal("access_denied", cbErr.ErrorCode)
	assert.Equal("app-data-xyz", cbErr.AppState)

	// the state token was consumed; a replay fails
	_, err = app.ProcessCallback(ctx, url.Values{
		"state": []string{"state-1"},
		"iss":   []string{env.meta.Issuer},
		"code":  []string{"code-123"},
	})
	assert.ErrorIs(err, ErrAuthRequestNotFound)
}

func TestCallbackSeedsStoredNonce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.parNonce = testDPoPNonce
	env.tokenNonceRequired = true
	config := testClientConfig()
	app := env.newApp(&config)

	_, err := app.StartAuthFlow(ctx, "alice.example.com")
	require.NoError(t, err)
	env.mu.Lock()
	state := env.lastPARState
	env.mu.Unlock()
	require.NotEmpty(t, state)

	// a separate process (fresh nonce cache, shared store) handles the
	// callback; the nonce recorded with the flow state carries it through
	second := env.newApp(&config)
	second.Store = app.Store
	sessData, err := second.ProcessCallback(ctx, url.Values{
		"state": []string{state},
		"iss":   []string{env.meta.Issuer},
		"code":  []string{"code-123"},
	})
	require.NoError(t, err)
	assert.Equal(env.did, sessData.AccountDID)
	// the exchange proof echoed the stored nonce, so no challenge round trip
	assert.Equal(1, env.tokenCount())
}

func TestCallbackIssuerMismatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	require.NoError(t, app.Store.SaveAuthRequestInfo(ctx, AuthRequestData{
		State:                   "state-2",
		AuthServerIssuer:        env.meta.Issuer,
		AuthServerTokenEndpoint: env.meta.TokenEndpoint,
		RedirectURI:             config.CallbackURL,
		AuthMethod:              AuthMethodNone,
		PKCEVerifier:            "verifier-1",
		DPoPPrivateKeyMultibase: key.Multibase(),
	}))

	_, err = app.ProcessCallback(ctx, url.Values{
		"state": []string{"state-2"},
		"iss":   []string{"https://evil.example.com"},
		"code":  []string{"code-123"},
	})
	assert.ErrorIs(err, ErrTrustViolation)
	assert.Equal(0, env.tokenCount())
}

func (env *testEnv) seedSession(t *testing.T, app *ClientApp, sessionID string) ClientSessionData {
	t.Helper()
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	expired := time.Now().Add(-time.Minute)
	data := ClientSessionData{
		AccountDID:              env.did,
		SessionID:               sessionID,
		HostURL:                 env.pds.URL,
		AuthServerIssuer:        env.meta.Issuer,
		Scopes:                  []string{"atproto"},
		AccessToken:             "stale-access",
		RefreshToken:            "stale-refresh",
		AccessExpiresAt:         &expired,
		AuthMethod:              AuthMethodNone,
		DPoPPrivateKeyMultibase: key.Multibase(),
	}
	require.NoError(t, app.Store.SaveSession(context.Background(), data))
	return data
}

func TestConcurrentRefreshCoalesced(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.tokenDelay = 100 * time.Millisecond
	config := testClientConfig()
	app := env.newApp(&config)
	env.seedSession(t, app, "sess-1")

	sess, err := app.ResumeSessionMode(ctx, env.did, "sess-1", RefreshNever)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = sess.RefreshTokens(ctx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(err)
	}
	// all eight callers shared a single token request
	assert.Equal(1, env.tokenCount())
	assert.NotEqual("stale-access", sess.Data.AccessToken)

	// the refreshed tokens were persisted
	stored, err := app.Store.GetSession(ctx, env.did, "sess-1")
	require.NoError(t, err)
	assert.Equal(sess.Data.AccessToken, stored.AccessToken)
	assert.Equal(sess.Data.RefreshToken, stored.RefreshToken)
}

func TestConcurrentRefreshAcrossInstances(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.tokenDelay = 100 * time.Millisecond
	config := testClientConfig()
	app := env.newApp(&config)
	env.seedSession(t, app, "sess-5")

	// one resumed instance per request is the normal web backend pattern
	sessA, err := app.ResumeSessionMode(ctx, env.did, "sess-5", RefreshNever)
	require.NoError(t, err)
	sessB, err := app.ResumeSessionMode(ctx, env.did, "sess-5", RefreshNever)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sess := range []*ClientSession{sessA, sessB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.RefreshTokens(ctx)
			assert.NoError(err)
		}()
	}
	wg.Wait()
	assert.Equal(1, env.tokenCount())

	// the coalesced instance adopted the rotated tokens too, so neither
	// instance is left holding the consumed refresh token
	assert.NotEqual("stale-access", sessA.Data.AccessToken)
	assert.Equal(sessA.Data.AccessToken, sessB.Data.AccessToken)
	assert.Equal(sessA.Data.RefreshToken, sessB.Data.RefreshToken)

	_, err = sessA.AccessToken(ctx)
	require.NoError(t, err)
	_, err = sessB.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(1, env.tokenCount())
}

func TestConcurrentCallbackSingleWinner(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)

	_, err := app.StartAuthFlow(ctx, "alice.example.com")
	require.NoError(t, err)
	env.mu.Lock()
	state := env.lastPARState
	env.mu.Unlock()
	require.NotEmpty(t, state)

	params := url.Values{
		"state": []string{state},
		"iss":   []string{env.meta.Issuer},
		"code":  []string{"code-123"},
	}

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = app.ProcessCallback(ctx, params)
		}()
	}
	wg.Wait()

	var wins, replays int
	for _, err := range results {
		if err == nil {
			wins++
		} else if assert.ErrorIs(err, ErrAuthRequestNotFound) {
			replays++
		}
	}
	// the state token is single use: exactly one callback exchanges the code
	assert.Equal(1, wins)
	assert.Equal(3, replays)
	assert.Equal(1, env.tokenCount())
}

func TestResumeSessionAutoRefresh(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)
	env.seedSession(t, app, "sess-2")

	sess, err := app.ResumeSession(ctx, env.did, "sess-2")
	require.NoError(t, err)
	assert.Equal(1, env.tokenCount())
	assert.NotEqual("stale-access", sess.Data.AccessToken)
	assert.False(sess.expired())
}

func TestResumeSessionCorruptedKey(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)

	data := env.seedSession(t, app, "sess-3")
	data.DPoPPrivateKeyMultibase = "not-a-multibase-key"
	require.NoError(t, app.Store.SaveSession(ctx, data))

	// key material is never regenerated: the session is torn down instead
	_, err := app.ResumeSession(ctx, env.did, "sess-3")
	assert.ErrorIs(err, ErrSessionKeyCorrupted)
	_, err = app.Store.GetSession(ctx, env.did, "sess-3")
	assert.ErrorIs(err, ErrSessionNotFound)
}

func TestRevokeSession(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	config := testClientConfig()
	app := env.newApp(&config)
	env.seedSession(t, app, "sess-4")

	require.NoError(t, app.RevokeSession(ctx, env.did, "sess-4"))
	// both the refresh and access tokens were revoked server-side
	assert.Equal(2, env.revokeCount())
	_, err := app.Store.GetSession(ctx, env.did, "sess-4")
	assert.ErrorIs(err, ErrSessionNotFound)

	// revoking an already-deleted session is not an error
	assert.NoError(app.RevokeSession(ctx, env.did, "sess-4"))
	assert.Equal(2, env.revokeCount())
}
