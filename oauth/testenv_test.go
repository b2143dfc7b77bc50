package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/windrose-social/atoauth/crypto"
	"github.com/windrose-social/atoauth/identity"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testDPoPNonce  = "server-nonce-1"
	testRequestURI = "urn:ietf:params:oauth:request_uri:req-123"
)

// testEnv runs a fake auth server and PDS on loopback, with a mock
// identity directory pointing one account at the fake PDS.
type testEnv struct {
	authServer *httptest.Server
	pds        *httptest.Server
	dir        identity.MockDirectory
	resolver   *Resolver
	meta       *AuthServerMetadata
	did        syntax.DID

	mu                  sync.Mutex
	subject             string
	tokenRequests       int
	revokeRequests      int
	parRequests         int
	lastPARState        string
	lastResourceAuth    string
	lastResourceProof   string
	tokenNonceRequired  bool
	revokeNonceRequired bool
	parNonce            string
	tokenDelay          time.Duration
	protectedResources  []string
	accessTokenCounter  int
}

func testAuthServerMetadata(issuer string) AuthServerMetadata {
	return AuthServerMetadata{
		Issuer:                             issuer,
		AuthorizationEndpoint:              issuer + "/oauth/authorize",
		TokenEndpoint:                      issuer + "/oauth/token",
		RevocationEndpoint:                 issuer + "/oauth/revoke",
		PushedAuthorizationRequestEndpoint: issuer + "/oauth/par",
		ResponseTypesSupported:             []string{"code"},
		GrantTypesSupported:                []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:      []string{"S256"},
		TokenEndpointAuthMethodsSupported:  []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		ScopesSupported: []string{"atproto", "transition:generic"},
		AuthorizationResponseISSParameterSupported: true,
		RequirePushedAuthorizationRequests:         true,
		DPoPSigningAlgValuesSupported:              []string{"ES256"},
		ClientIDMetadataDocumentSupported:          true,
	}
}

// proofNonce extracts the nonce claim from a request's DPoP proof header,
// without verifying the signature.
func proofNonce(r *http.Request) string {
	raw := r.Header.Get("DPoP")
	if raw == "" {
		return ""
	}
	var claims dpopClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return ""
	}
	if claims.Nonce == nil {
		return ""
	}
	return *claims.Nonce
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:     identity.NewMockDirectory(),
		subject: "did:plc:ewvi7nmx5dzsvkjqxhvqocal",
	}

	authMux := http.NewServeMux()
	authMux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		meta := testAuthServerMetadata(env.authServer.URL)
		env.mu.Lock()
		meta.ProtectedResources = env.protectedResources
		env.mu.Unlock()
		writeJSON(w, http.StatusOK, meta)
	})
	authMux.HandleFunc("/oauth/par", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		env.mu.Lock()
		env.parRequests++
		env.lastPARState = r.PostFormValue("state")
		parNonce := env.parNonce
		env.mu.Unlock()
		if parNonce != "" {
			w.Header().Set("DPoP-Nonce", parNonce)
		}
		writeJSON(w, http.StatusCreated, PushedAuthResponse{RequestURI: testRequestURI, ExpiresIn: 60})
	})
	authMux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.tokenRequests++
		delay := env.tokenDelay
		nonceRequired := env.tokenNonceRequired
		env.accessTokenCounter++
		n := env.accessTokenCounter
		sub := env.subject
		env.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if nonceRequired && proofNonce(r) != testDPoPNonce {
			w.Header().Set("DPoP-Nonce", testDPoPNonce)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{
			Subject:      sub,
			Scope:        "atproto",
			AccessToken:  fmt.Sprintf("access-%d", n),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
			TokenType:    "DPoP",
			ExpiresIn:    3600,
		})
	})
	authMux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.revokeRequests++
		nonceRequired := env.revokeNonceRequired
		env.mu.Unlock()

		if nonceRequired && proofNonce(r) != testDPoPNonce {
			w.Header().Set("DPoP-Nonce", testDPoPNonce)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	env.authServer = httptest.NewServer(authMux)
	t.Cleanup(env.authServer.Close)

	pdsMux := http.NewServeMux()
	pdsMux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
			Resource:             env.pds.URL,
			AuthorizationServers: []string{env.authServer.URL},
		})
	})
	pdsMux.HandleFunc("/xrpc/", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.lastResourceAuth = r.Header.Get("Authorization")
		env.lastResourceProof = r.Header.Get("DPoP")
		env.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	})
	env.pds = httptest.NewServer(pdsMux)
	t.Cleanup(env.pds.Close)

	env.did = syntax.DID(env.subject)
	env.dir.Insert(identity.Identity{
		DID:         env.did,
		Handle:      syntax.Handle("alice.example.com"),
		AlsoKnownAs: []string{"at://alice.example.com"},
		Services: map[string]identity.Service{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: env.pds.URL},
		},
	})

	env.resolver = NewResolver(&env.dir)
	meta, err := env.resolver.ResolveAuthServerMetadata(context.Background(), env.authServer.URL)
	require.NoError(t, err)
	env.meta = meta

	return env
}

func (env *testEnv) tokenCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.tokenRequests
}

func (env *testEnv) revokeCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.revokeRequests
}

func (env *testEnv) setSubject(sub string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.subject = sub
}

func (env *testEnv) newAgent(t *testing.T) *ServerAgent {
	t.Helper()
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	agent, err := NewServerAgent(env.resolver, env.meta, "https://app.example.com/client-metadata.json", ClientAuthNone(), key, NewNonceCache())
	require.NoError(t, err)
	return agent
}

func (env *testEnv) newApp(config *ClientConfig) *ClientApp {
	return &ClientApp{
		Config:   config,
		Store:    NewMemStore(),
		Resolver: env.resolver,
		Client:   env.pds.Client(),
		Nonces:   NewNonceCache(),
	}
}
