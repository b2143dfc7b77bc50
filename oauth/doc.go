/*
OAuth client implementation for atproto-style decentralized identity.

Feature set includes:

  - protected resource and auth server metadata resolution, with validation and caching
  - account identifier (handle or DID) to auth server resolution, with bidirectional identity checks
  - PKCE: computing and verifying S256 challenges
  - DPoP: proof JWT signing, per-origin server nonce tracking, and the nonce retry policy
  - PAR client submission
  - both public and confidential clients, with signed client assertion JWTs in the latter case
  - token exchange, refresh, and revocation against the auth server

Most client applications will use the high-level [ClientApp] and supporting
interfaces to manage login flows, session persistence, and token refreshes.
Lower-level components ([Resolver], [ServerAgent]) can be used in isolation.

Scopes are treated as opaque strings; this package does not interpret
atproto permissions or permission sets.

# Quickstart

Create a single [ClientApp] during service setup, shared (concurrently)
across all users and sessions:

	config := oauth.NewPublicConfig(
		"https://app.example.com/oauth/client-metadata.json",
		"https://app.example.com/oauth/callback",
		[]string{"atproto"},
	)

	// clients are "public" by default; with secure access to a secret
	// signing key they can be "confidential"
	if secretKeyMultibase != "" {
		priv, err := crypto.ParsePrivateMultibase(secretKeyMultibase)
		if err != nil {
			return err
		}
		if err := config.SetClientSecret(priv, "primary"); err != nil {
			return err
		}
	}

	app := oauth.NewClientApp(&config, oauth.NewMemStore())

For a real service, use a persistent [ClientAuthStore] (eg, the gormstore
subpackage) instead of [MemStore]; otherwise every user is logged out each
time the process restarts.

The login flow starts from a user-supplied account identifier (handle or
DID) or host URL. [ClientApp.StartAuthFlow] resolves the identifier, sends
the auth request to the server, persists flow state, and returns the URL to
redirect the user to:

	redirectURL, err := app.StartAuthFlow(ctx, username)
	if err != nil { ... }
	http.Redirect(w, r, redirectURL, http.StatusFound)

The service then handles the callback request on the configured endpoint
with [ClientApp.ProcessCallback], which consumes the persisted flow state,
exchanges the authorization code for tokens, verifies the issuer and
account identity, and persists the resulting session:

	data, err := app.ProcessCallback(ctx, r.URL.Query())
	if err != nil { ... }
	// web services might record the DID and session ID in a secure cookie
	_ = data.AccountDID

Finally, sessions are resumed to make authenticated requests against the
account's host:

	sess, err := app.ResumeSession(ctx, did, sessionID)
	if err != nil { ... }
	resp, err := sess.DoWithAuth(ctx, req)

[ClientSession] handles DPoP nonce updates and token refreshes, persisting
results back to the [ClientAuthStore].
*/
package oauth
