package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/windrose-social/atoauth/oauth"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	return store
}

func TestColumnNamesMatchQueries(t *testing.T) {
	assert := assert.New(t)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	_, err = New(db)
	require.NoError(t, err)

	cols := func(model any) map[string]bool {
		types, err := db.Migrator().ColumnTypes(model)
		require.NoError(t, err)
		out := make(map[string]bool, len(types))
		for _, ct := range types {
			out[ct.Name()] = true
		}
		return out
	}

	// the acronym-heavy fields must migrate to the exact column names that
	// the query fragments and the upsert conflict target reference
	sessionCols := cols(&Session{})
	for _, name := range []string{"account_did", "session_id", "dpop_authserver_nonce", "dpop_host_nonce", "dpop_privatekey_multibase"} {
		assert.True(sessionCols[name], name)
	}
	requestCols := cols(&AuthRequest{})
	for _, name := range []string{"state", "account_did", "pkce_verifier", "dpop_authserver_nonce", "dpop_privatekey_multibase"} {
		assert.True(requestCols[name], name)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)
	did := syntax.DID("did:plc:ewvi7nmx5dzsvkjqxhvqocal")

	_, err := store.GetSession(ctx, did, "s1")
	assert.ErrorIs(err, oauth.ErrSessionNotFound)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	data := oauth.ClientSessionData{
		AccountDID:              did,
		SessionID:               "s1",
		HostURL:                 "https://pds.example.com",
		AuthServerIssuer:        "https://auth.example.com",
		Scopes:                  []string{"atproto", "transition:generic"},
		AccessToken:             "access-1",
		RefreshToken:            "refresh-1",
		AccessExpiresAt:         &expires,
		AuthMethod:              "none",
		DPoPAuthServerNonce:     "nonce-a",
		DPoPHostNonce:           "nonce-h",
		DPoPPrivateKeyMultibase: "z42twirSb1PULt5Sg6gjgNi5vMZxyjmkU9omGYzLmB5rrDA5",
	}
	require.NoError(t, store.SaveSession(ctx, data))

	got, err := store.GetSession(ctx, did, "s1")
	require.NoError(t, err)
	assert.Equal(data.AccountDID, got.AccountDID)
	assert.Equal(data.Scopes, got.Scopes)
	assert.Equal(data.AccessToken, got.AccessToken)
	assert.Equal(data.DPoPPrivateKeyMultibase, got.DPoPPrivateKeyMultibase)
	require.NotNil(t, got.AccessExpiresAt)
	assert.WithinDuration(expires, *got.AccessExpiresAt, time.Second)

	// save is an upsert: refresh overwrites tokens in place
	data.AccessToken = "access-2"
	data.RefreshToken = "refresh-2"
	require.NoError(t, store.SaveSession(ctx, data))
	got, err = store.GetSession(ctx, did, "s1")
	require.NoError(t, err)
	assert.Equal("access-2", got.AccessToken)
	assert.Equal("refresh-2", got.RefreshToken)

	// second session for the same account is independent
	data.SessionID = "s2"
	data.AccessToken = "access-other"
	require.NoError(t, store.SaveSession(ctx, data))
	got, err = store.GetSession(ctx, did, "s1")
	require.NoError(t, err)
	assert.Equal("access-2", got.AccessToken)

	require.NoError(t, store.DeleteSession(ctx, did, "s1"))
	_, err = store.GetSession(ctx, did, "s1")
	assert.ErrorIs(err, oauth.ErrSessionNotFound)
	// delete is idempotent
	assert.NoError(store.DeleteSession(ctx, did, "s1"))
	// the other session survives
	_, err = store.GetSession(ctx, did, "s2")
	assert.NoError(err)
}

func TestAuthRequestTake(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := testStore(t)
	did := syntax.DID("did:plc:ewvi7nmx5dzsvkjqxhvqocal")

	info := oauth.AuthRequestData{
		State:                   "st-1",
		AuthServerIssuer:        "https://auth.example.com",
		AuthServerTokenEndpoint: "https://auth.example.com/oauth/token",
		AccountDID:              &did,
		Scopes:                  []string{"atproto"},
		RedirectURI:             "https://app.example.com/oauth/callback",
		AppState:                "app-xyz",
		AuthMethod:              "none",
		PKCEVerifier:            "verifier-1",
		DPoPAuthServerNonce:     "nonce-1",
		DPoPPrivateKeyMultibase: "z42twirSb1PULt5Sg6gjgNi5vMZxyjmkU9omGYzLmB5rrDA5",
	}
	require.NoError(t, store.SaveAuthRequestInfo(ctx, info))

	got, err := store.TakeAuthRequestInfo(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(info.State, got.State)
	assert.Equal(info.PKCEVerifier, got.PKCEVerifier)
	assert.Equal(info.AppState, got.AppState)
	require.NotNil(t, got.AccountDID)
	assert.Equal(did, *got.AccountDID)

	// single use: the second take fails
	_, err = store.TakeAuthRequestInfo(ctx, "st-1")
	assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)

	_, err = store.TakeAuthRequestInfo(ctx, "never-existed")
	assert.ErrorIs(err, oauth.ErrAuthRequestNotFound)
}
