package oauth

import "errors"

var (
	// Metadata document fetched but failed validation.
	ErrInvalidAuthServerMetadata        = errors.New("invalid auth server metadata")
	ErrInvalidProtectedResourceMetadata = errors.New("invalid protected resource metadata")
	ErrInvalidClientMetadata            = errors.New("invalid client metadata doc")

	// Metadata could not be fetched at all (transport, status, redirect, or content-type).
	ErrMetadataResolutionFailed = errors.New("metadata resolution failed")

	// A cross-check between independently resolved facts failed: issuer
	// mismatch after token exchange, resource/auth-server binding mismatch,
	// or account identity inconsistency. Responses guarded by this error
	// must not be trusted or persisted.
	ErrTrustViolation = errors.New("trust violation")

	// The server returned a structured OAuth error, or a response that
	// does not conform to the protocol.
	ErrProtocolError = errors.New("oauth protocol error")

	// Token endpoint demanded a DPoP nonce. The nonce has been cached;
	// the caller decides whether to re-submit (grant requests must not be
	// blindly replayed).
	ErrUseDpopNonce = errors.New("server requires DPoP nonce")

	// No overlap between client capabilities and server supported auth
	// methods or signing algorithms.
	ErrAuthMethodUnsupported = errors.New("no mutually supported client auth method")

	// Persisted session references key material that can no longer be
	// parsed or an auth method the client can no longer satisfy. The
	// session is deleted; the account must re-authenticate.
	ErrSessionKeyCorrupted = errors.New("session credentials unusable")

	ErrSessionNotFound = errors.New("session not found")

	// Auth request state missing: expired, never existed, or already
	// consumed by a concurrent callback.
	ErrAuthRequestNotFound = errors.New("unknown auth request")
)

// CallbackError is the structured form of an OAuth error delivered via
// callback query parameters, surfaced when the auth server denied the
// request. AppState carries the application-level state recorded when the
// flow started, so callers can route the failure.
type CallbackError struct {
	ErrorCode   string
	Description string
	AppState    string
}

func (e *CallbackError) Error() string {
	if e.Description != "" {
		return "auth flow callback error: " + e.ErrorCode + ": " + e.Description
	}
	return "auth flow callback error: " + e.ErrorCode
}

func (e *CallbackError) Unwrap() error { return ErrProtocolError }
