package oauth

import (
	"context"

	"github.com/windrose-social/atoauth/syntax"
)

// ClientAuthStore persists session data and in-flight auth request data
// for an OAuth client app.
//
// The interface supports multiple concurrent sessions per account (DID),
// distinguished by session ID. This matters for web app backends where
// one user may be logged in from several browsers or devices.
//
// Implementations must allow concurrent access. DeleteSession on a
// missing session is not an error. TakeAuthRequestInfo must be atomic:
// under concurrent calls with the same state token, exactly one caller
// receives the data and every other caller gets ErrAuthRequestNotFound.
type ClientAuthStore interface {
	GetSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSessionData, error)
	SaveSession(ctx context.Context, sess ClientSessionData) error
	DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error

	SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error

	// TakeAuthRequestInfo reads and deletes the request info for a state
	// token in one atomic step. Auth request state is single-use: the
	// callback that consumes it wins, a replay fails.
	TakeAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error)
}
