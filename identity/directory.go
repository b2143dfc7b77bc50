package identity

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/windrose-social/atoauth/syntax"
)

// Directory is the ergonomic interface for identity lookup, by DID or
// handle.
//
// The Lookup methods resolve both directions of the handle/DID binding and
// return a compact [Identity] struct. Callers should use these instead of
// resolving handles or DIDs separately.
//
// Looking up a handle which fails to resolve, or whose DID document does
// not declare it back, returns an error. Looking up a DID whose declared
// handle does not resolve back to the same DID succeeds, but the returned
// Identity carries the special `handle.invalid` sentinel.
//
// Example implementations: direct resolution on every call, an in-process
// caching layer, a shared network cache (eg, Redis).
type Directory interface {
	LookupHandle(ctx context.Context, handle syntax.Handle) (*Identity, error)
	LookupDID(ctx context.Context, did syntax.DID) (*Identity, error)
	Lookup(ctx context.Context, atid syntax.AtIdentifier) (*Identity, error)

	// Purge flushes any cache of the indicated identifier. Combined with a
	// subsequent Lookup this gives per-call cache bypass. Non-caching
	// directories ignore it.
	Purge(ctx context.Context, atid syntax.AtIdentifier) error
}

// Indicates that handle resolution failed (transport-level). A wrapped error may provide more context. Only returned when looking up a handle, not a DID.
var ErrHandleResolutionFailed = errors.New("handle resolution failed")

// Indicates that resolution completed successfully, but the handle does not exist. Only returned when looking up a handle, not a DID.
var ErrHandleNotFound = errors.New("handle not found")

// Indicates that resolution completed successfully, but the handle mapped to a different DID than the one which declared it. Only returned when looking up a handle: a handle-initiated lookup with a mismatched reverse claim fails outright.
var ErrHandleMismatch = errors.New("handle/DID mismatch")

// Indicates that the DID document did not declare any handle ("alsoKnownAs").
var ErrHandleNotDeclared = errors.New("DID document did not declare a handle")

// Handle top-level domain is one of the special "Reserved" suffixes, and not allowed for registration or resolution.
var ErrHandleReservedTLD = errors.New("handle top-level domain is disallowed")

// Indicates that resolution completed successfully, but the DID does not exist.
var ErrDIDNotFound = errors.New("DID not found")

// Indicates that the DID resolution process failed (transport-level). A wrapped error may provide more context.
var ErrDIDResolutionFailed = errors.New("DID resolution failed")

// Handle was invalid, in a situation where a valid handle is required.
var ErrInvalidHandle = errors.New("invalid handle")

// DefaultPLCURL is the public append-only directory used for did:plc
// resolution when no other URL is configured.
var DefaultPLCURL = "https://plc.directory"

// DefaultDirectory returns a reasonable caching Directory implementation
// for client applications.
func DefaultDirectory() Directory {
	base := BaseDirectory{
		PLCURL:     DefaultPLCURL,
		HTTPClient: *cleanhttp.DefaultPooledClient(),
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 3}
				return d.DialContext(ctx, network, address)
			},
		},
	}
	base.HTTPClient.Timeout = time.Second * 10
	cached := NewCacheDirectory(&base, 250_000, time.Hour*24, time.Hour*2, time.Minute*2, time.Minute*5)
	return &cached
}
