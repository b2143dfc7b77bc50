package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/windrose-social/atoauth/syntax"
	"golang.org/x/time/rate"
)

// BaseDirectory does direct identity resolution on every call, with no
// caching. The zero value is usable.
type BaseDirectory struct {
	// PLCURL is the PLC directory to use for did:plc resolution; scheme,
	// hostname, and optional port, no path or trailing slash. Defaults to
	// [DefaultPLCURL] when empty.
	PLCURL string
	// PLCLimiter, if non-nil, rate-limits requests to the PLC directory.
	PLCLimiter *rate.Limiter
	// DIDWebLimitFunc, if non-nil, is called inline with did:web lookups
	// and can limit the number of requests to a given hostname.
	DIDWebLimitFunc func(ctx context.Context, hostname string) error
	// HTTPClient is used for did:web, did:plc, and well-known handle
	// resolution.
	HTTPClient http.Client
	// Resolver is used for DNS TXT handle resolution. Calling code can use
	// a custom Dialer to query a specific DNS server.
	Resolver net.Resolver
}

var _ Directory = (*BaseDirectory)(nil)

func (d *BaseDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandleMismatch, err)
	}
	if declared != h {
		// a handle-initiated lookup whose document does not claim the
		// handle back is a trust failure, not a degraded result
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	ident.Handle = declared
	return &ident, nil
}

func (d *BaseDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)

	// the document is trusted even when the handle is not: forward-resolve
	// the declared handle and only accept it on a round-trip match
	declared, err := ident.DeclaredHandle()
	if err != nil {
		ident.Handle = syntax.HandleInvalid
		return &ident, nil
	}
	resolvedDID, err := d.ResolveHandle(ctx, declared)
	if err != nil && !errors.Is(err, ErrHandleNotFound) && !errors.Is(err, ErrHandleReservedTLD) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ident.Handle = syntax.HandleInvalid
	} else if err != nil || resolvedDID != did {
		ident.Handle = syntax.HandleInvalid
	} else {
		ident.Handle = declared
	}
	return &ident, nil
}

func (d *BaseDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*Identity, error) {
	handle, err := a.AsHandle()
	if nil == err { // if *not* an error
		return d.LookupHandle(ctx, handle)
	}
	did, err := a.AsDID()
	if nil == err { // if *not* an error
		return d.LookupDID(ctx, did)
	}
	return nil, fmt.Errorf("identifier neither a Handle nor a DID")
}

func (d *BaseDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	return nil
}
