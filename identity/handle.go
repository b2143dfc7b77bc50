package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/windrose-social/atoauth/syntax"
)

const maxWellKnownSize = 2 * 1024

// ResolveHandleDNS does the DNS TXT portion of handle resolution: a TXT
// lookup on `_atproto.<handle>` for a `did=` record. It does not
// cross-verify against the DID document.
func (d *BaseDirectory) ResolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	res, err := d.Resolver.LookupTXT(ctx, "_atproto."+handle.String())
	if err != nil {
		var dnsErr *net.DNSError
		if isNotFoundDNS(err, &dnsErr) {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, err)
	}

	for _, s := range res {
		if strings.HasPrefix(s, "did=") {
			did, err := syntax.ParseDID(s[4:])
			if err != nil {
				return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
			}
			return did, nil
		}
	}
	return "", ErrHandleNotFound
}

// ResolveHandleWellKnown does the HTTPS portion of handle resolution: a
// GET of `https://<handle>/.well-known/atproto-did`, expecting a bare DID
// as the response body.
func (d *BaseDirectory) ResolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("https://%s/.well-known/atproto-did", handle), nil)
	if err != nil {
		return "", err
	}

	resp, err := d.HTTPClient.Do(req)
	var dnsErr *net.DNSError
	if isNotFoundDNS(err, &dnsErr) {
		return "", ErrHandleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: HTTP well-known request: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrHandleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP well-known status %d", ErrHandleResolutionFailed, resp.StatusCode)
	}
	if resp.ContentLength > maxWellKnownSize {
		return "", fmt.Errorf("%w: HTTP well-known response too large", ErrHandleResolutionFailed)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxWellKnownSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading HTTP well-known response: %w", ErrHandleResolutionFailed, err)
	}
	line := strings.TrimSpace(string(b))
	did, err := syntax.ParseDID(line)
	if err != nil {
		return "", fmt.Errorf("%w: well-known body is not a DID: %w", ErrHandleResolutionFailed, err)
	}
	return did, nil
}

// ResolveHandle maps a handle to a DID, trying DNS TXT first and falling
// back to the HTTPS well-known route. This does not cross-verify against
// the DID document; use the Directory Lookup methods for that.
func (d *BaseDirectory) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	handle = handle.Normalize()
	if handle.IsInvalidHandle() {
		return "", ErrInvalidHandle
	}
	if !handle.AllowedTLD() {
		return "", ErrHandleReservedTLD
	}

	start := timeNow()
	did, dnsErr := d.ResolveHandleDNS(ctx, handle)
	if dnsErr == nil {
		observeHandleResolution("dns", nil, start)
		return did, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	did, httpErr := d.ResolveHandleWellKnown(ctx, handle)
	observeHandleResolution("wellknown", httpErr, start)
	if httpErr == nil {
		return did, nil
	}
	// prefer the not-found signal when both routes failed
	if httpErr == ErrHandleNotFound && dnsErr == ErrHandleNotFound {
		return "", ErrHandleNotFound
	}
	return "", httpErr
}

func isNotFoundDNS(err error, dnsErr **net.DNSError) bool {
	return err != nil && errors.As(err, dnsErr) && (*dnsErr).IsNotFound
}
