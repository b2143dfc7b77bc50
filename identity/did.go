package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"

	"github.com/windrose-social/atoauth/syntax"
)

// did:plc identifiers are exactly 24 characters of base32 (RFC 4648
// lower-case alphabet, no padding)
var plcIdentifierRegex = regexp.MustCompile(`^[a-z2-7]{24}$`)

const maxDIDDocumentSize = 64 * 1024

// ValidatePLCDID checks the structural rules for the did:plc method:
// fixed-length, fixed-alphabet identifier. This runs before any network
// request, so malformed identifiers never hit the directory.
func ValidatePLCDID(did syntax.DID) error {
	if did.Method() != "plc" {
		return fmt.Errorf("expected a did:plc, got: %s", did)
	}
	if !plcIdentifierRegex.MatchString(did.Identifier()) {
		return fmt.Errorf("%w: did:plc identifier must be 24 chars of base32", ErrDIDResolutionFailed)
	}
	return nil
}

// ResolveDIDPLC fetches a DID document from a PLC directory instance.
// plcURL should have scheme, hostname, and optional port; no path or
// trailing slash.
func (d *BaseDirectory) ResolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if err := ValidatePLCDID(did); err != nil {
		return nil, err
	}

	plcURL := d.PLCURL
	if plcURL == "" {
		plcURL = DefaultPLCURL
	}
	if d.PLCLimiter != nil {
		if err := d.PLCLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", plcURL+"/"+did.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: PLC directory lookup: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: PLC directory status %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	return parseDIDDocument(resp.Body, did)
}

// ResolveDIDWeb resolves a did:web by converting the identifier to an
// HTTPS well-known path and fetching the document.
func (d *BaseDirectory) ResolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if did.Method() != "web" {
		return nil, fmt.Errorf("expected a did:web, got: %s", did)
	}
	hostname := did.Identifier()
	handle, err := syntax.ParseHandle(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	if !handle.AllowedTLD() {
		return nil, fmt.Errorf("%w: did:web hostname has disallowed TLD: %s", ErrDIDResolutionFailed, hostname)
	}

	if d.DIDWebLimitFunc != nil {
		if err := d.DIDWebLimitFunc(ctx, hostname); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", "https://"+hostname+"/.well-known/did.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.HTTPClient.Do(req)
	// look for NXDOMAIN
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil, ErrDIDNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: did:web well-known fetch: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: did:web well-known status %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	return parseDIDDocument(resp.Body, did)
}

// ResolveDID does direct DID-to-document resolution for the supported DID
// methods. It does *not* verify the handle/DID binding; use the Directory
// Lookup methods for that.
func (d *BaseDirectory) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	start := timeNow()
	var doc *DIDDocument
	var err error
	switch did.Method() {
	case "plc":
		doc, err = d.ResolveDIDPLC(ctx, did)
	case "web":
		doc, err = d.ResolveDIDWeb(ctx, did)
	default:
		return nil, fmt.Errorf("%w: DID method not supported: %s", ErrDIDResolutionFailed, did.Method())
	}
	observeDIDResolution(did.Method(), err, start)
	return doc, err
}

func parseDIDDocument(r io.Reader, did syntax.DID) (*DIDDocument, error) {
	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(r, maxDIDDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing DID document JSON: %w", ErrDIDResolutionFailed, err)
	}
	// the document must be about the DID it was fetched for
	if doc.DID != did {
		return nil, fmt.Errorf("%w: document subject (%s) does not match requested DID (%s)", ErrDIDResolutionFailed, doc.DID, did)
	}
	return &doc, nil
}
