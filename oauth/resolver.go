package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/identity"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	maxMetadataSize  = 64 * 1024
	metadataCacheTTL = 10 * time.Minute
	metadataCacheCap = 5_000
)

var errNoRedirects = errors.New("redirects not allowed for metadata fetches")

// Resolver locates and validates OAuth metadata documents: protected
// resource metadata on hosts (eg, PDS instances), auth server metadata on
// issuers, and client metadata documents. It composes an
// [identity.Directory] so auth flows can start from an account identifier.
//
// Fetched metadata is cached per-origin with a TTL. Resolution does no
// SSRF filtering itself; deployments resolving untrusted input should
// install an outbound-filtering transport on Client.
type Resolver struct {
	Client *http.Client
	Dir    identity.Directory

	authServerCache *expirable.LRU[string, AuthServerMetadata]
	resourceCache   *expirable.LRU[string, ProtectedResourceMetadata]
}

// AuthFlowTarget is the result of resolving a login identifier: where to
// send the auth request, and what is known about the account so far.
type AuthFlowTarget struct {
	AuthServer *AuthServerMetadata

	// Origin URL of the resource server, when known. Empty when the
	// identifier was an auth server URL directly.
	HostURL string

	// Resolved account DID, when the flow started from a handle or DID.
	AccountDID *syntax.DID
}

func NewResolver(dir identity.Directory) *Resolver {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 10 * time.Second
	// a metadata document behind a redirect is not trusted: the origin
	// equality checks would no longer mean anything
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return errNoRedirects
	}
	return &Resolver{
		Client:          client,
		Dir:             dir,
		authServerCache: expirable.NewLRU[string, AuthServerMetadata](metadataCacheCap, nil, metadataCacheTTL),
		resourceCache:   expirable.NewLRU[string, ProtectedResourceMetadata](metadataCacheCap, nil, metadataCacheTTL),
	}
}

// fetchJSON fetches a well-known metadata document with the strict rules
// shared by all metadata types: no redirects, HTTP 200 only, JSON content
// type, bounded body size.
func (r *Resolver) fetchJSON(ctx context.Context, fetchURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", fetchURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		if errors.Is(err, errNoRedirects) {
			return fmt.Errorf("%w: server redirected metadata request: %s", ErrMetadataResolutionFailed, fetchURL)
		}
		return fmt.Errorf("%w: %w", ErrMetadataResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d from %s", ErrMetadataResolutionFailed, resp.StatusCode, fetchURL)
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, _ := strings.Cut(ct, ";"); strings.TrimSpace(mt) != "application/json" {
		return fmt.Errorf("%w: unexpected content type %q from %s", ErrMetadataResolutionFailed, ct, fetchURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", ErrMetadataResolutionFailed, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parsing JSON: %w", ErrMetadataResolutionFailed, err)
	}
	return nil
}

// ResolveProtectedResourceMetadata fetches and validates the OAuth
// protected resource metadata for a host (eg, PDS) origin URL.
func (r *Resolver) ResolveProtectedResourceMetadata(ctx context.Context, hostURL string) (*ProtectedResourceMetadata, error) {
	origin, err := urlOrigin(hostURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid host URL: %w", ErrMetadataResolutionFailed, err)
	}
	if cached, ok := r.resourceCache.Get(origin); ok {
		return &cached, nil
	}

	var meta ProtectedResourceMetadata
	if err := r.fetchJSON(ctx, origin+"/.well-known/oauth-protected-resource", &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(origin); err != nil {
		return nil, err
	}
	r.resourceCache.Add(origin, meta)
	return &meta, nil
}

// ResolveAuthServerMetadata fetches and validates the auth server
// metadata document for an issuer origin URL.
func (r *Resolver) ResolveAuthServerMetadata(ctx context.Context, serverURL string) (*AuthServerMetadata, error) {
	origin, err := urlOrigin(serverURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid auth server URL: %w", ErrMetadataResolutionFailed, err)
	}
	if cached, ok := r.authServerCache.Get(origin); ok {
		return &cached, nil
	}

	var meta AuthServerMetadata
	if err := r.fetchJSON(ctx, origin+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(origin); err != nil {
		return nil, err
	}
	r.authServerCache.Add(origin, meta)
	return &meta, nil
}

// ResolveAuthServerURL returns the issuer URL for the auth server serving
// a given host (resource server) origin.
func (r *Resolver) ResolveAuthServerURL(ctx context.Context, hostURL string) (string, error) {
	meta, err := r.ResolveProtectedResourceMetadata(ctx, hostURL)
	if err != nil {
		return "", err
	}
	return meta.AuthorizationServers[0], nil
}

// ResolveClientMetadata fetches a client metadata document, validating
// that the declared client_id matches the URL it was fetched from.
func (r *Resolver) ResolveClientMetadata(ctx context.Context, clientID string) (*ClientMetadata, error) {
	var meta ClientMetadata
	if err := r.fetchJSON(ctx, clientID, &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(clientID); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Purge drops cached metadata for the given origin URL, from both the
// auth server and resource caches. Purge followed by a fresh resolve
// gives per-call cache bypass.
func (r *Resolver) Purge(rawURL string) {
	origin, err := urlOrigin(rawURL)
	if err != nil {
		return
	}
	r.authServerCache.Remove(origin)
	r.resourceCache.Remove(origin)
}

// ResolveAuthFlowTarget resolves a user-supplied login identifier to the
// auth server to send the auth request to. The identifier may be:
//
//   - a handle or DID: resolved via the identity directory (with
//     bidirectional handle checks), then the account's PDS is located and
//     its auth server discovered;
//   - a URL: treated as a resource server origin first (via protected
//     resource metadata), falling back to treating it as an auth server
//     origin directly.
func (r *Resolver) ResolveAuthFlowTarget(ctx context.Context, identifier string) (*AuthFlowTarget, error) {
	if strings.HasPrefix(identifier, "https://") || strings.HasPrefix(identifier, "http://") {
		return r.resolveTargetFromURL(ctx, identifier)
	}

	atid, err := syntax.ParseAtIdentifier(identifier)
	if err != nil {
		return nil, fmt.Errorf("login identifier is neither a URL, handle, nor DID: %w", err)
	}
	ident, err := r.Dir.Lookup(ctx, atid)
	if err != nil {
		return nil, err
	}
	pdsURL := ident.PDSEndpoint()
	if pdsURL == "" {
		return nil, fmt.Errorf("%w: identity %s does not declare a PDS endpoint", ErrMetadataResolutionFailed, ident.DID)
	}

	target, err := r.resolveTargetFromHost(ctx, pdsURL)
	if err != nil {
		return nil, err
	}
	target.AccountDID = &ident.DID
	return target, nil
}

func (r *Resolver) resolveTargetFromURL(ctx context.Context, rawURL string) (*AuthFlowTarget, error) {
	target, err := r.resolveTargetFromHost(ctx, rawURL)
	if err == nil {
		return target, nil
	}

	// not a resource server; try the URL as an auth server origin directly
	meta, authErr := r.ResolveAuthServerMetadata(ctx, rawURL)
	if authErr != nil {
		return nil, fmt.Errorf("URL is neither a resource server (%v) nor an auth server: %w", err, authErr)
	}
	return &AuthFlowTarget{AuthServer: meta}, nil
}

func (r *Resolver) resolveTargetFromHost(ctx context.Context, hostURL string) (*AuthFlowTarget, error) {
	origin, err := urlOrigin(hostURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid host URL: %w", ErrMetadataResolutionFailed, err)
	}
	resMeta, err := r.ResolveProtectedResourceMetadata(ctx, origin)
	if err != nil {
		return nil, err
	}
	authMeta, err := r.ResolveAuthServerMetadata(ctx, resMeta.AuthorizationServers[0])
	if err != nil {
		return nil, err
	}
	// when the auth server enumerates its resources, the host must appear:
	// both directions of the resource/issuer binding have to agree
	if len(authMeta.ProtectedResources) > 0 && !slices.Contains(authMeta.ProtectedResources, origin) {
		return nil, fmt.Errorf("%w: auth server %s does not list %s as a protected resource", ErrTrustViolation, authMeta.Issuer, origin)
	}
	return &AuthFlowTarget{AuthServer: authMeta, HostURL: origin}, nil
}
