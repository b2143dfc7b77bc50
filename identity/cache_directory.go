package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/windrose-social/atoauth/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheDirectory wraps an inner Directory with in-process LRU caches for
// handle and identity lookups. Hits and error entries expire on separate
// TTLs, and concurrent lookups of the same identifier are coalesced into
// a single inner request.
type CacheDirectory struct {
	Inner             Directory
	ErrTTL            time.Duration
	InvalidHandleTTL  time.Duration
	handleCache       *expirable.LRU[syntax.Handle, handleEntry]
	identityCache     *expirable.LRU[syntax.DID, identityEntry]
	didLookupChans    sync.Map
	handleLookupChans sync.Map
}

type handleEntry struct {
	Updated time.Time
	DID     syntax.DID
	Err     error
}

type identityEntry struct {
	Updated  time.Time
	Identity *Identity
	Err      error
}

var _ Directory = (*CacheDirectory)(nil)

// NewCacheDirectory wraps inner with caching. Identity (DID document)
// entries and handle entries expire independently, since handle bindings
// churn faster than documents. Capacity of zero means unlimited size, and
// a TTL of zero means unlimited duration.
func NewCacheDirectory(inner Directory, capacity int, didTTL, handleTTL, errTTL, invalidHandleTTL time.Duration) CacheDirectory {
	return CacheDirectory{
		Inner:            inner,
		ErrTTL:           errTTL,
		InvalidHandleTTL: invalidHandleTTL,
		handleCache:      expirable.NewLRU[syntax.Handle, handleEntry](capacity, nil, handleTTL),
		identityCache:    expirable.NewLRU[syntax.DID, identityEntry](capacity, nil, didTTL),
	}
}

func (d *CacheDirectory) isHandleStale(e *handleEntry) bool {
	return e.Err != nil && time.Since(e.Updated) > d.ErrTTL
}

func (d *CacheDirectory) isIdentityStale(e *identityEntry) bool {
	if e.Err != nil && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	if e.Identity != nil && e.Identity.Handle.IsInvalidHandle() && time.Since(e.Updated) > d.InvalidHandleTTL {
		return true
	}
	return false
}

func (d *CacheDirectory) updateHandle(ctx context.Context, h syntax.Handle) handleEntry {
	ident, err := d.Inner.LookupHandle(ctx, h)
	if err != nil {
		he := handleEntry{
			Updated: time.Now(),
			Err:     err,
		}
		d.handleCache.Add(h, he)
		return he
	}

	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
	}
	he := handleEntry{
		Updated: time.Now(),
		DID:     ident.DID,
	}

	d.identityCache.Add(ident.DID, entry)
	d.handleCache.Add(ident.Handle, he)
	return he
}

func (d *CacheDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	entry, ok := d.handleCache.Get(h)
	if ok && !d.isHandleStale(&entry) {
		handleCacheHits.Inc()
		return entry.DID, entry.Err
	}
	handleCacheMisses.Inc()

	// coalesce multiple requests for the same handle
	res := make(chan struct{})
	val, loaded := d.handleLookupChans.LoadOrStore(h.String(), res)
	if loaded {
		handleRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			// the result should now be in the cache
			entry, ok := d.handleCache.Get(h)
			if ok && !d.isHandleStale(&entry) {
				return entry.DID, entry.Err
			}
			return "", fmt.Errorf("handle not found in cache after coalesce returned")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	newEntry := d.updateHandle(ctx, h)

	d.handleLookupChans.Delete(h.String())
	// waiting callers will now read the result from the cache
	close(res)

	if newEntry.Err != nil {
		return "", newEntry.Err
	}
	if newEntry.DID != "" {
		return newEntry.DID, nil
	}
	return "", fmt.Errorf("unexpected control-flow error")
}

func (d *CacheDirectory) updateDID(ctx context.Context, did syntax.DID) identityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	// persist the lookup error, instead of processing it immediately
	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
		Err:      err,
	}
	var he *handleEntry
	// if *not* an error, then also update the handle cache
	if nil == err && !ident.Handle.IsInvalidHandle() {
		he = &handleEntry{
			Updated: time.Now(),
			DID:     did,
		}
	}

	d.identityCache.Add(did, entry)
	if he != nil {
		d.handleCache.Add(ident.Handle, *he)
	}
	return entry
}

func (d *CacheDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	entry, ok := d.identityCache.Get(did)
	if ok && !d.isIdentityStale(&entry) {
		identityCacheHits.Inc()
		return entry.Identity, entry.Err
	}
	identityCacheMisses.Inc()

	// coalesce multiple requests for the same DID
	res := make(chan struct{})
	val, loaded := d.didLookupChans.LoadOrStore(did.String(), res)
	if loaded {
		identityRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			// the result should now be in the cache
			entry, ok := d.identityCache.Get(did)
			if ok && !d.isIdentityStale(&entry) {
				return entry.Identity, entry.Err
			}
			return nil, fmt.Errorf("identity not found in cache after coalesce returned")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	newEntry := d.updateDID(ctx, did)

	d.didLookupChans.Delete(did.String())
	// waiting callers will now read the result from the cache
	close(res)

	if newEntry.Err != nil {
		return nil, newEntry.Err
	}
	if newEntry.Identity != nil {
		return newEntry.Identity, nil
	}
	return nil, fmt.Errorf("unexpected control-flow error")
}

func (d *CacheDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	ident, err := d.LookupDID(ctx, did)
	if err != nil {
		return nil, err
	}

	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, fmt.Errorf("could not verify handle/DID mapping: %w", err)
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	return ident, nil
}

func (d *CacheDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*Identity, error) {
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

// Purge evicts an identifier from both caches: the handle binding and the
// identity the cached binding pointed at (or, for a DID, the identity and
// the handle the cached document declared).
func (d *CacheDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	handle, err := a.AsHandle()
	if nil == err { // if *not* an error
		handle = handle.Normalize()
		if entry, ok := d.handleCache.Get(handle); ok && entry.DID != "" {
			d.identityCache.Remove(entry.DID)
		}
		d.handleCache.Remove(handle)
		return nil
	}
	did, err := a.AsDID()
	if nil == err { // if *not* an error
		if entry, ok := d.identityCache.Get(did); ok && entry.Identity != nil && !entry.Identity.Handle.IsInvalidHandle() {
			d.handleCache.Remove(entry.Identity.Handle.Normalize())
		}
		d.identityCache.Remove(did)
		return nil
	}
	return fmt.Errorf("identifier neither a Handle nor a DID")
}
