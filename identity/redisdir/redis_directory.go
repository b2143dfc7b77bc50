// Package redisdir provides a Redis-backed implementation of
// identity.Directory, for sharing an identity cache across processes.
//
// A small in-process cache (provided by the redis client cache library)
// sits in front of Redis for hot identities.
package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/windrose-social/atoauth/identity"
	"github.com/windrose-social/atoauth/syntax"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// prefix for all the Redis keys this cache uses
const redisDirPrefix = "dir/"

type RedisDirectory struct {
	Inner            identity.Directory
	DIDTTL           time.Duration
	HandleTTL        time.Duration
	ErrTTL           time.Duration
	InvalidHandleTTL time.Duration

	handleCache       *cache.Cache
	identityCache     *cache.Cache
	didLookupChans    sync.Map
	handleLookupChans sync.Map
}

// Cache entries cross a serialization boundary, so errors are stored as
// strings and rehydrated to the package sentinels on read.
type handleEntry struct {
	Updated time.Time
	// pointer type so that an absent DID is distinguishable from empty
	DID       *syntax.DID
	ErrString string `json:",omitempty"`
}

type identityEntry struct {
	Updated   time.Time
	Identity  *identity.Identity
	ErrString string `json:",omitempty"`
}

var cachedSentinels = []error{
	identity.ErrHandleNotFound,
	identity.ErrHandleMismatch,
	identity.ErrHandleResolutionFailed,
	identity.ErrHandleNotDeclared,
	identity.ErrHandleReservedTLD,
	identity.ErrDIDNotFound,
	identity.ErrDIDResolutionFailed,
	identity.ErrInvalidHandle,
}

func errToString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errFromString maps a cached error string back to a package sentinel when
// possible, so errors.Is keeps working across the cache boundary.
func errFromString(s string) error {
	if s == "" {
		return nil
	}
	for _, sentinel := range cachedSentinels {
		if s == sentinel.Error() {
			return sentinel
		}
		if len(s) > len(sentinel.Error()) && s[:len(sentinel.Error())+1] == sentinel.Error()+":" {
			return fmt.Errorf("%w%s", sentinel, s[len(sentinel.Error()):])
		}
	}
	return errors.New(s)
}

func (e *handleEntry) err() error   { return errFromString(e.ErrString) }
func (e *identityEntry) err() error { return errFromString(e.ErrString) }

var _ identity.Directory = (*RedisDirectory)(nil)

// NewRedisDirectory wraps an existing directory with Redis plus in-process
// caching.
//
// redisURL carries all the redis connection config options. didTTL and
// handleTTL bound how long successful lookups are trusted; errTTL bounds
// cached failures and is expected to be much shorter. lruSize is the size
// of the in-process cache for each of the handle and identity caches;
// 10000 is a reasonable default.
func NewRedisDirectory(inner identity.Directory, redisURL string, didTTL, handleTTL, errTTL, invalidHandleTTL time.Duration, lruSize int) (*RedisDirectory, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis identity cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis identity cache: %w", err)
	}
	handleCache := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(lruSize, handleTTL),
	})
	identityCache := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(lruSize, didTTL),
	})
	return &RedisDirectory{
		Inner:            inner,
		DIDTTL:           didTTL,
		HandleTTL:        handleTTL,
		ErrTTL:           errTTL,
		InvalidHandleTTL: invalidHandleTTL,
		handleCache:      handleCache,
		identityCache:    identityCache,
	}, nil
}

func (d *RedisDirectory) isHandleStale(e *handleEntry) bool {
	return e.ErrString != "" && time.Since(e.Updated) > d.ErrTTL
}

func (d *RedisDirectory) isIdentityStale(e *identityEntry) bool {
	if e.ErrString != "" && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	if e.Identity != nil && e.Identity.Handle.IsInvalidHandle() && time.Since(e.Updated) > d.InvalidHandleTTL {
		return true
	}
	return false
}

func (d *RedisDirectory) updateHandle(ctx context.Context, h syntax.Handle) handleEntry {
	h = h.Normalize()
	ident, err := d.Inner.LookupHandle(ctx, h)
	if err != nil {
		he := handleEntry{
			Updated:   time.Now(),
			ErrString: errToString(err),
		}
		d.setCache(ctx, d.handleCache, redisDirPrefix+h.String(), he, d.ErrTTL)
		return he
	}

	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
	}
	he := handleEntry{
		Updated: time.Now(),
		DID:     &ident.DID,
	}

	d.setCache(ctx, d.identityCache, redisDirPrefix+ident.DID.String(), entry, d.DIDTTL)
	d.setCache(ctx, d.handleCache, redisDirPrefix+h.String(), he, d.HandleTTL)
	return he
}

func (d *RedisDirectory) setCache(ctx context.Context, c *cache.Cache, key string, val any, ttl time.Duration) {
	err := c.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: val,
		TTL:   ttl,
	})
	if err != nil {
		slog.Error("identity cache write failed", "key", key, "err", err)
	}
}

func (d *RedisDirectory) handleEntryResult(e *handleEntry) (syntax.DID, error) {
	if err := e.err(); err != nil {
		return "", err
	}
	if e.DID != nil {
		return *e.DID, nil
	}
	return "", errors.New("unexpected control-flow error")
}

func (d *RedisDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", identity.ErrInvalidHandle)
	}
	var entry handleEntry
	err := d.handleCache.Get(ctx, redisDirPrefix+h.String(), &entry)
	if err != nil && err != cache.ErrCacheMiss {
		return "", fmt.Errorf("identity cache read failed: %w", err)
	}
	if err == nil && !d.isHandleStale(&entry) { // if no error...
		return d.handleEntryResult(&entry)
	}

	// coalesce multiple requests for the same handle
	res := make(chan struct{})
	val, loaded := d.handleLookupChans.LoadOrStore(h.String(), res)
	if loaded {
		select {
		case <-val.(chan struct{}):
			// the result should now be in the cache
			err := d.handleCache.Get(ctx, redisDirPrefix+h.String(), &entry)
			if err != nil && err != cache.ErrCacheMiss {
				return "", fmt.Errorf("identity cache read failed: %w", err)
			}
			if err == nil && !d.isHandleStale(&entry) { // if no error...
				return d.handleEntryResult(&entry)
			}
			return "", errors.New("handle not found in cache after coalesce returned")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	newEntry := d.updateHandle(ctx, h)

	d.handleLookupChans.Delete(h.String())
	// waiting callers will now read the result from the cache
	close(res)

	return d.handleEntryResult(&newEntry)
}

func (d *RedisDirectory) updateDID(ctx context.Context, did syntax.DID) identityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	// persist the lookup error, instead of processing it immediately
	entry := identityEntry{
		Updated:   time.Now(),
		Identity:  ident,
		ErrString: errToString(err),
	}
	var he *handleEntry
	// if *not* an error, then also update the handle cache
	if err == nil && !ident.Handle.IsInvalidHandle() {
		he = &handleEntry{
			Updated: time.Now(),
			DID:     &did,
		}
	}

	ttl := d.DIDTTL
	if err != nil {
		ttl = d.ErrTTL
	}
	d.setCache(ctx, d.identityCache, redisDirPrefix+did.String(), entry, ttl)
	if he != nil {
		d.setCache(ctx, d.handleCache, redisDirPrefix+ident.Handle.String(), *he, d.HandleTTL)
	}
	return entry
}

func (d *RedisDirectory) identityEntryResult(e *identityEntry) (*identity.Identity, error) {
	if err := e.err(); err != nil {
		return nil, err
	}
	if e.Identity != nil {
		return e.Identity, nil
	}
	return nil, errors.New("unexpected control-flow error")
}

func (d *RedisDirectory) LookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	var entry identityEntry
	err := d.identityCache.Get(ctx, redisDirPrefix+did.String(), &entry)
	if err != nil && err != cache.ErrCacheMiss {
		return nil, fmt.Errorf("identity cache read failed: %w", err)
	}
	if err == nil && !d.isIdentityStale(&entry) { // if no error...
		return d.identityEntryResult(&entry)
	}

	// coalesce multiple requests for the same DID
	res := make(chan struct{})
	val, loaded := d.didLookupChans.LoadOrStore(did.String(), res)
	if loaded {
		select {
		case <-val.(chan struct{}):
			// the result should now be in the cache
			err = d.identityCache.Get(ctx, redisDirPrefix+did.String(), &entry)
			if err != nil && err != cache.ErrCacheMiss {
				return nil, fmt.Errorf("identity cache read failed: %w", err)
			}
			if err == nil && !d.isIdentityStale(&entry) { // if no error...
				return d.identityEntryResult(&entry)
			}
			return nil, errors.New("identity not found in cache after coalesce returned")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	newEntry := d.updateDID(ctx, did)

	d.didLookupChans.Delete(did.String())
	// waiting callers will now read the result from the cache
	close(res)

	return d.identityEntryResult(&newEntry)
}

func (d *RedisDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*identity.Identity, error) {
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
		return nil, fmt.Errorf("%w: %s != %s", identity.ErrHandleMismatch, declared, h)
	}
	return ident, nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*identity.Identity, error) {
	handle, err := a.AsHandle()
	if nil == err { // if *not* an error
		return d.LookupHandle(ctx, handle)
	}
	did, err := a.AsDID()
	if nil == err { // if *not* an error
		return d.LookupDID(ctx, did)
	}
	return nil, errors.New("identifier neither a Handle nor a DID")
}

func (d *RedisDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	handle, err := a.AsHandle()
	if nil == err { // if *not* an error
		handle = handle.Normalize()
		err = d.handleCache.Delete(ctx, redisDirPrefix+handle.String())
		if err == cache.ErrCacheMiss {
			return nil
		}
		return err
	}
	did, err := a.AsDID()
	if nil == err { // if *not* an error
		err = d.identityCache.Delete(ctx, redisDirPrefix+did.String())
		if err == cache.ErrCacheMiss {
			return nil
		}
		return err
	}
	return errors.New("identifier neither a Handle nor a DID")
}
