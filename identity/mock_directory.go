package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/windrose-social/atoauth/syntax"
)

// MockDirectory is a fake in-memory identity directory, for use in tests.
type MockDirectory struct {
	mu         *sync.RWMutex
	Handles    map[syntax.Handle]syntax.DID
	Identities map[syntax.DID]Identity
}

var _ Directory = (*MockDirectory)(nil)

func NewMockDirectory() MockDirectory {
	return MockDirectory{
		mu:         &sync.RWMutex{},
		Handles:    make(map[syntax.Handle]syntax.DID),
		Identities: make(map[syntax.DID]Identity),
	}
}

func (d *MockDirectory) Insert(ident Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ident.Handle.IsInvalidHandle() {
		d.Handles[ident.Handle.Normalize()] = ident.DID
	}
	d.Identities[ident.DID] = ident
}

func (d *MockDirectory) Remove(did syntax.DID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ident, ok := d.Identities[did]
	if !ok {
		return
	}
	if !ident.Handle.IsInvalidHandle() {
		delete(d.Handles, ident.Handle.Normalize())
	}
	delete(d.Identities, did)
}

func (d *MockDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h = h.Normalize()
	did, ok := d.Handles[h]
	if !ok {
		return nil, ErrHandleNotFound
	}
	ident, ok := d.Identities[did]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return &ident, nil
}

func (d *MockDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ident, ok := d.Identities[did]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return &ident, nil
}

func (d *MockDirectory) Lookup(ctx context.Context, a syntax.AtIdentifier) (*Identity, error) {
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

func (d *MockDirectory) Purge(ctx context.Context, a syntax.AtIdentifier) error {
	return nil
}
