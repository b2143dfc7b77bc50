package oauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/windrose-social/atoauth/syntax"
)

// MemStore is a simple in-memory implementation of [ClientAuthStore], for
// use in development and demos.
//
// Not appropriate for real-world use: all users are logged out every time
// the process restarts.
type MemStore struct {
	requests map[string]AuthRequestData
	sessions map[string]ClientSessionData

	lk sync.Mutex
}

var _ ClientAuthStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[string]AuthRequestData),
		sessions: make(map[string]ClientSessionData),
	}
}

func memKey(did syntax.DID, sessionID string) string {
	return fmt.Sprintf("%s/%s", did, sessionID)
}

func (m *MemStore) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSessionData, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	sess, ok := m.sessions[memKey(did, sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, did)
	}
	return &sess, nil
}

func (m *MemStore) SaveSession(ctx context.Context, sess ClientSessionData) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.sessions[memKey(sess.AccountDID, sess.SessionID)] = sess
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.sessions, memKey(did, sessionID))
	return nil
}

func (m *MemStore) SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.requests[info.State] = info
	return nil
}

func (m *MemStore) TakeAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	req, ok := m.requests[state]
	if !ok {
		return nil, ErrAuthRequestNotFound
	}
	delete(m.requests, state)
	return &req, nil
}
