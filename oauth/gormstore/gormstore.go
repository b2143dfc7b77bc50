// Package gormstore provides a database-backed [oauth.ClientAuthStore]
// using GORM, suitable for web service backends where sessions must
// survive process restarts.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/windrose-social/atoauth/oauth"
	"github.com/windrose-social/atoauth/syntax"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuthRequest is the stored row for one in-flight authorization flow.
//
// Fields with acronym runs (DID, PKCE, DPoP) carry explicit column names:
// GORM's default naming splits them (eg, AccountDID becomes account_d_id),
// which would not match the hand-written query fragments below.
type AuthRequest struct {
	State                   string `gorm:"primarykey"`
	AuthServerIssuer        string
	AuthServerTokenEndpoint string
	AccountDID              *string `gorm:"column:account_did"`
	HostURL                 *string
	Scopes                  string
	RedirectURI             string
	AppState                string
	AuthMethod              string
	PKCEVerifier            string `gorm:"column:pkce_verifier"`
	DPoPAuthServerNonce     string `gorm:"column:dpop_authserver_nonce"`
	DPoPPrivateKeyMultibase string `gorm:"column:dpop_privatekey_multibase"`
	CreatedAt               time.Time
}

// Session is the stored row for one active OAuth session. An account may
// have multiple concurrent sessions, so both columns form the key.
type Session struct {
	AccountDID              string `gorm:"primarykey;column:account_did"`
	SessionID               string `gorm:"primarykey"`
	HostURL                 string
	AuthServerIssuer        string
	Scopes                  string
	AccessToken             string
	RefreshToken            string
	AccessExpiresAt         *time.Time
	AuthMethod              string
	DPoPAuthServerNonce     string `gorm:"column:dpop_authserver_nonce"`
	DPoPHostNonce           string `gorm:"column:dpop_host_nonce"`
	DPoPPrivateKeyMultibase string `gorm:"column:dpop_privatekey_multibase"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type Store struct {
	db *gorm.DB
}

var _ oauth.ClientAuthStore = (*Store)(nil)

// New migrates the backing tables and returns a store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&AuthRequest{}); err != nil {
		return nil, fmt.Errorf("migrating auth request table: %w", err)
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("migrating session table: %w", err)
	}
	return &Store{db: db}, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}

func (s *Store) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*oauth.ClientSessionData, error) {
	var row Session
	err := s.db.WithContext(ctx).First(&row, "account_did = ? AND session_id = ?", did.String(), sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", oauth.ErrSessionNotFound, did)
	}
	if err != nil {
		return nil, err
	}
	return &oauth.ClientSessionData{
		AccountDID:              syntax.DID(row.AccountDID),
		SessionID:               row.SessionID,
		HostURL:                 row.HostURL,
		AuthServerIssuer:        row.AuthServerIssuer,
		Scopes:                  splitScopes(row.Scopes),
		AccessToken:             row.AccessToken,
		RefreshToken:            row.RefreshToken,
		AccessExpiresAt:         row.AccessExpiresAt,
		AuthMethod:              row.AuthMethod,
		DPoPAuthServerNonce:     row.DPoPAuthServerNonce,
		DPoPHostNonce:           row.DPoPHostNonce,
		DPoPPrivateKeyMultibase: row.DPoPPrivateKeyMultibase,
	}, nil
}

func (s *Store) SaveSession(ctx context.Context, sess oauth.ClientSessionData) error {
	row := Session{
		AccountDID:              sess.AccountDID.String(),
		SessionID:               sess.SessionID,
		HostURL:                 sess.HostURL,
		AuthServerIssuer:        sess.AuthServerIssuer,
		Scopes:                  joinScopes(sess.Scopes),
		AccessToken:             sess.AccessToken,
		RefreshToken:            sess.RefreshToken,
		AccessExpiresAt:         sess.AccessExpiresAt,
		AuthMethod:              sess.AuthMethod,
		DPoPAuthServerNonce:     sess.DPoPAuthServerNonce,
		DPoPHostNonce:           sess.DPoPHostNonce,
		DPoPPrivateKeyMultibase: sess.DPoPPrivateKeyMultibase,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_did"}, {Name: "session_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	return s.db.WithContext(ctx).Delete(&Session{}, "account_did = ? AND session_id = ?", did.String(), sessionID).Error
}

func (s *Store) SaveAuthRequestInfo(ctx context.Context, info oauth.AuthRequestData) error {
	row := AuthRequest{
		State:                   info.State,
		AuthServerIssuer:        info.AuthServerIssuer,
		AuthServerTokenEndpoint: info.AuthServerTokenEndpoint,
		HostURL:                 info.HostURL,
		Scopes:                  joinScopes(info.Scopes),
		RedirectURI:             info.RedirectURI,
		AppState:                info.AppState,
		AuthMethod:              info.AuthMethod,
		PKCEVerifier:            info.PKCEVerifier,
		DPoPAuthServerNonce:     info.DPoPAuthServerNonce,
		DPoPPrivateKeyMultibase: info.DPoPPrivateKeyMultibase,
	}
	if info.AccountDID != nil {
		v := info.AccountDID.String()
		row.AccountDID = &v
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// TakeAuthRequestInfo reads and deletes in one step. The delete carries
// the atomicity: under concurrent takes of the same state, exactly one
// delete reports an affected row, and only that caller gets the data.
func (s *Store) TakeAuthRequestInfo(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	var row AuthRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "state = ?", state).Error; err != nil {
			return err
		}
		res := tx.Delete(&AuthRequest{}, "state = ?", state)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	info := oauth.AuthRequestData{
		State:                   row.State,
		AuthServerIssuer:        row.AuthServerIssuer,
		AuthServerTokenEndpoint: row.AuthServerTokenEndpoint,
		HostURL:                 row.HostURL,
		Scopes:                  splitScopes(row.Scopes),
		RedirectURI:             row.RedirectURI,
		AppState:                row.AppState,
		AuthMethod:              row.AuthMethod,
		PKCEVerifier:            row.PKCEVerifier,
		DPoPAuthServerNonce:     row.DPoPAuthServerNonce,
		DPoPPrivateKeyMultibase: row.DPoPPrivateKeyMultibase,
	}
	if row.AccountDID != nil {
		did, err := syntax.ParseDID(*row.AccountDID)
		if err != nil {
			return nil, fmt.Errorf("stored auth request has invalid DID: %w", err)
		}
		info.AccountDID = &did
	}
	return &info, nil
}
