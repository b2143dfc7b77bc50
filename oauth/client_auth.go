package oauth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/golang-jwt/jwt/v5"
)

// lifetime of client assertion JWTs; kept short since every assertion is
// freshly signed for a single request
const clientAssertionTTL = 60 * time.Second

// ClientAuthMethod fixes the client credentials presented on requests to
// the auth server: either no authentication beyond the client_id (public
// clients), or per-request signed JWT assertions (confidential clients).
type ClientAuthMethod struct {
	Method string

	// set only for private_key_jwt
	Key   crypto.PrivateKey
	KeyID string
}

func ClientAuthNone() ClientAuthMethod {
	return ClientAuthMethod{Method: AuthMethodNone}
}

func ClientAuthPrivateKeyJWT(key crypto.PrivateKey, keyID string) ClientAuthMethod {
	return ClientAuthMethod{Method: AuthMethodPrivateKeyJWT, Key: key, KeyID: keyID}
}

// newClientAssertionJWT signs a fresh client authentication assertion:
// iss and sub are the client_id, aud is the auth server issuer, with a
// random jti. Assertions are single-use and never cached.
func newClientAssertionJWT(key crypto.PrivateKey, keyID, clientID, audience string) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  []string{audience},
		ID:        randomNonce(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(clientAssertionTTL)),
	}

	keyMethod, err := keySigningMethod(key)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(keyMethod, claims)
	token.Header["kid"] = keyID
	return token.SignedString(key)
}

// apply adds the auth method's parameters to a form-encoded request body.
func (am *ClientAuthMethod) apply(vals url.Values, clientID, audience string) error {
	switch am.Method {
	case AuthMethodNone:
		return nil
	case AuthMethodPrivateKeyJWT:
		if am.Key == nil {
			return fmt.Errorf("%w: private_key_jwt auth without a signing key", ErrSessionKeyCorrupted)
		}
		assertion, err := newClientAssertionJWT(am.Key, am.KeyID, clientID, audience)
		if err != nil {
			return err
		}
		vals.Set("client_assertion_type", ClientAssertionJWTBearer)
		vals.Set("client_assertion", assertion)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrAuthMethodUnsupported, am.Method)
	}
}
