package oauth

import (
	stdcrypto "crypto"
	"fmt"

	"github.com/windrose-social/atoauth/crypto"

	"github.com/golang-jwt/jwt/v5"
)

var signingMethodES256 *signingMethodKey

// signingMethodKey implements jwt.SigningMethod on top of the crypto
// package key interfaces, so tokens can be signed without exposing raw
// ecdsa types.
type signingMethodKey struct {
	alg    string
	hash   stdcrypto.Hash
	sigLen int
}

func init() {
	// tells the JWT library to serialize 'aud' as a plain string, not an array
	jwt.MarshalSingleStringAsArray = false

	signingMethodES256 = &signingMethodKey{
		alg:    "ES256",
		hash:   stdcrypto.SHA256,
		sigLen: 64,
	}
	jwt.RegisterSigningMethod(signingMethodES256.Alg(), func() jwt.SigningMethod {
		return signingMethodES256
	})
}

func (sm *signingMethodKey) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(crypto.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}

	if !sm.hash.Available() {
		return jwt.ErrHashUnavailable
	}

	if len(sig) != sm.sigLen {
		return jwt.ErrTokenSignatureInvalid
	}

	// NOTE: important to use the "lenient" variant here
	return pub.HashAndVerifyLenient([]byte(signingString), sig)
}

func (sm *signingMethodKey) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(crypto.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}

	return priv.HashAndSign([]byte(signingString))
}

func (sm *signingMethodKey) Alg() string {
	return sm.alg
}

// keySigningMethod maps a private key to its JWT signing method.
func keySigningMethod(key crypto.PrivateKey) (jwt.SigningMethod, error) {
	switch key.(type) {
	case *crypto.PrivateKeyP256:
		return signingMethodES256, nil
	}
	return nil, fmt.Errorf("unknown key type: %T", key)
}

// keyAlg returns the JWT algorithm name for a private key.
func keyAlg(key crypto.PrivateKey) (string, error) {
	m, err := keySigningMethod(key)
	if err != nil {
		return "", err
	}
	return m.Alg(), nil
}
