package platform

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoKey = errors.New("platform: key material is empty")

// Verifier checks JWT signatures for one algorithm family.
type Verifier struct {
	key     any
	methods []string
}

// NewHMACVerifier accepts HS256/384/512 tokens signed with secret.
func NewHMACVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errNoKey
	}
	return &Verifier{
		key:     secret,
		methods: []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()},
	}, nil
}

// NewPublicKeyVerifier accepts tokens signed by the private half of a PEM
// encoded RSA, ECDSA or Ed25519 public key.
func NewPublicKeyVerifier(pemData []byte) (*Verifier, error) {
	if len(pemData) == 0 {
		return nil, errNoKey
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{"ES256", "ES384", "ES512"}}, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(pemData); err == nil {
		return &Verifier{key: key, methods: []string{jwt.SigningMethodEdDSA.Alg()}}, nil
	}
	return nil, errors.New("platform: unsupported public key")
}

func (v *Verifier) parse(token string, claims jwt.Claims) error {
	if v == nil {
		return errNoKey
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return ErrUnauthorized
	}
	return nil
}

// Signer signs outgoing JWTs, optionally stamping a kid header.
type Signer struct {
	method jwt.SigningMethod
	key    any
	kid    string
}

// NewHMACSigner signs with HS256.
func NewHMACSigner(secret []byte, kid string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errNoKey
	}
	return &Signer{method: jwt.SigningMethodHS256, key: secret, kid: kid}, nil
}

// NewPrivateKeySigner parses a PEM private key (EC, RSA or Ed25519) and picks
// the matching algorithm.
func NewPrivateKeySigner(pemData []byte, kid string) (*Signer, error) {
	if len(pemData) == 0 {
		return nil, errNoKey
	}
	if key, err := jwt.ParseECPrivateKeyFromPEM(pemData); err == nil {
		return NewKeySigner(key, kid)
	}
	if key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData); err == nil {
		return NewKeySigner(key, kid)
	}
	if key, err := jwt.ParseEdPrivateKeyFromPEM(pemData); err == nil {
		return NewKeySigner(key, kid)
	}
	return nil, errors.New("platform: unsupported private key")
}

// NewKeySigner wraps an already parsed private key.
func NewKeySigner(key crypto.PrivateKey, kid string) (*Signer, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return &Signer{method: jwt.SigningMethodES256, key: k, kid: kid}, nil
		case elliptic.P384():
			return &Signer{method: jwt.SigningMethodES384, key: k, kid: kid}, nil
		case elliptic.P521():
			return &Signer{method: jwt.SigningMethodES512, key: k, kid: kid}, nil
		}
		return nil, errors.New("platform: unsupported curve")
	case *rsa.PrivateKey:
		return &Signer{method: jwt.SigningMethodRS256, key: k, kid: kid}, nil
	case ed25519.PrivateKey:
		return &Signer{method: jwt.SigningMethodEdDSA, key: k, kid: kid}, nil
	default:
		return nil, fmt.Errorf("platform: unsupported private key %T", key)
	}
}

// Sign serializes claims into a compact JWS.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	if s == nil {
		return "", errNoKey
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.kid != "" {
		token.Header["kid"] = s.kid
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
