package envelope

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	gjwt "github.com/golang-jwt/jwt/v5"
)

// KeyType names the key family used in configuration.
type KeyType string

const (
	KeyTypeEC  KeyType = "EC"
	KeyTypeRSA KeyType = "RSA"
)

var contentEncryptions = []jose.ContentEncryption{jose.A256GCM, jose.A128CBC_HS256}

// Verifier holds the public key and accepted algorithms for signature checks.
type Verifier struct {
	Key        crypto.PublicKey
	Algorithms []jose.SignatureAlgorithm
}

// Decrypter holds the private key and key-management algorithm for decryption.
type Decrypter struct {
	Key          crypto.PrivateKey
	KeyAlgorithm jose.KeyAlgorithm
}

// NewSigner returns a JWT signer for an ECDSA or RSA private key.
func NewSigner(key crypto.PrivateKey) (jose.Signer, error) {
	var alg jose.SignatureAlgorithm
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		a, err := ecdsaAlgorithm(k.Curve)
		if err != nil {
			return nil, err
		}
		alg = a
	case *rsa.PrivateKey:
		alg = jose.RS256
	default:
		return nil, fmt.Errorf("envelope: unsupported signing key %T", key)
	}
	return jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
}

// NewVerifier returns the verifier matching a public key.
func NewVerifier(key crypto.PublicKey) (Verifier, error) {
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		alg, err := ecdsaAlgorithm(k.Curve)
		if err != nil {
			return Verifier{}, err
		}
		return Verifier{Key: k, Algorithms: []jose.SignatureAlgorithm{alg}}, nil
	case *rsa.PublicKey:
		return Verifier{Key: k, Algorithms: []jose.SignatureAlgorithm{jose.RS256, jose.PS256}}, nil
	default:
		return Verifier{}, fmt.Errorf("envelope: unsupported verification key %T", key)
	}
}

// NewEncrypter returns an encrypter producing nested-JWT envelopes for the recipient key.
func NewEncrypter(key crypto.PublicKey) (jose.Encrypter, error) {
	var alg jose.KeyAlgorithm
	switch key.(type) {
	case *ecdsa.PublicKey:
		alg = jose.ECDH_ES_A256KW
	case *rsa.PublicKey:
		alg = jose.RSA_OAEP_256
	default:
		return nil, fmt.Errorf("envelope: unsupported encryption key %T", key)
	}
	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	return jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: alg, Key: key}, opts)
}

// NewDecrypter returns the decrypter matching a private key.
func NewDecrypter(key crypto.PrivateKey) (Decrypter, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return Decrypter{Key: k, KeyAlgorithm: jose.ECDH_ES_A256KW}, nil
	case *rsa.PrivateKey:
		return Decrypter{Key: k, KeyAlgorithm: jose.RSA_OAEP_256}, nil
	default:
		return Decrypter{}, fmt.Errorf("envelope: unsupported decryption key %T", key)
	}
}

// ParsePrivateKeyPEM parses a PEM private key of the given type.
func ParsePrivateKeyPEM(kt KeyType, data []byte) (crypto.PrivateKey, error) {
	switch normalize(kt) {
	case KeyTypeEC:
		return gjwt.ParseECPrivateKeyFromPEM(data)
	case KeyTypeRSA:
		return gjwt.ParseRSAPrivateKeyFromPEM(data)
	default:
		return nil, fmt.Errorf("envelope: unknown key type %q", kt)
	}
}

// ParsePublicKeyPEM parses a PEM public key of the given type.
func ParsePublicKeyPEM(kt KeyType, data []byte) (crypto.PublicKey, error) {
	switch normalize(kt) {
	case KeyTypeEC:
		return gjwt.ParseECPublicKeyFromPEM(data)
	case KeyTypeRSA:
		return gjwt.ParseRSAPublicKeyFromPEM(data)
	default:
		return nil, fmt.Errorf("envelope: unknown key type %q", kt)
	}
}

// SignerFromPEM parses a private key and builds a signer.
func SignerFromPEM(kt KeyType, data []byte) (jose.Signer, error) {
	key, err := ParsePrivateKeyPEM(kt, data)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewSigner(key)
}

// VerifierFromPEM parses a public key and builds a verifier.
func VerifierFromPEM(kt KeyType, data []byte) (Verifier, error) {
	key, err := ParsePublicKeyPEM(kt, data)
	if err != nil {
		return Verifier{}, fmt.Errorf("parse verification key: %w", err)
	}
	return NewVerifier(key)
}

// EncrypterFromPEM parses a public key and builds an encrypter.
func EncrypterFromPEM(kt KeyType, data []byte) (jose.Encrypter, error) {
	key, err := ParsePublicKeyPEM(kt, data)
	if err != nil {
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	return NewEncrypter(key)
}

// DecrypterFromPEM parses a private key and builds a decrypter.
func DecrypterFromPEM(kt KeyType, data []byte) (Decrypter, error) {
	key, err := ParsePrivateKeyPEM(kt, data)
	if err != nil {
		return Decrypter{}, fmt.Errorf("parse decryption key: %w", err)
	}
	return NewDecrypter(key)
}

func ecdsaAlgorithm(curve elliptic.Curve) (jose.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jose.ES256, nil
	case elliptic.P384():
		return jose.ES384, nil
	case elliptic.P521():
		return jose.ES512, nil
	}
	return "", errors.New("envelope: unsupported curve")
}

func normalize(kt KeyType) KeyType {
	return KeyType(strings.ToUpper(strings.TrimSpace(string(kt))))
}
