// Package envelope seals authentication results into a signed-then-encrypted
// compact token and opens them again. The JOSE primitives come from go-jose;
// this package only fixes how they are combined at the relay boundary.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Lifetime is how long a sealed result is accepted by Open.
const Lifetime = 5 * time.Minute

// Status is the outcome of an authentication attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// AuthResult is the payload carried inside an envelope.
type AuthResult struct {
	Status     Status            `json:"status"`
	Attributes map[string]string `json:"attributes"`
	SessionURL string            `json:"session_url,omitempty"`
}

// ErrCrypto matches every *CryptoError.
var ErrCrypto = errors.New("envelope: crypto failure")

// Kind tells which step of Open failed.
type Kind string

const (
	KindMalformed  Kind = "malformed"
	KindDecryption Kind = "decryption"
	KindSignature  Kind = "signature"
	KindExpired    Kind = "expired"
)

// CryptoError reports a failure to open an envelope.
type CryptoError struct {
	Kind Kind
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("envelope: %s", e.Kind)
	}
	return fmt.Sprintf("envelope: %s: %v", e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Seal signs result and encrypts the signed token for the recipient.
func Seal(result AuthResult, signer jose.Signer, encrypter jose.Encrypter) (string, error) {
	return SealAt(result, signer, encrypter, time.Now())
}

// SealAt is Seal with an explicit issue time.
func SealAt(result AuthResult, signer jose.Signer, encrypter jose.Encrypter, issuedAt time.Time) (string, error) {
	if signer == nil || encrypter == nil {
		return "", errors.New("envelope: signer and encrypter are required")
	}
	std := jwt.Claims{
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(issuedAt.Add(Lifetime)),
	}
	token, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(std).Claims(result).Serialize()
	if err != nil {
		return "", fmt.Errorf("seal auth result: %w", err)
	}
	return token, nil
}

// Open decrypts token, verifies its signature and rejects expired results.
func Open(token string, verifier Verifier, decrypter Decrypter) (AuthResult, error) {
	now := time.Now()
	return open(token, verifier, decrypter, &now)
}

// OpenAt is Open evaluated at the given instant.
func OpenAt(token string, verifier Verifier, decrypter Decrypter, at time.Time) (AuthResult, error) {
	return open(token, verifier, decrypter, &at)
}

// OpenWithoutExpiryCheck opens a result that was already accepted earlier.
// It must not be used where results enter the system.
func OpenWithoutExpiryCheck(token string, verifier Verifier, decrypter Decrypter) (AuthResult, error) {
	return open(token, verifier, decrypter, nil)
}

func open(token string, verifier Verifier, decrypter Decrypter, at *time.Time) (AuthResult, error) {
	// jwt.ParseSignedAndEncrypted refuses asymmetric key management, so the
	// two layers are opened separately.
	outer, err := jose.ParseEncryptedCompact(token, []jose.KeyAlgorithm{decrypter.KeyAlgorithm}, contentEncryptions)
	if err != nil {
		return AuthResult{}, &CryptoError{Kind: KindMalformed, Err: err}
	}
	if cty, _ := outer.Header.ExtraHeaders[jose.HeaderContentType].(string); cty != "JWT" {
		return AuthResult{}, &CryptoError{Kind: KindMalformed, Err: fmt.Errorf("unexpected cty %q", cty)}
	}
	payload, err := outer.Decrypt(decrypter.Key)
	if err != nil {
		return AuthResult{}, &CryptoError{Kind: KindDecryption, Err: err}
	}
	inner, err := jwt.ParseSigned(string(payload), verifier.Algorithms)
	if err != nil {
		return AuthResult{}, &CryptoError{Kind: KindMalformed, Err: err}
	}

	var (
		std    jwt.Claims
		result AuthResult
	)
	if err := inner.Claims(verifier.Key, &std, &result); err != nil {
		return AuthResult{}, &CryptoError{Kind: KindSignature, Err: err}
	}
	if at != nil {
		if std.Expiry == nil {
			return AuthResult{}, &CryptoError{Kind: KindMalformed, Err: errors.New("missing exp")}
		}
		if err := std.ValidateWithLeeway(jwt.Expected{Time: *at}, jwt.DefaultLeeway); err != nil {
			return AuthResult{}, &CryptoError{Kind: KindExpired, Err: err}
		}
	}
	switch result.Status {
	case StatusSuccess, StatusFailed, StatusError:
	default:
		return AuthResult{}, &CryptoError{Kind: KindMalformed, Err: fmt.Errorf("unknown status %q", result.Status)}
	}
	return result, nil
}
