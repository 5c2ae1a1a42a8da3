package config

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"authrelay.org/internal/envelope"
	"authrelay.org/internal/platform"
	"authrelay.org/internal/session"
)

// RelayKeys is every key the relay needs, built once at startup.
type RelayKeys struct {
	Guest        *platform.Verifier
	Host         *platform.Verifier
	WidgetSigner *platform.Signer
	StartSigner  *platform.Signer
	Results      session.ResultKeys
}

// Keys parses the configured key material.
func (c Relay) Keys() (RelayKeys, error) {
	var (
		out RelayKeys
		err error
	)
	if out.Guest, err = platformVerifier(c.GuestSecret, c.GuestPublicKey); err != nil {
		return RelayKeys{}, fmt.Errorf("guest verifier: %w", err)
	}
	if out.Host, err = platformVerifier(c.HostSecret, c.HostPublicKey); err != nil {
		return RelayKeys{}, fmt.Errorf("host verifier: %w", err)
	}
	if out.WidgetSigner, err = platform.NewPrivateKeySigner([]byte(c.WidgetSigningKey), ""); err != nil {
		return RelayKeys{}, fmt.Errorf("widget signer: %w", err)
	}
	if out.StartSigner, err = platform.NewPrivateKeySigner([]byte(c.StartAuthSigningKey), c.StartAuthKeyID); err != nil {
		return RelayKeys{}, fmt.Errorf("start auth signer: %w", err)
	}

	kt := envelope.KeyType(c.ResultKeyType)
	if out.Results.Verifier, err = envelope.VerifierFromPEM(kt, []byte(c.ResultVerifierKey)); err != nil {
		return RelayKeys{}, fmt.Errorf("result verifier: %w", err)
	}
	if out.Results.Decrypter, err = envelope.DecrypterFromPEM(kt, []byte(c.ResultDecryptionKey)); err != nil {
		return RelayKeys{}, fmt.Errorf("result decrypter: %w", err)
	}
	return out, nil
}

// A PEM public key wins over a shared secret when both are set.
func platformVerifier(secret, publicKeyPEM string) (*platform.Verifier, error) {
	if publicKeyPEM != "" {
		return platform.NewPublicKeyVerifier([]byte(publicKeyPEM))
	}
	return platform.NewHMACVerifier([]byte(secret))
}

// AuthTestKeys seal results on behalf of the test identity provider.
type AuthTestKeys struct {
	Signer    jose.Signer
	Encrypter jose.Encrypter
}

// Keys parses the signing and encryption keys.
func (c AuthTest) Keys() (AuthTestKeys, error) {
	kt := envelope.KeyType(c.KeyType)
	signer, err := envelope.SignerFromPEM(kt, []byte(c.SigningKey))
	if err != nil {
		return AuthTestKeys{}, fmt.Errorf("result signer: %w", err)
	}
	enc, err := envelope.EncrypterFromPEM(kt, []byte(c.EncryptionKey))
	if err != nil {
		return AuthTestKeys{}, fmt.Errorf("result encrypter: %w", err)
	}
	return AuthTestKeys{Signer: signer, Encrypter: enc}, nil
}
