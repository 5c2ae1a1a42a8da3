package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authrelay.org/internal/continuation"
	"authrelay.org/internal/envelope"
	"authrelay.org/internal/platform"
	"authrelay.org/internal/testkeys"
)

func setRelayEnv(t *testing.T) {
	t.Helper()
	widget := testkeys.EC(t)
	start := testkeys.EC(t)
	idp := testkeys.EC(t)
	relay := testkeys.EC(t)

	t.Setenv("RELAY_INTERNAL_URL", "http://relay:8080/internal")
	t.Setenv("RELAY_EXTERNAL_GUEST_URL", "https://relay.example/guest")
	t.Setenv("RELAY_CORE_URL", "http://core:8000")
	t.Setenv("RELAY_WIDGET_URL", "https://widget.example/")
	t.Setenv("RELAY_GUEST_SECRET", "guest-secret")
	t.Setenv("RELAY_HOST_SECRET", "host-secret")
	t.Setenv("RELAY_WIDGET_SIGNING_KEY_FILE", testkeys.WriteFile(t, "widget.pem", widget.Private))
	t.Setenv("RELAY_START_AUTH_SIGNING_KEY_FILE", testkeys.WriteFile(t, "start.pem", start.Private))
	t.Setenv("RELAY_START_AUTH_KEY_ID", "relay-1")
	t.Setenv("RELAY_RESULT_VERIFIER_KEY_FILE", testkeys.WriteFile(t, "idp.pub.pem", idp.Public))
	t.Setenv("RELAY_RESULT_DECRYPTION_KEY_FILE", testkeys.WriteFile(t, "relay.pem", relay.Private))
}

func TestLoadRelayDefaults(t *testing.T) {
	setRelayEnv(t)

	cfg, err := LoadRelay()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.False(t, cfg.TrustProxy)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, 1024, cfg.BusCapacity)
	require.Equal(t, 5*time.Minute, cfg.SweepInterval)
	require.Equal(t, time.Hour, cfg.Retention)
	require.Equal(t, "EC", cfg.ResultKeyType)
	require.Contains(t, cfg.WidgetSigningKey, "BEGIN PRIVATE KEY")

	keys, err := cfg.Keys()
	require.NoError(t, err)
	require.NotNil(t, keys.Guest)
	require.NotNil(t, keys.StartSigner)

	tok, err := platform.SignGuest(platform.GuestToken{Purpose: "id-check", Name: "Jan", RoomID: "room1"},
		mustHMAC(t, "guest-secret"), time.Minute)
	require.NoError(t, err)
	g, err := platform.VerifyGuest(tok, keys.Guest)
	require.NoError(t, err)
	require.Equal(t, "room1", g.RoomID)
}

func mustHMAC(t *testing.T, secret string) *platform.Signer {
	t.Helper()
	s, err := platform.NewHMACSigner([]byte(secret), "")
	require.NoError(t, err)
	return s
}

func TestLoadRelayMissingRequired(t *testing.T) {
	setRelayEnv(t)
	t.Setenv("RELAY_CORE_URL", "")

	_, err := LoadRelay()
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse env")
}

func TestRelayValidate(t *testing.T) {
	setRelayEnv(t)

	cases := map[string]map[string]string{
		"unknown store":          {"RELAY_STORE": "mongo"},
		"postgres without dsn":   {"RELAY_STORE": "postgres"},
		"no guest key material":  {"RELAY_GUEST_SECRET": ""},
		"zero retention":         {"RELAY_SESSION_RETENTION": "0s"},
		"shared platform secret": {"RELAY_GUEST_SECRET": "shared", "RELAY_HOST_SECRET": "shared"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := LoadRelay()
			require.Error(t, err)
		})
	}
}

func TestRelayValidateDistinctPlatformKeys(t *testing.T) {
	pub := "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"
	base := Relay{Store: StoreMemory, SweepInterval: time.Minute, Retention: time.Hour, BusCapacity: 16}

	shared := base
	shared.GuestSecret, shared.HostSecret = "shared", "shared"
	err := shared.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "distinct keys")

	sharedPEM := base
	sharedPEM.GuestPublicKey, sharedPEM.HostPublicKey = pub, pub+"\n"
	require.ErrorContains(t, sharedPEM.Validate(), "distinct keys")

	distinct := base
	distinct.GuestSecret, distinct.HostSecret = "guest", "host"
	require.NoError(t, distinct.Validate())
}

func TestAuthTestKeysSealForRelay(t *testing.T) {
	idp := testkeys.EC(t)
	relay := testkeys.EC(t)
	t.Setenv("AUTHTEST_SERVER_URL", "https://auth.example")
	t.Setenv("AUTHTEST_INTERNAL_URL", "http://authtest:8081")
	t.Setenv("AUTHTEST_CATALOG_FILE", "catalog.yaml")
	t.Setenv("AUTHTEST_SIGNING_KEY_FILE", testkeys.WriteFile(t, "idp.pem", idp.Private))
	t.Setenv("AUTHTEST_ENCRYPTION_KEY_FILE", testkeys.WriteFile(t, "relay.pub.pem", relay.Public))

	cfg, err := LoadAuthTest()
	require.NoError(t, err)
	require.False(t, cfg.WithSession)

	keys, err := cfg.Keys()
	require.NoError(t, err)

	sealed, err := envelope.Seal(envelope.AuthResult{Status: envelope.StatusSuccess, Attributes: map[string]string{"age": "42"}},
		keys.Signer, keys.Encrypter)
	require.NoError(t, err)

	v, err := envelope.VerifierFromPEM(envelope.KeyTypeEC, idp.Public)
	require.NoError(t, err)
	d, err := envelope.DecrypterFromPEM(envelope.KeyTypeEC, relay.Private)
	require.NoError(t, err)
	res, err := envelope.Open(sealed, v, d)
	require.NoError(t, err)
	require.Equal(t, "42", res.Attributes["age"])
}

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte("attributes:\n  age: \"42\"\n  email: jan@example.com\n"))
	require.NoError(t, err)
	require.Equal(t, continuation.Catalog{"age": "42", "email": "jan@example.com"}, cat)

	_, err = ParseCatalog([]byte("attributes: {}\n"))
	require.Error(t, err)

	_, err = ParseCatalog([]byte("attributes: [unterminated"))
	require.Error(t, err)
}

func TestLoadCatalogFile(t *testing.T) {
	path := testkeys.WriteFile(t, "catalog.yaml", []byte("attributes:\n  age: \"42\"\n"))
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.NoError(t, cat.Validate([]string{"age"}))

	_, err = LoadCatalog(path + ".missing")
	require.Error(t, err)
}
