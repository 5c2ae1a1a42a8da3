// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable with RELAY_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Relay configures cmd/relay. Variables ending in _FILE name a PEM file whose
// contents are loaded into the field.
type Relay struct {
	HTTPAddr    string `env:"RELAY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"RELAY_GRPC_ADDR" envDefault:":9090"`
	LogLevel    string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	Environment string `env:"RELAY_ENV" envDefault:"dev"`

	// InternalURL is where the identity service reaches /internal routes.
	InternalURL string `env:"RELAY_INTERNAL_URL,notEmpty"`
	// ExternalGuestURL is the guest-facing base, e.g. https://relay/guest.
	ExternalGuestURL string `env:"RELAY_EXTERNAL_GUEST_URL,notEmpty"`
	CoreURL          string `env:"RELAY_CORE_URL,notEmpty"`
	WidgetURL        string `env:"RELAY_WIDGET_URL,notEmpty"`
	DisplayName      string `env:"RELAY_DISPLAY_NAME" envDefault:"Auth relay"`

	Store       string `env:"RELAY_STORE" envDefault:"memory"`
	DatabaseURL string `env:"RELAY_DATABASE_URL"`
	SQLitePath  string `env:"RELAY_SQLITE_PATH" envDefault:"relay.db"`
	AutoMigrate bool   `env:"RELAY_AUTO_MIGRATE" envDefault:"true"`

	RedisURL     string `env:"RELAY_REDIS_URL"`
	RedisChannel string `env:"RELAY_REDIS_CHANNEL" envDefault:"authrelay:session-updates"`
	BusCapacity  int    `env:"RELAY_BUS_CAPACITY" envDefault:"1024"`

	SweepInterval time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"5m"`
	Retention     time.Duration `env:"RELAY_SESSION_RETENTION" envDefault:"1h"`
	Heartbeat     time.Duration `env:"RELAY_LIVE_HEARTBEAT" envDefault:"15s"`
	CoreTimeout   time.Duration `env:"RELAY_CORE_TIMEOUT" envDefault:"10s"`

	RateBurst   int      `env:"RELAY_RATE_BURST" envDefault:"20"`
	RatePerSec  int      `env:"RELAY_RATE_PER_SEC" envDefault:"10"`
	TrustProxy  bool     `env:"RELAY_TRUST_PROXY" envDefault:"false"`
	HostOrigins []string `env:"RELAY_HOST_ORIGINS" envSeparator:","`

	GuestSecret    string `env:"RELAY_GUEST_SECRET"`
	GuestPublicKey string `env:"RELAY_GUEST_PUBLIC_KEY_FILE,file"`
	HostSecret     string `env:"RELAY_HOST_SECRET"`
	HostPublicKey  string `env:"RELAY_HOST_PUBLIC_KEY_FILE,file"`

	WidgetSigningKey    string `env:"RELAY_WIDGET_SIGNING_KEY_FILE,file,notEmpty"`
	StartAuthSigningKey string `env:"RELAY_START_AUTH_SIGNING_KEY_FILE,file,notEmpty"`
	StartAuthKeyID      string `env:"RELAY_START_AUTH_KEY_ID,notEmpty"`

	ResultKeyType       string `env:"RELAY_RESULT_KEY_TYPE" envDefault:"EC"`
	ResultVerifierKey   string `env:"RELAY_RESULT_VERIFIER_KEY_FILE,file,notEmpty"`
	ResultDecryptionKey string `env:"RELAY_RESULT_DECRYPTION_KEY_FILE,file,notEmpty"`
}

// AuthTest configures cmd/authtest, the stand-in identity provider.
type AuthTest struct {
	HTTPAddr    string `env:"AUTHTEST_HTTP_ADDR" envDefault:":8081"`
	LogLevel    string `env:"AUTHTEST_LOG_LEVEL" envDefault:"info"`
	ServerURL   string `env:"AUTHTEST_SERVER_URL,notEmpty"`
	InternalURL string `env:"AUTHTEST_INTERNAL_URL,notEmpty"`
	WithSession bool   `env:"AUTHTEST_WITH_SESSION" envDefault:"false"`
	CatalogFile string `env:"AUTHTEST_CATALOG_FILE,notEmpty"`

	KeyType       string `env:"AUTHTEST_KEY_TYPE" envDefault:"EC"`
	SigningKey    string `env:"AUTHTEST_SIGNING_KEY_FILE,file,notEmpty"`
	EncryptionKey string `env:"AUTHTEST_ENCRYPTION_KEY_FILE,file,notEmpty"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadRelay parses and validates the relay configuration.
func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		return Relay{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Relay) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("RELAY_DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RELAY_STORE %q", c.Store))
	}
	if c.GuestSecret == "" && c.GuestPublicKey == "" {
		errs = append(errs, errors.New("one of RELAY_GUEST_SECRET or RELAY_GUEST_PUBLIC_KEY_FILE is required"))
	}
	if c.HostSecret == "" && c.HostPublicKey == "" {
		errs = append(errs, errors.New("one of RELAY_HOST_SECRET or RELAY_HOST_PUBLIC_KEY_FILE is required"))
	}
	if (c.GuestSecret != "" && c.GuestSecret == c.HostSecret) ||
		(c.GuestPublicKey != "" && strings.TrimSpace(c.GuestPublicKey) == strings.TrimSpace(c.HostPublicKey)) {
		errs = append(errs, errors.New("RELAY_GUEST_* and RELAY_HOST_* must use distinct keys"))
	}
	if c.SweepInterval <= 0 || c.Retention <= 0 {
		errs = append(errs, errors.New("sweep interval and retention must be positive"))
	}
	if c.BusCapacity <= 0 {
		errs = append(errs, errors.New("RELAY_BUS_CAPACITY must be positive"))
	}
	return errors.Join(errs...)
}

// LoadAuthTest parses the test identity provider configuration.
func LoadAuthTest() (AuthTest, error) {
	var cfg AuthTest
	if err := ParseEnv(&cfg); err != nil {
		return AuthTest{}, err
	}
	return cfg, nil
}
