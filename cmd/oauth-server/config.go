package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/oauth-grants/signer"
)

// Storage backends
const (
	storageMemory = "memory"
	storageSQLite = "sqlite"
	storageValkey = "valkey"
)

// Config is the server configuration, read from OAUTH_* environment variables.
type Config struct {
	ListenAddr        string        `env:"OAUTH_LISTEN_ADDR"         envDefault:":8080"`
	Issuer            string        `env:"OAUTH_ISSUER,required"`
	AllowInsecureHTTP bool          `env:"OAUTH_ALLOW_INSECURE_HTTP"`
	ShutdownTimeout   time.Duration `env:"OAUTH_SHUTDOWN_TIMEOUT"    envDefault:"10s"`

	Storage        string        `env:"OAUTH_STORAGE"         envDefault:"memory"`
	SQLitePath     string        `env:"OAUTH_SQLITE_PATH"     envDefault:"oauth.db"`
	PurgeInterval  time.Duration `env:"OAUTH_PURGE_INTERVAL"  envDefault:"1m"`
	ValkeyAddress  string        `env:"OAUTH_VALKEY_ADDRESS"  envDefault:"localhost:6379"`
	ValkeyPassword string        `env:"OAUTH_VALKEY_PASSWORD"`
	ValkeyDB       int           `env:"OAUTH_VALKEY_DB"`

	SigningAlgorithm string `env:"OAUTH_SIGNING_ALGORITHM" envDefault:"HS256"`
	SigningSecret    string `env:"OAUTH_SIGNING_SECRET"`
	SigningKeyFile   string `env:"OAUTH_SIGNING_KEY_FILE"`
	SigningKeyID     string `env:"OAUTH_SIGNING_KEY_ID"`

	AccessTokenTTL       time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL"  envDefault:"1h"`
	RefreshTokenTTL      time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
	AuthorizationCodeTTL time.Duration `env:"OAUTH_CODE_TTL"          envDefault:"10m"`

	DisableRefreshTokenRotation bool     `env:"OAUTH_DISABLE_REFRESH_ROTATION"`
	RequirePKCE                 bool     `env:"OAUTH_REQUIRE_PKCE"`
	AllowPKCEPlain              bool     `env:"OAUTH_ALLOW_PKCE_PLAIN"`
	SupportedScopes             []string `env:"OAUTH_SUPPORTED_SCOPES" envSeparator:","`

	// TrustedUserHeader names a header set by an authenticating reverse proxy.
	// When set, its value is taken as the resource owner at the authorization endpoint.
	TrustedUserHeader string `env:"OAUTH_TRUSTED_USER_HEADER"`

	// ClientsJSON is a JSON array of clients registered at startup
	ClientsJSON string `env:"OAUTH_CLIENTS"`

	AuditEnabled   bool       `env:"OAUTH_AUDIT_ENABLED"   envDefault:"true"`
	MetricsEnabled bool       `env:"OAUTH_METRICS_ENABLED"`
	LogFormat      string     `env:"OAUTH_LOG_FORMAT"      envDefault:"json"`
	LogLevel       slog.Level `env:"OAUTH_LOG_LEVEL"       envDefault:"INFO"`
}

// bootstrapClient is one entry of OAUTH_CLIENTS.
type bootstrapClient struct {
	ClientID     string   `json:"client_id"`
	ClientType   string   `json:"client_type,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	ClientName   string   `json:"client_name,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// loadConfig parses and validates the configuration from environ.
// A nil environ reads the process environment.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !slices.Contains([]string{storageMemory, storageSQLite, storageValkey}, c.Storage) {
		return fmt.Errorf("OAUTH_STORAGE must be one of memory, sqlite, valkey; got %q", c.Storage)
	}

	switch c.SigningAlgorithm {
	case signer.AlgHS256:
		if c.SigningSecret == "" {
			return fmt.Errorf("OAUTH_SIGNING_SECRET is required for HS256")
		}
	case signer.AlgRS256, signer.AlgES256, signer.AlgEdDSA:
		if c.SigningKeyFile == "" {
			return fmt.Errorf("OAUTH_SIGNING_KEY_FILE is required for %s", c.SigningAlgorithm)
		}
	default:
		return fmt.Errorf("unsupported OAUTH_SIGNING_ALGORITHM %q", c.SigningAlgorithm)
	}

	if c.AccessTokenTTL < time.Second {
		return fmt.Errorf("OAUTH_ACCESS_TOKEN_TTL must be at least 1s")
	}
	if c.RefreshTokenTTL < 0 || c.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("token and code lifetimes must not be negative")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("OAUTH_LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}
	return nil
}

// clients decodes OAUTH_CLIENTS.
func (c Config) clients() ([]bootstrapClient, error) {
	if c.ClientsJSON == "" {
		return nil, nil
	}
	var clients []bootstrapClient
	if err := json.Unmarshal([]byte(c.ClientsJSON), &clients); err != nil {
		return nil, fmt.Errorf("parse OAUTH_CLIENTS: %w", err)
	}
	return clients, nil
}
