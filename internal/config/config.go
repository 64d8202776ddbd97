// Package config handles relay service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret or API key.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay service configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Relay   RelayConfig   `json:"relay"`
	Browser BrowserConfig `json:"browser,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8090"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // websocket/CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max REST request body; default 1MB
}

// AuthConfig defines how tokens and API keys resolve to an organization.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`   // "builtin" (default) or "jwks"
	JWTSecret    string        `json:"jwt_secret,omitempty"` // HS256 secret for builtin tokens
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"` // e.g. "https://auth.example.com"
	OrgClaim     string        `json:"org_claim,omitempty"`   // claim carrying the org id; default "org_id"
	BootstrapKey *BootstrapKey `json:"bootstrap_key,omitempty"`
}

// BootstrapKey seeds one API key on first start so a fresh deployment can
// authenticate without manual database edits.
type BootstrapKey struct {
	OrganizationID string `json:"organization_id"`
	Key            string `json:"key"`
	Name           string `json:"name,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "glasspilot.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; default 30d
}

// RelayConfig defines channel behavior.
type RelayConfig struct {
	VerifyInterval    Duration `json:"verify_interval,omitempty"`      // anchor re-verification cadence; default 5s
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty"`    // max wait for an addressable session; default 2m
	DialTimeout       Duration `json:"dial_timeout,omitempty"`         // remote desktop dial bound; default 30s
	RelayPort         int      `json:"relay_port,omitempty"`           // remote desktop websocket port on the browser host; default 15900
	MaxFrameBytes     int64    `json:"max_frame_bytes,omitempty"`      // max inbound pixel-socket frame; default 1MB
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`    // max inbound control-socket message; default 256KB
	MaxChannelsPerOrg int      `json:"max_channels_per_org,omitempty"` // open channels per organization; default 50
}

// BrowserConfig defines the CDP command channel behavior.
type BrowserConfig struct {
	ConnectTimeout Duration `json:"connect_timeout,omitempty"` // CDP attach bound; default 30s
	OpTimeout      Duration `json:"op_timeout,omitempty"`      // per clipboard operation bound; default 15s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration. It accepts either a Go duration
// string ("30s") or a bare number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.Storage.Driver != "" && c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.OrgClaim == "" {
		c.Auth.OrgClaim = "org_id"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "glasspilot.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Relay.VerifyInterval.Duration == 0 {
		c.Relay.VerifyInterval.Duration = 5 * time.Second
	}
	if c.Relay.HandshakeTimeout.Duration == 0 {
		c.Relay.HandshakeTimeout.Duration = 2 * time.Minute
	}
	if c.Relay.DialTimeout.Duration == 0 {
		c.Relay.DialTimeout.Duration = 30 * time.Second
	}
	if c.Relay.RelayPort == 0 {
		c.Relay.RelayPort = 15900
	}
	if c.Relay.MaxFrameBytes == 0 {
		c.Relay.MaxFrameBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 256 * 1024 // 256KB
	}
	if c.Relay.MaxChannelsPerOrg == 0 {
		c.Relay.MaxChannelsPerOrg = 50
	}
	if c.Browser.ConnectTimeout.Duration == 0 {
		c.Browser.ConnectTimeout.Duration = 30 * time.Second
	}
	if c.Browser.OpTimeout.Duration == 0 {
		c.Browser.OpTimeout.Duration = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
