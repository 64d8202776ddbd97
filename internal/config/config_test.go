package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8090"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver: got %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Relay.VerifyInterval.Duration != 5*time.Second {
		t.Errorf("relay.verify_interval: got %v, want 5s", cfg.Relay.VerifyInterval.Duration)
	}
	if cfg.Relay.RelayPort != 15900 {
		t.Errorf("relay.relay_port: got %d, want 15900", cfg.Relay.RelayPort)
	}
	if cfg.Relay.MaxChannelsPerOrg != 50 {
		t.Errorf("relay.max_channels_per_org: got %d, want 50", cfg.Relay.MaxChannelsPerOrg)
	}
	if cfg.Auth.OrgClaim != "org_id" {
		t.Errorf("auth.org_claim: got %q, want org_id", cfg.Auth.OrgClaim)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format: got %q, want json", cfg.Logging.Format)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("server.allowed_origins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
}

func TestLoadDurationForms(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8090"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
		"relay": {"verify_interval": "2s", "handshake_timeout": 90}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.VerifyInterval.Duration != 2*time.Second {
		t.Errorf("string duration: got %v, want 2s", cfg.Relay.VerifyInterval.Duration)
	}
	if cfg.Relay.HandshakeTimeout.Duration != 90*time.Second {
		t.Errorf("numeric duration: got %v, want 90s", cfg.Relay.HandshakeTimeout.Duration)
	}
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, `{"server": {"addr": ":8090"}, "auth": {"jwt_secret": "short"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for short jwt secret")
	}
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8090"},
		"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for blocklisted secret")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8090"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
		"storage": {"driver": "mongodb"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestLoadRequiresIssuerForJWKS(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8090"},
		"auth": {"provider": "jwks"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for jwks provider without issuer")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
