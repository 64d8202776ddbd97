package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/pkg/cli"
)

func runWizard(t *testing.T, input string) (config.Config, string) {
	t.Helper()
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "relay-config.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg, out.String()
}

func TestWizardSQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",           // listen address
		"1",               // storage: sqlite
		"./data/relay.db", // sqlite path
		"15901",           // relay port
		"acme",            // organization
	}, "\n") + "\n"

	cfg, out := runWizard(t, input)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "./data/relay.db" {
		t.Errorf("storage.dsn = %q, want ./data/relay.db", cfg.Storage.DSN)
	}
	if cfg.Relay.RelayPort != 15901 {
		t.Errorf("relay.relay_port = %d, want 15901", cfg.Relay.RelayPort)
	}
	if cfg.Auth.BootstrapKey == nil {
		t.Fatal("auth.bootstrap_key is nil")
	}
	if cfg.Auth.BootstrapKey.OrganizationID != "acme" {
		t.Errorf("bootstrap org = %q, want acme", cfg.Auth.BootstrapKey.OrganizationID)
	}
	if !strings.HasPrefix(cfg.Auth.BootstrapKey.Key, "gp_") {
		t.Errorf("bootstrap key = %q, want gp_ prefix", cfg.Auth.BootstrapKey.Key)
	}
	// The key must be shown to the operator, it is their only copy.
	if !strings.Contains(out, cfg.Auth.BootstrapKey.Key) {
		t.Error("bootstrap key not printed to output")
	}
}

func TestWizardPostgres(t *testing.T) {
	input := strings.Join([]string{
		"",                                  // listen address (default)
		"2",                                 // storage: postgres
		"postgres://relay:pw@db:5432/relay", // DSN
		"",                                  // relay port (default)
		"",                                  // organization (default)
	}, "\n") + "\n"

	cfg, _ := runWizard(t, input)

	if cfg.Server.Addr != ":8090" {
		t.Errorf("server.addr = %q, want :8090", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "postgres://relay:pw@db:5432/relay" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Relay.RelayPort != 15900 {
		t.Errorf("relay.relay_port = %d, want 15900", cfg.Relay.RelayPort)
	}
	if cfg.Auth.BootstrapKey == nil || cfg.Auth.BootstrapKey.OrganizationID != "default" {
		t.Errorf("bootstrap key org = %+v, want default", cfg.Auth.BootstrapKey)
	}
}

func TestRunDefaultsUsesEnv(t *testing.T) {
	t.Setenv("GLASSPILOT_ADDR", ":7070")
	t.Setenv("GLASSPILOT_ORG", "env-org")
	t.Setenv("GLASSPILOT_BOOTSTRAP_KEY", "gp_fixed_key_from_env")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}
	outputPath := filepath.Join(t.TempDir(), "relay-config.json")

	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Auth.BootstrapKey == nil || cfg.Auth.BootstrapKey.Key != "gp_fixed_key_from_env" {
		t.Errorf("bootstrap key = %+v, want the env value", cfg.Auth.BootstrapKey)
	}
	if cfg.Auth.BootstrapKey.OrganizationID != "env-org" {
		t.Errorf("bootstrap org = %q, want env-org", cfg.Auth.BootstrapKey.OrganizationID)
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("jwt secret not generated")
	}
}

func TestRunDefaultsPostgresRequiresDSN(t *testing.T) {
	t.Setenv("GLASSPILOT_STORAGE_DRIVER", "postgres")
	t.Setenv("GLASSPILOT_STORAGE_DSN", "")

	p := &cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	err := New(p).RunDefaults(filepath.Join(t.TempDir(), "c.json"))
	if err == nil {
		t.Fatal("expected an error without GLASSPILOT_STORAGE_DSN")
	}
}
