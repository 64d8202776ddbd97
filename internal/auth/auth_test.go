package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}

	svc, err := New(cfg, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, s
}

func TestIssueAndValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	orgID := uuid.NewString()
	token, err := svc.IssueToken(orgID, "user-1", "Alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token == "" {
		t.Fatal("IssueToken returned empty token")
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity.OrgID != orgID {
		t.Errorf("OrgID = %q, want %q", identity.OrgID, orgID)
	}
	if identity.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", identity.Subject, "user-1")
	}
	if identity.Method != "jwt" {
		t.Errorf("Method = %q, want %q", identity.Method, "jwt")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.ValidateToken(ctx, token); err != ErrUnauthorized {
			t.Errorf("ValidateToken(%q) err = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	other, err := New(config.AuthConfig{
		JWTSecret: "another-secret-also-32-chars-long!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := other.IssueToken(uuid.NewString(), "user-1", "")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	expired, err := New(config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: -time.Minute},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := expired.IssueToken(uuid.NewString(), "user-1", "")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := expired.ValidateToken(context.Background(), token); err != ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	svc, st := newTestAuthService(t)
	ctx := context.Background()

	orgID := uuid.NewString()
	plaintext, rec, err := svc.CreateAPIKey(ctx, orgID, "ci")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(plaintext, "gp_") {
		t.Errorf("key %q missing gp_ prefix", plaintext)
	}
	if rec.KeyHash == plaintext {
		t.Error("stored hash equals plaintext")
	}

	identity, err := svc.ValidateAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if identity.OrgID != orgID {
		t.Errorf("OrgID = %q, want %q", identity.OrgID, orgID)
	}
	if identity.Subject != rec.ID {
		t.Errorf("Subject = %q, want %q", identity.Subject, rec.ID)
	}
	if identity.Method != "apikey" {
		t.Errorf("Method = %q, want %q", identity.Method, "apikey")
	}

	if _, err := svc.ValidateAPIKey(ctx, "gp_unknown"); err != ErrUnauthorized {
		t.Errorf("unknown key err = %v, want ErrUnauthorized", err)
	}

	// A deleted key is indistinguishable from one that never existed.
	if err := st.DeleteAPIKey(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := svc.ValidateAPIKey(ctx, plaintext); err != ErrUnauthorized {
		t.Errorf("deleted key err = %v, want ErrUnauthorized", err)
	}
}

func TestBootstrapSeedsAPIKey(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	orgID := uuid.NewString()
	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
		BootstrapKey: &config.BootstrapKey{
			OrganizationID: orgID,
			Key:            "gp_bootstrap-key-material",
		},
	}
	svc, err := New(cfg, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	identity, err := svc.ValidateAPIKey(ctx, "gp_bootstrap-key-material")
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if identity.OrgID != orgID {
		t.Errorf("OrgID = %q, want %q", identity.OrgID, orgID)
	}
	if identity.Name != "bootstrap" {
		t.Errorf("Name = %q, want %q", identity.Name, "bootstrap")
	}

	// Second bootstrap is idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	keys, err := s.ListAPIKeys(ctx, orgID)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 key after double bootstrap, got %d", len(keys))
	}
}

func TestHashAPIKeyStable(t *testing.T) {
	if HashAPIKey("abc") != HashAPIKey("abc") {
		t.Error("hash not deterministic")
	}
	if HashAPIKey("abc") == HashAPIKey("abd") {
		t.Error("distinct keys share a hash")
	}
	if len(HashAPIKey("abc")) != 64 {
		t.Errorf("hash length = %d, want 64", len(HashAPIKey("abc")))
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.AuthConfig{Provider: "saml"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
