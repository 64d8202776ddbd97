// Package auth provides authentication for the relay control plane.
// Interactive clients present short-lived JWTs; agents and CI present
// long-lived API keys. Both resolve to an Identity scoped to one
// organization.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/store"
)

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Service handles authentication operations. Token validation goes through
// the builtin HS256 path unless an external JWKS provider is configured;
// API keys are always resolved against the store.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
	external  Provider
	bootstrap *config.BootstrapKey
}

// New creates the auth service for the configured provider.
func New(cfg config.AuthConfig, s store.Store) (*Service, error) {
	svc := &Service{
		store:     s,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		bootstrap: cfg.BootstrapKey,
	}

	switch cfg.Provider {
	case "builtin", "":
	case "jwks":
		p, err := NewJWKSProvider(cfg.JWKSIssuer, cfg.OrgClaim)
		if err != nil {
			return nil, err
		}
		svc.external = p
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}

	return svc, nil
}

// Name returns the active provider name.
func (s *Service) Name() string {
	if s.external != nil {
		return s.external.Name()
	}
	return "builtin"
}

// Bootstrap seeds the configured API key if it is not already present.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.bootstrap == nil {
		return nil
	}

	hash := HashAPIKey(s.bootstrap.Key)
	existing, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("check bootstrap key: %w", err)
	}
	if existing != nil {
		return nil
	}

	name := s.bootstrap.Name
	if name == "" {
		name = "bootstrap"
	}
	return s.store.CreateAPIKey(ctx, &store.APIKey{
		OrgID:   s.bootstrap.OrganizationID,
		Name:    name,
		KeyHash: hash,
	})
}

// IssueToken creates a signed JWT for the given subject within an
// organization. Only the builtin provider can issue tokens.
func (s *Service) IssueToken(orgID, subject, name string) (string, error) {
	if s.external != nil {
		return "", fmt.Errorf("token issuance is handled by %s", s.external.Name())
	}

	claims := &Claims{
		OrgID: orgID,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if s.external != nil {
		return s.external.ValidateToken(ctx, tokenStr)
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.OrgID == "" || claims.Subject == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{
		Subject: claims.Subject,
		Name:    claims.Name,
		OrgID:   claims.OrgID,
		Method:  "jwt",
	}, nil
}

// ValidateAPIKey resolves an API key to an Identity and records its use.
func (s *Service) ValidateAPIKey(ctx context.Context, key string) (*Identity, error) {
	rec, err := s.store.GetAPIKeyByHash(ctx, HashAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if rec == nil {
		return nil, ErrUnauthorized
	}

	// Best effort; a failed touch must not reject the key.
	_ = s.store.TouchAPIKey(ctx, rec.ID)

	return &Identity{
		Subject: rec.ID,
		Name:    rec.Name,
		OrgID:   rec.OrgID,
		Method:  "apikey",
	}, nil
}

// CreateAPIKey mints a new API key for an organization and returns the
// plaintext key. The plaintext is not recoverable afterwards.
func (s *Service) CreateAPIKey(ctx context.Context, orgID, name string) (string, *store.APIKey, error) {
	plaintext, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}

	rec := &store.APIKey{
		OrgID:   orgID,
		Name:    name,
		KeyHash: HashAPIKey(plaintext),
	}
	if err := s.store.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, rec, nil
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "gp_" + hex.EncodeToString(b), nil
}

// HashAPIKey returns the hex SHA-256 digest stored for an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
