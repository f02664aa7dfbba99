// Package auth issues and validates the Ed25519-signed JWTs that guard the
// patternd ops API and MCP tools.
//
// Keys can be loaded from PEM files or auto-generated for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/model"
)

const (
	issuer   = "patternd"
	audience = "patternd"
)

// ErrTenantScope is returned when a tenant-bound token addresses another tenant.
var ErrTenantScope = errors.New("auth: token is not scoped to this tenant")

// Claims extends jwt.RegisteredClaims with the caller's role and tenant scope.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
	// TenantID binds the token to one tenant. Nil means every tenant, which
	// only operators may hold.
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
}

// CanAccess reports whether the claims may address tenantID.
func (c *Claims) CanAccess(tenantID uuid.UUID) bool {
	if c.TenantID == nil {
		return c.Role == model.RoleOperator
	}
	return *c.TenantID == tenantID
}

// Grant describes the token to issue.
type Grant struct {
	Subject  string
	Role     model.Role
	TenantID *uuid.UUID
	// TTL overrides the manager's default expiration when positive.
	TTL time.Duration
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return newManager(priv, pub, expiration), nil
	}

	edPriv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}

	// A private key from one environment deployed with another's public key
	// would sign tokens nobody can verify.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	return newManager(edPriv, edPub, expiration), nil
}

func newManager(priv ed25519.PrivateKey, pub ed25519.PublicKey, expiration time.Duration) *JWTManager {
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration, now: time.Now}
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return edKey, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return edKey, nil
}

// IssueToken creates a signed JWT for g.
func (m *JWTManager) IssueToken(g Grant) (string, time.Time, error) {
	if g.Subject == "" {
		return "", time.Time{}, fmt.Errorf("auth: subject is required")
	}
	if _, err := model.ParseRole(string(g.Role)); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: %w", err)
	}
	if g.TenantID == nil && g.Role != model.RoleOperator {
		return "", time.Time{}, fmt.Errorf("auth: %s tokens must be bound to a tenant", g.Role)
	}
	if g.TenantID != nil && *g.TenantID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("auth: tenant id must not be nil")
	}

	ttl := m.expiration
	if g.TTL > 0 {
		ttl = g.TTL
	}
	now := m.now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.Subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role:     g.Role,
		TenantID: g.TenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if _, err := model.ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if claims.TenantID == nil && claims.Role != model.RoleOperator {
		return nil, fmt.Errorf("auth: %s token carries no tenant", claims.Role)
	}
	return claims, nil
}

// GenerateKeyPair returns a fresh Ed25519 key pair as PKCS#8 and PKIX PEM blocks.
func GenerateKeyPair() (privPEM, pubPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), nil
}
