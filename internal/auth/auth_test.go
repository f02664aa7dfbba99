package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/model"
)

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	tenant := uuid.New()
	token, expiresAt, err := mgr.IssueToken(auth.Grant{Subject: "engine-eu-1", Role: model.RoleEngine, TenantID: &tenant})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "engine-eu-1", claims.Subject)
	assert.Equal(t, model.RoleEngine, claims.Role)
	require.NotNil(t, claims.TenantID)
	assert.Equal(t, tenant, *claims.TenantID)
	assert.True(t, claims.CanAccess(tenant))
	assert.False(t, claims.CanAccess(uuid.New()))
}

func TestOperatorTokenSpansTenants(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(auth.Grant{Subject: "oncall", Role: model.RoleOperator, TTL: 5 * time.Minute})
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Nil(t, claims.TenantID)
	assert.True(t, claims.CanAccess(uuid.New()))
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)
}

func TestIssueTokenRejectsBadGrants(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	nilTenant := uuid.Nil

	cases := map[string]auth.Grant{
		"missing subject": {Role: model.RoleOperator},
		"unknown role":    {Subject: "x", Role: "admin"},
		"unscoped reader": {Subject: "x", Role: model.RoleReader},
		"nil tenant id":   {Subject: "x", Role: model.RoleEngine, TenantID: &nilTenant},
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := mgr.IssueToken(g)
			require.Error(t, err)
		})
	}
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(issuer string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   "oncall",
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{"patternd"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("not-patternd"), Role: model.RoleOperator})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_UnscopedNonOperator(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("patternd"), Role: model.RoleReader})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carries no tenant")
}

func TestValidateToken_ForeignKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token := forgeToken(t, other, &auth.Claims{RegisteredClaims: registered("patternd"), Role: model.RoleOperator})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	privA, _, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	_, pubB, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, privA, 0600))
	require.NoError(t, os.WriteFile(pubPath, pubB, 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
