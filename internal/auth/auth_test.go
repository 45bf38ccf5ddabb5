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

	"github.com/ashita-ai/kansoku/internal/auth"
)

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("dashboard", []auth.Scope{auth.ScopeStream}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))
	assert.True(t, expiresAt.Before(time.Now().Add(time.Hour+time.Minute)))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)
	assert.True(t, claims.Has(auth.ScopeStream))
	assert.False(t, claims.Has(auth.ScopeControl))
}

func TestIssueTokenRequiresSubjectAndScopes(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, _, err = mgr.IssueToken("", []auth.Scope{auth.ScopeStream}, 0)
	assert.Error(t, err)
	_, _, err = mgr.IssueToken("x", nil, 0)
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("viewer", []auth.Scope{auth.ScopeStream}, time.Minute)
	require.NoError(t, err)

	_, err = mgr.Authorize(token, auth.ScopeStream)
	require.NoError(t, err)

	claims, err := mgr.Authorize(token, auth.ScopeControl)
	require.ErrorIs(t, err, auth.ErrForbidden)
	assert.Equal(t, "viewer", claims.Subject)

	_, err = mgr.Authorize("garbage", auth.ScopeStream)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrForbidden)
}

func TestParseScope(t *testing.T) {
	s, err := auth.ParseScope("control")
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeControl, s)

	_, err = auth.ParseScope("admin")
	assert.Error(t, err)
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
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func forgedClaims(mutate func(*auth.Claims)) *auth.Claims {
	now := time.Now().UTC()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "viewer",
			Issuer:    "kansoku",
			Audience:  jwt.ClaimStrings{"kansoku"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Scopes: []auth.Scope{auth.ScopeStream},
	}
	mutate(c)
	return c
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	tests := []struct {
		name    string
		mutate  func(*auth.Claims)
		wantErr string
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "not-kansoku" }, "invalid issuer"},
		{"empty issuer", func(c *auth.Claims) { c.Issuer = "" }, "iss"},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} }, "invalid audience"},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, "expired"},
		{"no expiry", func(c *auth.Claims) { c.ExpiresAt = nil }, "exp"},
		{"no subject", func(c *auth.Claims) { c.Subject = "" }, "no subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, forgedClaims(tt.mutate)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := mgr.ValidateToken(forgeToken(t, privKey, forgedClaims(func(*auth.Claims) {})))
	require.NoError(t, err)
}

func TestValidateToken_OtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(forgeToken(t, otherKey, forgedClaims(func(*auth.Claims) {})))
	assert.Error(t, err)
}

func TestWriteKeyPair(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "jwt_private.pem")
	pubPath := filepath.Join(dir, "keys", "jwt_public.pem")

	require.NoError(t, auth.WriteKeyPair(privPath, pubPath))
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("x", []auth.Scope{auth.ScopeControl}, 0)
	require.NoError(t, err)
	_, err = mgr.Authorize(token, auth.ScopeControl)
	require.NoError(t, err)

	assert.Error(t, auth.WriteKeyPair(privPath, pubPath), "existing keys are never overwritten")
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, auth.WriteKeyPair(filepath.Join(dir, "a.pem"), filepath.Join(dir, "a.pub")))
	require.NoError(t, auth.WriteKeyPair(filepath.Join(dir, "b.pem"), filepath.Join(dir, "b.pub")))

	_, err := auth.NewJWTManager(filepath.Join(dir, "a.pem"), filepath.Join(dir, "b.pub"), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
