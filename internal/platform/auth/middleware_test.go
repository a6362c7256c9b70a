package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, path, authHeader string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return mw(handler)(c)
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSubject := validClaims("")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + createTestToken(t, validClaims("user-1"), []byte("other-key"))},
		{"expired", "Bearer " + createTestToken(t, expired, testSigningKey)},
		{"no subject", "Bearer " + createTestToken(t, noSubject, testSigningKey)},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, runMiddleware(t, mw, "/api/v1/bundle-templates", tt.header, ok), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	token := createTestToken(t, validClaims("user-456", "coordinator", "scheduler"), testSigningKey)
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+token,
		func(c echo.Context) error {
			ctx := c.Request().Context()
			if uid := UserIDFromContext(ctx); uid != "user-456" {
				t.Errorf("expected user_id=user-456, got %s", uid)
			}
			roles := RolesFromContext(ctx)
			if len(roles) != 2 || roles[0] != "coordinator" || roles[1] != "scheduler" {
				t.Errorf("unexpected roles %v", roles)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims("user-1")
	claims.Issuer = "https://idp.example"
	claims.Audience = jwt.ClaimStrings{"carelink"}
	token := createTestToken(t, claims, testSigningKey)

	good := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example", Audience: "carelink"})
	if err := runMiddleware(t, good, "/", "Bearer "+token, ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://other.example"})
	expectStatus(t, runMiddleware(t, bad, "/", "Bearer "+token, ok), http.StatusUnauthorized)
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		if err := runMiddleware(t, mw, path, "", ok); err != nil {
			t.Errorf("%s: expected skip, got %v", path, err)
		}
	}
	expectStatus(t, runMiddleware(t, mw, "/api/v1/recommendations/templates", "", ok), http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("user-rsa", "scheduler"))
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	err = runMiddleware(t, mw, "/", "Bearer "+signed, func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "user-rsa" {
			t.Error("expected subject from RS256 token")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An HS256 token must not pass when the middleware expects JWKS keys.
	hs := createTestToken(t, validClaims("user-1"), testSigningKey)
	expectStatus(t, runMiddleware(t, mw, "/", "Bearer "+hs, ok), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SetsDefaults(t *testing.T) {
	err := runMiddleware(t, DevAuthMiddleware(), "/", "", func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected [admin], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
