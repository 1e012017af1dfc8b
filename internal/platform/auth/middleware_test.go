package auth

import (
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
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (Principal, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Principal
	handler := func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}
	err := JWTMiddleware(cfg)(handler)(c)
	return got, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sp-1",
			Issuer:    "slotbook",
			Audience:  jwt.ClaimStrings{"slotbook-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "sp@example.com",
		Name:  "Dr. Vale",
		Roles: []string{RoleSpecialist},
	}
	token := createTestToken(t, claims, testSigningKey)

	got, err := runJWT(t, JWTConfig{Issuer: "slotbook", Audience: "slotbook-api", SigningKey: testSigningKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "sp-1" || got.Email != "sp@example.com" || !got.HasRole(RoleSpecialist) {
		t.Errorf("unexpected principal: %+v", got)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sp-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingExpiry(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sp-1"}}
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sp-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := createTestToken(t, claims, []byte("another-key"))
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongAudience(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sp-1",
			Audience:  jwt.ClaimStrings{"other"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, JWTConfig{Audience: "slotbook-api", SigningKey: testSigningKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestSignToken_RoundTrip(t *testing.T) {
	cfg := JWTConfig{Issuer: "slotbook", Audience: "slotbook-api", SigningKey: testSigningKey}
	token, err := SignToken(cfg, Principal{ID: "cust-1", Roles: []string{RoleCustomer}}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := runJWT(t, cfg, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "cust-1" || !got.HasRole(RoleCustomer) {
		t.Errorf("unexpected principal: %+v", got)
	}
}

func TestSignToken_NoKey(t *testing.T) {
	if _, err := SignToken(JWTConfig{}, Principal{ID: "x"}, time.Hour); err == nil {
		t.Error("expected error without signing key")
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Principal
	err := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "dev-user" || !got.IsAdmin() {
		t.Errorf("unexpected principal: %+v", got)
	}
}

func TestDevAuthMiddleware_Headers(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "cust-7")
	req.Header.Set("X-User-Email", "c7@example.com")
	req.Header.Set("X-User-Roles", "customer, specialist")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Principal
	err := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "cust-7" || got.Email != "c7@example.com" {
		t.Errorf("unexpected principal: %+v", got)
	}
	if !got.HasRole(RoleCustomer) || !got.HasRole(RoleSpecialist) || got.IsAdmin() {
		t.Errorf("unexpected roles: %v", got.Roles)
	}
	if c.Get("user_id") != "cust-7" {
		t.Errorf("expected user_id on echo context, got %v", c.Get("user_id"))
	}
}
