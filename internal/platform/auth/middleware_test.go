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

func runJWT(t *testing.T, cfg JWTConfig, path, header string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	if handler == nil {
		handler = func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	}
	return JWTMiddleware(cfg)(handler)(c)
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "", nil)
	expectUnauthorized(t, err)
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
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", tt.header, nil)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: []string{"lab_tech", "nurse"},
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	var handlerCalled bool
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, func(c echo.Context) error {
		handlerCalled = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "tech-1" {
			t.Errorf("expected user_id=tech-1, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != "lab_tech" || roles[1] != "nurse" {
			t.Errorf("expected roles=[lab_tech nurse], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_RejectedTokens(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "tech-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tests := []struct {
		name   string
		cfg    JWTConfig
		claims Claims
		key    []byte
	}{
		{
			name: "expired",
			cfg:  JWTConfig{SigningKey: testSigningKey},
			claims: Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "tech-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			}},
			key: testSigningKey,
		},
		{"wrong key", JWTConfig{SigningKey: testSigningKey}, Claims{RegisteredClaims: valid}, []byte("another-key")},
		{"wrong issuer", JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.hospital.org"}, Claims{RegisteredClaims: valid}, testSigningKey},
		{"no subject", JWTConfig{SigningKey: testSigningKey}, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: valid.ExpiresAt}}, testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runJWT(t, tt.cfg, "/", "Bearer "+createTestToken(t, tt.claims, tt.key), nil)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		if err := runJWT(t, cfg, path, "", nil); err != nil {
			t.Errorf("%s: expected skip, got %v", path, err)
		}
	}
	expectUnauthorized(t, runJWT(t, cfg, "/api/v1/lab/requests", "", nil))
}

func TestDevAuthMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		user      string
		roles     string
		wantUser  string
		wantRoles []string
	}{
		{"anonymous admin", "", "", "", []string{"admin"}},
		{"named user", "sup-1", "", "sup-1", []string{"admin"}},
		{"named roles", "tech-1", "lab_tech, nurse", "tech-1", []string{"lab_tech", "nurse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user != "" {
				req.Header.Set(DevUserHeader, tt.user)
			}
			if tt.roles != "" {
				req.Header.Set(DevRolesHeader, tt.roles)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := DevAuthMiddleware(nil)(func(c echo.Context) error {
				ctx := c.Request().Context()
				if uid := UserIDFromContext(ctx); uid != tt.wantUser {
					t.Errorf("expected user %q, got %q", tt.wantUser, uid)
				}
				roles := RolesFromContext(ctx)
				if len(roles) != len(tt.wantRoles) {
					t.Fatalf("expected roles %v, got %v", tt.wantRoles, roles)
				}
				for i := range roles {
					if roles[i] != tt.wantRoles[i] {
						t.Errorf("expected roles %v, got %v", tt.wantRoles, roles)
					}
				}
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/health")

	err := DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if roles := RolesFromContext(c.Request().Context()); roles != nil {
			t.Errorf("expected no identity on skipped path, got %v", roles)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
