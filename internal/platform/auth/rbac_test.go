package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, required ...string) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "user-1", roles))
	c := e.NewContext(req, httptest.NewRecorder())
	return RequireRole(required...)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	if err := runWithRoles([]string{"nurse"}, "physician", "nurse"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := runWithRoles([]string{"lab_tech"}, "lab_supervisor", "pathologist")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
	if msg, _ := httpErr.Message.(string); msg != "required role: lab_supervisor or pathologist" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if err := runWithRoles([]string{"admin"}, "lab_supervisor"); err != nil {
		t.Errorf("admin should pass every role check: %v", err)
	}
}

func TestRequireRole_NoIdentity(t *testing.T) {
	if err := runWithRoles(nil, "lab_tech"); err == nil {
		t.Error("expected forbidden without roles")
	}
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-123", []string{"nurse"})
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if !HasRole(ctx, "nurse") || HasRole(ctx, "lab_tech") {
		t.Error("unexpected role check result")
	}

	anon := WithIdentity(context.Background(), "", []string{"admin"})
	if uid := UserIDFromContext(anon); uid != "" {
		t.Errorf("expected empty subject, got %s", uid)
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty string for bare context")
	}
}
