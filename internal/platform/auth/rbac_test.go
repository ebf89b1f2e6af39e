package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{"nurse"}, []string{"nurse"}, true},
		{[]string{"nurse"}, []string{"physician", "nurse"}, true},
		{[]string{"pharmacist"}, []string{"physician"}, false},
		{[]string{"admin"}, []string{"physician"}, true},
		{nil, []string{"physician"}, false},
		{[]string{"nurse"}, nil, false},
	}

	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, []string{"physician"})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := RequireRole("physician", "nurse")
	if err := mw(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, []string{"pharmacist"})
	req = req.WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole("physician", "nurse")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, []string{"admin"})
	req = req.WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireRole("physician")(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
