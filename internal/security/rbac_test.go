package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckPermission(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		method string
		path   string
		want   bool
	}{
		{"owner posts sync", RoleOwner, "POST", "/sync", true},
		{"owner anything", RoleOwner, "DELETE", "/whatever", true},
		{"member posts sync", RoleMember, "POST", "/sync", true},
		{"member reads changes", RoleMember, "GET", "/sync/changes", true},
		{"member reads feed", RoleMember, "GET", "/sync/feed", true},
		{"member denied elsewhere", RoleMember, "POST", "/admin", false},
		{"readonly reads changes", RoleReadonly, "GET", "/sync/changes", true},
		{"readonly reads feed", RoleReadonly, "GET", "/sync/feed", true},
		{"readonly cannot post sync", RoleReadonly, "POST", "/sync", false},
		{"empty role counts as member", "", "POST", "/sync", true},
		{"trailing slash normalized", RoleMember, "GET", "/sync/changes/", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CheckPermission(tc.role, tc.method, tc.path); got != tc.want {
				t.Errorf("CheckPermission(%q, %s, %s) = %v, want %v",
					tc.role, tc.method, tc.path, got, tc.want)
			}
		})
	}
}

func TestRBACMiddleware(t *testing.T) {
	handler := AuthMiddleware(testSecret)(RBACMiddleware()(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	post := func(t *testing.T, role string) int {
		t.Helper()
		tok, err := GenerateToken("user-1", "house-1", "display", role, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req := httptest.NewRequest("POST", "/sync", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(t, RoleMember); code != http.StatusOK {
		t.Errorf("member POST /sync = %d, want 200", code)
	}
	if code := post(t, RoleReadonly); code != http.StatusForbidden {
		t.Errorf("readonly POST /sync = %d, want 403", code)
	}
}

func TestRBACMiddlewarePassesOpenRoutes(t *testing.T) {
	// Without AuthMiddleware there are no claims; the route is open and
	// RBAC has nothing to restrict.
	handler := RBACMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("open route = %d, want 200", rec.Code)
	}
}
