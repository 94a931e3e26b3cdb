package security

import (
	"errors"
	"net/http"
	"strings"
)

// Device roles. A token's role bounds what its device may do: owner is the
// household administrator, member is a normal device, readonly is a display
// device (wall tablet, dashboard) that follows changes but never writes.
const (
	RoleOwner    = "owner"
	RoleMember   = "member"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOwner, RoleMember, RoleReadonly}

// ErrInsufficientRole is returned when a token's role does not permit the
// requested route.
var ErrInsufficientRole = errors.New("security: insufficient role")

// FeedPath is the WebSocket change-feed route. It is the only route where
// AuthMiddleware accepts a ?token= query parameter.
const FeedPath = "/sync/feed"

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method, "*" for any
	Pattern string // exact path, or prefix when it ends with "/"
	Roles   []string
}

// permissions is consulted in order; the first matching row decides.
// Anything unmatched is owner-only.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/sync/changes", Roles: []string{RoleOwner, RoleMember, RoleReadonly}},
	{Method: "GET", Pattern: FeedPath, Roles: []string{RoleOwner, RoleMember, RoleReadonly}},
	{Method: "*", Pattern: "/sync", Roles: []string{RoleOwner, RoleMember}},
}

// RBACMiddleware checks the authenticated token's role against the route
// permission table. It must sit inside AuthMiddleware; a request without
// claims passes through untouched so open routes stay open.
func RBACMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"` + ErrInsufficientRole.Error() + `"}`)) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission reports whether the given role may access method+path.
// Owner always may; tokens minted before roles existed count as member.
func CheckPermission(role, method, path string) bool {
	if role == RoleOwner {
		return true
	}
	if role == "" {
		role = RoleMember
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if !matchRoute(perm.Pattern, path) {
			continue
		}
		if perm.Method != "*" && perm.Method != method {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

func matchRoute(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, strings.TrimRight(pattern, "/"))
	}
	return path == pattern
}
