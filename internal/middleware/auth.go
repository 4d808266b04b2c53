package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderPrincipalID       = "X-Principal-ID"
	HeaderPrincipalRole     = "X-Principal-Role"
	HeaderPrincipalEntities = "X-Principal-Entities"
)

// Roles
const (
	RoleAdmin    = "admin"
	RoleTeacher  = "teacher"
	RoleGuardian = "parent"
)

// Principal is the already-authenticated caller.
type Principal struct {
	ID       string
	Role     string
	Entities []string
}

// CanAccessEntity reports whether the principal may see entityID. Staff roles
// see every entity; anyone else only the entities listed for them.
func (p *Principal) CanAccessEntity(entityID string) bool {
	if p == nil {
		return false
	}
	if p.Role == RoleAdmin || p.Role == RoleTeacher {
		return true
	}
	return slices.Contains(p.Entities, entityID)
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal resolved by Auth, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Auth resolves the principal from the proxy headers. Requests without one
// pass through anonymous; RequireAuth and RequireRole reject them.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		p := &Principal{
			ID:   id,
			Role: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderPrincipalRole))),
		}
		for _, e := range strings.Split(r.Header.Get(HeaderPrincipalEntities), ",") {
			if e = strings.TrimSpace(e); e != "" {
				p.Entities = append(p.Entities, e)
			}
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			deny(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects anonymous requests with 401 and principals outside roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !slices.Contains(roles, p.Role) {
				deny(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
