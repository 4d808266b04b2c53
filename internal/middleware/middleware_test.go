package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryReturns500(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recovery, Logging)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoggingSetsRequestID(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Logging)
	r.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/things/{id}", routeLabel(r))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/7", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/things/8", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), mw("a"), mw("b"), mw("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestAuthResolvesPrincipal(t *testing.T) {
	var got *Principal
	h := Auth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderPrincipalID, "u-7")
	req.Header.Set(HeaderPrincipalRole, "Parent")
	req.Header.Set(HeaderPrincipalEntities, "1, 3,,")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "u-7", got.ID)
	assert.Equal(t, RoleGuardian, got.Role)
	assert.Equal(t, []string{"1", "3"}, got.Entities)
	assert.True(t, got.CanAccessEntity("3"))
	assert.False(t, got.CanAccessEntity("2"))
}

func TestAuthAnonymous(t *testing.T) {
	called := false
	h := Auth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok := PrincipalFrom(r.Context())
		assert.False(t, ok)
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Chain(ok, Auth, RequireRole(RoleAdmin))

	tests := []struct {
		name string
		id   string
		role string
		want int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"teacher", "t-1", "teacher", http.StatusForbidden},
		{"admin", "a-1", "admin", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.id != "" {
				req.Header.Set(HeaderPrincipalID, tt.id)
				req.Header.Set(HeaderPrincipalRole, tt.role)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireAuth(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), Auth, RequireAuth)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderPrincipalID, "p-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaffSeesEveryEntity(t *testing.T) {
	assert.True(t, (&Principal{Role: RoleTeacher}).CanAccessEntity("42"))
	assert.True(t, (&Principal{Role: RoleAdmin}).CanAccessEntity("42"))
	var nobody *Principal
	assert.False(t, nobody.CanAccessEntity("42"))
}
