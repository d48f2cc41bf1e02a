package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	appctx "github.com/lizcirble/shakabackend/internal/context"
	"github.com/lizcirble/shakabackend/internal/identity"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFunc func(ctx context.Context, token string) (*identity.Identity, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (*identity.Identity, error) {
	return f(ctx, token)
}

var stubVerifier = verifierFunc(func(_ context.Context, token string) (*identity.Identity, error) {
	if token != "good-token" {
		return nil, errors.New("bad token")
	}
	return &identity.Identity{ExternalID: "did:privy:carol", Addresses: []string{"0xabc0000000000000000000000000000000000002"}}, nil
})

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Logger(logging.NewNoOpLogger()))
	r.GET("/whoami", append(mw, func(c *gin.Context) {
		if u, ok := appctx.GetUser(c); ok {
			c.String(http.StatusOK, u.ID)
			return
		}
		c.String(http.StatusOK, "anonymous")
	})...)
	return r
}

func do(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func setup(t *testing.T) (auth.UserService, *auth.User) {
	t.Helper()
	users := auth.NewUserService(storetest.New(t).DB(), 100)
	u, err := users.UpsertFromIdentity(context.Background(), &identity.Identity{ExternalID: "did:privy:alice"})
	require.NoError(t, err)
	return users, u
}

func TestRequiredAcceptsAPIKey(t *testing.T) {
	users, u := setup(t)
	r := newRouter(NewAuthenticator(users, stubVerifier).Required())

	w := do(r, "Bearer "+u.APIKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, u.ID, w.Body.String())
}

func TestRequiredAcceptsIdentityToken(t *testing.T) {
	users, _ := setup(t)
	r := newRouter(NewAuthenticator(users, stubVerifier).Required())

	first := do(r, "Bearer good-token")
	require.Equal(t, http.StatusOK, first.Code)
	second := do(r, "Bearer good-token")
	assert.Equal(t, first.Body.String(), second.Body.String(), "the same identity maps to one user")
}

func TestRequiredRejects(t *testing.T) {
	users, u := setup(t)
	require.NoError(t, users.SetStatus(context.Background(), u.ID, auth.StatusBanned))
	r := newRouter(NewAuthenticator(users, stubVerifier).Required())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"unknown key", "Bearer sk-unknown", http.StatusUnauthorized},
		{"bad identity token", "Bearer bad-token", http.StatusUnauthorized},
		{"banned account", "Bearer " + u.APIKey, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(r, tt.header).Code)
		})
	}
}

func TestIdentityTokensNeedVerifier(t *testing.T) {
	users, _ := setup(t)
	r := newRouter(NewAuthenticator(users, nil).Required())
	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer good-token").Code)
}

func TestOptional(t *testing.T) {
	users, u := setup(t)
	r := newRouter(NewAuthenticator(users, stubVerifier).Optional())

	w := do(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())

	w = do(r, "Bearer "+u.APIKey)
	assert.Equal(t, u.ID, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer sk-unknown").Code, "a bad header is not anonymous")
}

func TestAdminTokenAuth(t *testing.T) {
	r := newRouter(AdminTokenAuth("s3cret"))
	assert.Equal(t, http.StatusOK, do(r, "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)

	unconfigured := newRouter(AdminTokenAuth(""))
	assert.Equal(t, http.StatusServiceUnavailable, do(unconfigured, "Bearer s3cret").Code)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "2xx", statusText(201))
	assert.Equal(t, "3xx", statusText(304))
	assert.Equal(t, "4xx", statusText(409))
	assert.Equal(t, "5xx", statusText(502))
}
