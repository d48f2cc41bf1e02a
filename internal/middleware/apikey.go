package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	appctx "github.com/lizcirble/shakabackend/internal/context"
	"github.com/lizcirble/shakabackend/internal/identity"
)

const apiKeyPrefix = "sk-"

// Authenticator resolves "Authorization: Bearer <token>" to a local user.
// Tokens starting with "sk-" are API keys; anything else is treated as an
// identity-provider access token and exchanged for the linked user.
type Authenticator struct {
	users    auth.UserService
	verifier identity.Verifier // nil disables identity tokens
}

// NewAuthenticator creates the bearer authenticator.
func NewAuthenticator(users auth.UserService, verifier identity.Verifier) *Authenticator {
	return &Authenticator{users: users, verifier: verifier}
}

type authFailure struct {
	status int
	msg    string
}

// Required rejects requests without a valid bearer token and injects the
// authenticated User into the context.
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header (expected: Bearer <token>)",
			})
			return
		}
		user, fail := a.resolve(c, raw)
		if fail != nil {
			c.AbortWithStatusJSON(fail.status, gin.H{"error": fail.msg})
			return
		}
		c.Set(appctx.CtxKeyUser, user)
		c.Next()
	}
}

// Optional lets requests without an Authorization header through as
// anonymous. A header that is present must still be valid.
func (a *Authenticator) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}
		a.Required()(c)
	}
}

func (a *Authenticator) resolve(c *gin.Context, token string) (*auth.User, *authFailure) {
	ctx := c.Request.Context()

	var (
		user *auth.User
		err  error
	)
	if strings.HasPrefix(token, apiKeyPrefix) {
		user, err = a.users.GetByAPIKey(ctx, token)
		if err != nil {
			return nil, &authFailure{http.StatusUnauthorized, "invalid api key"}
		}
	} else {
		if a.verifier == nil {
			return nil, &authFailure{http.StatusUnauthorized, "invalid api key"}
		}
		id, verr := a.verifier.Verify(ctx, token)
		if verr != nil {
			return nil, &authFailure{http.StatusUnauthorized, "invalid access token"}
		}
		user, err = a.users.UpsertFromIdentity(ctx, id)
		if err != nil {
			return nil, &authFailure{http.StatusInternalServerError, "failed to load account"}
		}
	}

	if !user.IsActive() {
		return nil, &authFailure{http.StatusForbidden, "account is " + string(user.Status)}
	}
	return user, nil
}

// extractBearerToken gets the token from "Authorization: Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AdminTokenAuth returns a Gin middleware that validates the admin token
// from the Authorization header (format: "Bearer <admin-token>").
func AdminTokenAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin authentication not configured",
			})
			return
		}

		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header (expected: Bearer <admin-token>)",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid admin token",
			})
			return
		}

		c.Next()
	}
}
