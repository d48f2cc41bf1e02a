package context

import (
	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
)

// Context key for the authenticated user.
const CtxKeyUser = "auth_user"

// MustGetUser extracts the authenticated user from the Gin context.
// Panics if not present (only call behind a required auth middleware).
func MustGetUser(c *gin.Context) *auth.User {
	u, ok := GetUser(c)
	if !ok {
		panic("MustGetUser called without an auth middleware")
	}
	return u
}

// GetUser returns the caller if one authenticated. Routes behind
// OptionalAuth use it to tell anonymous requests apart.
func GetUser(c *gin.Context) (*auth.User, bool) {
	v, exists := c.Get(CtxKeyUser)
	if !exists {
		return nil, false
	}
	u, ok := v.(*auth.User)
	return u, ok && u != nil
}

// GetUserID is a shorthand that returns the user ID string.
func GetUserID(c *gin.Context) string {
	return MustGetUser(c).ID
}

// OptionalUserID returns the caller's id, or nil for anonymous requests.
func OptionalUserID(c *gin.Context) *string {
	u, ok := GetUser(c)
	if !ok {
		return nil
	}
	id := u.ID
	return &id
}
