package auth

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"voxscribe/internal/models"
)

const userContextKey = "auth_user"

// Middleware validates bearer tokens and stores the authenticated user in the context.
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authentication failed", "error": err.Error()})
			return
		}
		user, err := resolve(c, v, token)
		if err != nil || user.ID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authentication failed", "error": ErrInvalidToken.Error()})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// resolve treats a panicking verifier like one that rejected the token.
func resolve(c *gin.Context, v Verifier, token string) (user models.User, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: verifier panic: %v", ErrInvalidToken, r)
		}
	}()
	return v.Resolve(c.Request.Context(), token)
}

// UserFromContext retrieves the authenticated user from the gin context.
func UserFromContext(c *gin.Context) (models.User, bool) {
	val, ok := c.Get(userContextKey)
	if !ok {
		return models.User{}, false
	}
	user, ok := val.(models.User)
	return user, ok
}
