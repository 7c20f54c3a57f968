package middlewares

import (
	"context"
	"net/http"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the `token` header to the acting user via the
// session store the auth system maintains in redis. Authentication itself is
// owned elsewhere; this service only needs the actor for created_by/closed_by.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
		ctx = context.WithValue(ctx, utils.ContextKeyUsername, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
