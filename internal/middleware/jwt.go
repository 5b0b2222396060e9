package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fitsync/fitsync-api/internal/service"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
	"github.com/fitsync/fitsync-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// JWT protects routes by requiring a valid access token.
func JWT(codec *service.AccessTokenCodec) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := codec.Decode(parts[1])
		if err != nil {
			// One generic rejection regardless of why decoding failed.
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid access token"))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}
