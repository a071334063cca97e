package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/aurum-score/pkg/dto"
)

const headerName = "X-API-Key"

// APIKeyMiddleware validates the API key from the X-API-Key header.
// If apiKey is empty, authentication is disabled.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(headerName)
		if provided == "" {
			reject(c, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			reject(c, http.StatusForbidden, "invalid API key")
			return
		}

		c.Next()
	}
}

func reject(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, dto.Envelope{
		Status:    dto.StatusError,
		Message:   msg,
		Error:     &dto.ErrorDetail{Kind: "unauthorized"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
