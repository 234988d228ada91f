package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const CronSecretHeader = "X-Cron-Secret"

// CronSecretMiddleware rejects requests whose shared secret header does not
// match. An empty configured secret rejects everything.
func CronSecretMiddleware(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimSpace(c.GetHeader(CronSecretHeader))

		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warn("rejected trigger request",
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("header_present", got != ""),
			)
			respondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or missing cron secret")
			c.Abort()
			return
		}

		c.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
