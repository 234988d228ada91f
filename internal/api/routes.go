package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, cronSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(h.Log))

	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.Use(CronSecretMiddleware(cronSecret, h.Log.With(zap.String("component", "trigger"))))
	{
		api.POST("/send-scheduled-emails", h.SendScheduledEmails)
	}

	return r
}
