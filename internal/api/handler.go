package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"CoachMail/internal/models"
)

// Runner performs one dispatch pass.
type Runner interface {
	ProcessScheduledEmails(ctx context.Context) (*models.DispatchResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Dispatcher Runner
	Store      Pinger
	Log        *zap.Logger
}

// SendScheduledEmails runs one pass. The run is detached from the request:
// a caller that hangs up must not cut sends short and leave rows marked
// failed after the server accepted them.
func (h *Handler) SendScheduledEmails(c *gin.Context) {
	result, err := h.Dispatcher.ProcessScheduledEmails(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.Log.Error("scheduled email run failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, ErrCodeProcessingError, err.Error())
		return
	}

	respondSuccess(c, http.StatusOK, "scheduled emails processed", result)
}

func (h *Handler) Health(c *gin.Context) {
	if h.Store != nil {
		if err := h.Store.Ping(c.Request.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
