package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeProcessingError = "PROCESSING_ERROR"
)

// Envelope is the body of every trigger response.
type Envelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func respondSuccess(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Envelope{
		Success:   true,
		Message:   message,
		Timestamp: timestamp(),
		Data:      data,
	})
}

func respondError(c *gin.Context, status int, code string, message string) {
	c.JSON(status, Envelope{
		Success:   false,
		Message:   message,
		Timestamp: timestamp(),
		Error:     code,
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
