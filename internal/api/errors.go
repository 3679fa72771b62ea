package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
)

// errorEnvelope is the JSON error shape for every non-2xx response.
type errorEnvelope struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
	Details    string `json:"details,omitempty"`
}

// respondError maps a service error onto the envelope. Validation maps
// to 400, not-found to 404, state conflicts and capacity to 409, and
// anything unrecognized to a 500 whose cause is logged but not leaked.
func respondError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(c, http.StatusBadRequest, err.Error(), "")
	case domain.IsNotFound(err):
		writeError(c, http.StatusNotFound, err.Error(), "")
	case domain.IsConflict(err) || errors.Is(err, pool.ErrAtCapacity):
		writeError(c, http.StatusConflict, err.Error(), "")
	default:
		log.ErrorErr(log.CatAPI, "request failed", err,
			"method", c.Request.Method, "path", c.Request.URL.Path)
		writeError(c, http.StatusInternalServerError, "internal error", "")
	}
}

func writeError(c *gin.Context, status int, message, details string) {
	c.AbortWithStatusJSON(status, errorEnvelope{
		Error:      message,
		StatusCode: status,
		Details:    details,
	})
}

// bindJSON decodes the request body into out, writing the 400 envelope
// on malformed input. Returns false when the caller should stop.
func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
