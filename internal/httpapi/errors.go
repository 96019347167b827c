package httpapi

import (
	"errors"
	"net/http"

	"calltrack/internal/calls"
	"calltrack/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// StatusFor maps tracker errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrDuplicateSession),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, calls.ErrFinalizeConflict):
		return http.StatusConflict
	case errors.Is(err, calls.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrInvalidRole), errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrStaleSession):
		return http.StatusGone
	case errors.Is(err, calls.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// abortWith writes the mapped status. Internal errors are not echoed to callers.
func abortWith(c *gin.Context, err error) {
	status := StatusFor(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
