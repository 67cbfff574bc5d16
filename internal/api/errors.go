package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/chunkledger/internal/fault"
)

// statusFor maps a fault kind to an HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindInvalidState:
		return http.StatusConflict
	case fault.KindTransientIO, fault.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindPermanent:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Kind:    string(fault.KindOf(err)),
		Message: err.Error(),
	}})
}

func badRequest(format string, args ...any) error {
	return fault.InvalidInput("api", format, args...)
}
