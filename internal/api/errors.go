package api

import (
	"net/http"

	"chatstream/internal/apperr"

	"github.com/gin-gonic/gin"
)

const internalErrorMessage = "internal server error"

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindUnauthorized: http.StatusUnauthorized,
	apperr.KindInactive:     http.StatusBadRequest,
	apperr.KindDuplicate:    http.StatusBadRequest,
	apperr.KindBusy:         http.StatusTooManyRequests,
	apperr.KindProvider:     http.StatusBadGateway,
	apperr.KindPersistence:  http.StatusInternalServerError,
	apperr.KindInternal:     http.StatusInternalServerError,
}

func statusFor(err error) int {
	if status, ok := statusByKind[apperr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// publicMessage is the text a client may see for err. Store and internal
// failures are reduced to a generic message.
func publicMessage(err error) string {
	e, ok := apperr.As(err)
	if !ok {
		return internalErrorMessage
	}
	switch e.Kind {
	case apperr.KindPersistence, apperr.KindInternal:
		return internalErrorMessage
	case apperr.KindProvider:
		return e.Error()
	default:
		return e.Msg
	}
}

// writeError sends err as {"error": ..., "fields": ...} with its mapped status.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Msg("request failed")
	}
	body := gin.H{"error": publicMessage(err)}
	if e, ok := apperr.As(err); ok && len(e.Fields) > 0 {
		body["fields"] = e.Fields
	}
	c.AbortWithStatusJSON(status, body)
}
