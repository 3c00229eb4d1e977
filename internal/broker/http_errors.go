package broker

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/googleapi"
)

const (
	actionRelink = "relink"
	actionRetry  = "retry"
)

type errorMapping struct {
	status  int
	code    string
	action  string
	message string
}

var errorMappings = map[error]errorMapping{
	ErrInvalidRequest:     {status: http.StatusBadRequest, code: "invalid_request", message: "request is malformed"},
	ErrExchangeFailed:     {status: http.StatusBadRequest, code: "exchange_failed", message: "google rejected the authorization code"},
	ErrVerificationFailed: {status: http.StatusBadRequest, code: "verification_failed", message: "identity token could not be verified"},
	ErrNotLinked:          {status: http.StatusUnauthorized, code: "not_linked", action: actionRelink, message: "link your google account"},
	ErrReauthRequired:     {status: http.StatusUnauthorized, code: "reauth_required", action: actionRelink, message: "link your google account again"},
	ErrRefreshFailed:      {status: http.StatusUnauthorized, code: "refresh_failed", action: actionRetry, message: "try again shortly"},
	ErrInvalidSession:     {status: http.StatusUnauthorized, code: "invalid_session", message: "session is missing or invalid"},
}

// StatusFor maps a broker error to its HTTP status code.
func StatusFor(err error) int {
	if mapping, ok := errorMappings[KindOf(err)]; ok {
		return mapping.status
	}
	return http.StatusInternalServerError
}

// WriteError aborts the request with the status and structured body for err.
// Raw credentials never reach the body.
func WriteError(contextGin *gin.Context, err error) {
	mapping, ok := errorMappings[KindOf(err)]
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	body := gin.H{
		"error":   mapping.code,
		"message": mapping.message,
	}
	if detail := DetailOf(err); detail != "" {
		body["detail"] = detail
	}
	if mapping.action != "" {
		body["action"] = mapping.action
	}
	contextGin.AbortWithStatusJSON(mapping.status, body)
}

func writeDownstreamError(contextGin *gin.Context, err error) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "downstream_unauthorized",
				"detail": apiErr.Message,
				"action": actionRelink,
			})
			return
		}
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  "downstream_failed",
			"detail": apiErr.Message,
		})
		return
	}
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "downstream_failed"})
}
