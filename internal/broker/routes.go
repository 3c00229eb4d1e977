package broker

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DownstreamAPI performs pass-through calls to Google resource APIs with a bearer access token.
type DownstreamAPI interface {
	ListDriveFiles(ctx context.Context, accessToken string) (any, error)
	ListCalendarEvents(ctx context.Context, accessToken string) (any, error)
}

// MountBrokerRoutes registers the account linking routes and the Google pass-through routes.
func MountBrokerRoutes(router gin.IRouter, configuration ServerConfig, credentialBroker *CredentialBroker, downstream DownstreamAPI, metrics MetricsRecorder, logger *zap.Logger) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	requireSession := RequireSession(credentialBroker.sessions)

	router.POST("/auth/google/exchange", func(contextGin *gin.Context) {
		var inbound struct {
			Code string `json:"code"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Code) == "" {
			WriteError(contextGin, newError(ErrInvalidRequest, "missing_code", nil))
			return
		}
		result, linkErr := credentialBroker.LinkAccount(contextGin.Request.Context(), inbound.Code)
		if linkErr != nil {
			WriteError(contextGin, linkErr)
			return
		}
		contextGin.JSON(http.StatusOK, exchangeResponse(configuration.ResponseShape, result))
	})

	router.POST("/auth/google/unlink", requireSession, func(contextGin *gin.Context) {
		claims, ok := SessionClaimsFrom(contextGin)
		if !ok {
			WriteError(contextGin, newError(ErrInvalidSession, "session_missing", nil))
			return
		}
		if err := credentialBroker.Unlink(contextGin.Request.Context(), claims.UserID); err != nil {
			WriteError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/google/drive/files", requireSession, downstreamHandler(credentialBroker, downstream.ListDriveFiles, metrics, logger))
	router.GET("/google/calendar/events", requireSession, downstreamHandler(credentialBroker, downstream.ListCalendarEvents, metrics, logger))
}

func exchangeResponse(shape ResponseShape, result LinkResult) gin.H {
	body := gin.H{
		"session_jwt": result.SessionToken,
		"expires_at":  result.SessionExpiresAt,
		"user": gin.H{
			"id":      result.Identity.Subject,
			"email":   result.Identity.Email,
			"name":    result.Record.Name,
			"picture": result.Record.Picture,
		},
	}
	if shape == ResponseShapeDiagnostic {
		body["scope"] = result.Record.Scope
		body["has_refresh"] = result.Record.RefreshToken != ""
	}
	return body
}

func downstreamHandler(credentialBroker *CredentialBroker, call func(ctx context.Context, accessToken string) (any, error), metrics MetricsRecorder, logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := SessionClaimsFrom(contextGin)
		if !ok {
			WriteError(contextGin, newError(ErrInvalidSession, "session_missing", nil))
			return
		}
		requestContext := contextGin.Request.Context()
		accessToken, tokenErr := credentialBroker.GetDownstreamClient(requestContext, claims.UserID)
		if tokenErr != nil {
			WriteError(contextGin, tokenErr)
			return
		}
		payload, callErr := call(requestContext, accessToken)
		if callErr != nil {
			metrics.Increment(metricDownstreamFailed)
			logger.Warn("downstream call failed",
				zap.String("code", "broker.downstream.failure"),
				zap.String("path", contextGin.FullPath()),
				zap.String("user_id", claims.UserID),
				zap.Error(callErr))
			writeDownstreamError(contextGin, callErr)
			return
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}
