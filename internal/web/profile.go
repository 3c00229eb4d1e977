package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/credbroker/internal/broker"
	"go.uber.org/zap"
)

// ProfileReader returns the cached credential record for a user.
type ProfileReader interface {
	Profile(ctx context.Context, userID string) (broker.CredentialRecord, bool, error)
}

// HandleMe reports the session identity merged with the cached Google profile.
// A missing or unreadable record does not fail the request: the session alone authenticates.
func HandleMe(logger *zap.Logger, profiles ProfileReader) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile reader is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := broker.SessionClaimsFrom(contextGin)
		if !ok {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			broker.WriteError(contextGin, broker.ErrInvalidSession)
			return
		}

		payload := gin.H{
			"uid":            claims.UserID,
			"email":          claims.UserEmail,
			"name":           "",
			"picture":        "",
			"granted_scopes": []string{},
		}

		record, found, profileErr := profiles.Profile(contextGin.Request.Context(), claims.UserID)
		switch {
		case profileErr != nil:
			logger.Warn("profile lookup failed",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.UserID),
				zap.Error(profileErr))
		case !found:
			logger.Info("profile not linked",
				zap.String("code", "api.me.profile_missing"),
				zap.String("user_id", claims.UserID))
		default:
			if record.Email != "" {
				payload["email"] = record.Email
			}
			payload["name"] = record.Name
			payload["picture"] = record.Picture
			payload["granted_scopes"] = record.GrantedScopes()
		}

		contextGin.JSON(http.StatusOK, payload)
	}
}
