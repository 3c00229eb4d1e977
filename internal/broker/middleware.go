package broker

import (
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/credbroker/pkg/sessionvalidator"
)

// ClaimsContextKey is the gin context key holding *sessionvalidator.Claims.
const ClaimsContextKey = "auth_claims"

// RequireSession validates the bearer session credential and injects its claims.
func RequireSession(sessions *SessionIssuer) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, err := sessions.Validator().ValidateRequest(contextGin.Request)
		if err != nil {
			WriteError(contextGin, newError(ErrInvalidSession, sessionFailureReason(err), err))
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// SessionClaimsFrom returns the claims injected by RequireSession.
func SessionClaimsFrom(contextGin *gin.Context) (*sessionvalidator.Claims, bool) {
	value, found := contextGin.Get(ClaimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok || claims == nil || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}
