package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/credbroker/pkg/sessionvalidator"
)

// DefaultSessionIssuer is the issuer claim of session credentials minted by this service.
const DefaultSessionIssuer = "credbroker"

var errEmptySessionSubject = errors.New("jwt.mint.failure: subject must be non-empty")

// SessionClaims are the minimal identity claims embedded in a session credential.
type SessionClaims struct {
	UserID string
	Email  string
}

// SessionIssuer mints and validates first-party session credentials. It never consults the
// credential store, so a session stays valid after the Google grant is revoked.
type SessionIssuer struct {
	signingKey []byte
	issuer     string
	clock      Clock
	validator  *sessionvalidator.Validator
}

// NewSessionIssuer constructs an HS256 issuer. cookieName names the cookie accepted as a
// fallback when no bearer header is presented.
func NewSessionIssuer(signingKey []byte, issuer string, cookieName string, clock Clock) (*SessionIssuer, error) {
	if clock == nil {
		clock = NewSystemClock()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
		CookieName: cookieName,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("session.issuer.new: %w", err)
	}
	return &SessionIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		clock:      clock,
		validator:  validator,
	}, nil
}

// Issue signs claims with the fixed session validity window.
func (issuer *SessionIssuer) Issue(claims SessionClaims) (string, time.Time, error) {
	if strings.TrimSpace(claims.UserID) == "" {
		return "", time.Time{}, errEmptySessionSubject
	}
	sessionID, idErr := newSessionID()
	if idErr != nil {
		return "", time.Time{}, idErr
	}
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(SessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:    claims.UserID,
		UserEmail: claims.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    issuer.issuer,
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(issuer.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", signErr)
	}
	return signed, expiresAt, nil
}

// Validate checks a session credential. Every failure is reported as ErrInvalidSession.
func (issuer *SessionIssuer) Validate(token string) (*sessionvalidator.Claims, error) {
	claims, err := issuer.validator.ValidateToken(token)
	if err != nil {
		return nil, newError(ErrInvalidSession, sessionFailureReason(err), err)
	}
	return claims, nil
}

// Validator exposes the underlying session validator for HTTP middleware.
func (issuer *SessionIssuer) Validator() *sessionvalidator.Validator {
	return issuer.validator
}

func sessionFailureReason(err error) string {
	switch {
	case errors.Is(err, sessionvalidator.ErrTokenExpired):
		return "session_expired"
	case errors.Is(err, sessionvalidator.ErrMissingToken), errors.Is(err, sessionvalidator.ErrMissingCookie):
		return "session_missing"
	default:
		return "session_invalid"
	}
}
