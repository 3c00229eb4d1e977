package broker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

var googleIssuers = map[string]struct{}{
	"https://accounts.google.com": {},
	"accounts.google.com":         {},
}

// GoogleTokenValidator verifies the signature of a Google identity token.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds an idtoken validator whose certificate fetches are bounded by timeout.
// Google's signing certificates are cached process-wide by the idtoken package.
func NewGoogleTokenValidator(ctx context.Context, timeout time.Duration) (GoogleTokenValidator, error) {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	validator, err := idtoken.NewValidator(ctx, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	return validator, nil
}

// IdentityVerifier turns an identity token into verified claims.
type IdentityVerifier struct {
	validator GoogleTokenValidator
	clock     Clock
	timeout   time.Duration
}

// NewIdentityVerifier wraps validator with the claim checks Google tokens must pass.
func NewIdentityVerifier(validator GoogleTokenValidator, clock Clock, timeout time.Duration) *IdentityVerifier {
	if clock == nil {
		clock = NewSystemClock()
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &IdentityVerifier{validator: validator, clock: clock, timeout: timeout}
}

// Verify validates idToken for expectedAudience and returns its claims.
func (verifier *IdentityVerifier) Verify(ctx context.Context, idToken string, expectedAudience string) (IdentityClaims, error) {
	if strings.TrimSpace(idToken) == "" {
		return IdentityClaims{}, newError(ErrVerificationFailed, "missing_id_token", nil)
	}
	validateContext, cancel := context.WithTimeout(ctx, verifier.timeout)
	defer cancel()

	payload, validateErr := verifier.validator.Validate(validateContext, idToken, expectedAudience)
	if validateErr != nil || payload == nil {
		return IdentityClaims{}, newError(ErrVerificationFailed, "invalid_id_token", validateErr)
	}
	issuer := payload.Issuer
	if issuer == "" {
		issuer, _ = payload.Claims["iss"].(string)
	}
	if _, ok := googleIssuers[issuer]; !ok {
		return IdentityClaims{}, newError(ErrVerificationFailed, "invalid_issuer", nil)
	}
	audience := payload.Audience
	if audience == "" {
		audience, _ = payload.Claims["aud"].(string)
	}
	if audience != expectedAudience {
		return IdentityClaims{}, newError(ErrVerificationFailed, "audience_mismatch", nil)
	}
	if payload.Expires == 0 || !time.Unix(payload.Expires, 0).After(verifier.clock.Now()) {
		return IdentityClaims{}, newError(ErrVerificationFailed, "token_expired", nil)
	}
	subject := payload.Subject
	if subject == "" {
		subject, _ = payload.Claims["sub"].(string)
	}
	if subject == "" {
		return IdentityClaims{}, newError(ErrVerificationFailed, "missing_subject", nil)
	}

	claims := IdentityClaims{
		Subject:   subject,
		Audience:  audience,
		ExpiresAt: time.Unix(payload.Expires, 0).UTC(),
	}
	if payload.IssuedAt != 0 {
		claims.IssuedAt = time.Unix(payload.IssuedAt, 0).UTC()
	}
	claims.Email, _ = payload.Claims["email"].(string)
	claims.EmailVerified, _ = payload.Claims["email_verified"].(bool)
	claims.Name, _ = payload.Claims["name"].(string)
	claims.Picture, _ = payload.Claims["picture"].(string)
	return claims, nil
}
