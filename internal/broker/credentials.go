package broker

import (
	"strings"
	"time"
)

// TokenSet is the result of a code exchange or refresh call.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Scope        string
	TokenType    string
}

// IdentityClaims are the verified claims extracted from a Google identity token.
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Audience      string
}

// CredentialRecord is the per-user stored credential state keyed by the verified subject.
type CredentialRecord struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	Email        string
	Name         string
	Picture      string
}

// Merge applies update on top of record. Empty fields in update never clear stored values,
// so a response without a refresh token keeps the previously stored one.
func (record CredentialRecord) Merge(update CredentialRecord) CredentialRecord {
	merged := record
	merged.UserID = firstNonEmpty(update.UserID, record.UserID)
	merged.AccessToken = firstNonEmpty(update.AccessToken, record.AccessToken)
	merged.RefreshToken = firstNonEmpty(update.RefreshToken, record.RefreshToken)
	merged.Scope = firstNonEmpty(update.Scope, record.Scope)
	merged.Email = firstNonEmpty(update.Email, record.Email)
	merged.Name = firstNonEmpty(update.Name, record.Name)
	merged.Picture = firstNonEmpty(update.Picture, record.Picture)
	if !update.Expiry.IsZero() {
		merged.Expiry = update.Expiry.UTC()
	}
	return merged
}

// FreshAt reports whether the access token stays valid for longer than skew after now.
func (record CredentialRecord) FreshAt(now time.Time, skew time.Duration) bool {
	if record.AccessToken == "" || record.Expiry.IsZero() {
		return false
	}
	return record.Expiry.After(now.Add(skew))
}

// GrantedScopes splits the space-delimited scope string.
func (record CredentialRecord) GrantedScopes() []string {
	return strings.Fields(record.Scope)
}

func recordFromTokens(userID string, tokens TokenSet) CredentialRecord {
	return CredentialRecord{
		UserID:       userID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scope:        tokens.Scope,
	}
}

// withDefaultExpiry bounds an access token whose response carried no expiry.
func withDefaultExpiry(tokens TokenSet, now time.Time) TokenSet {
	if tokens.AccessToken != "" && tokens.Expiry.IsZero() {
		tokens.Expiry = now.Add(DefaultAccessTokenLifetime)
	}
	return tokens
}

func firstNonEmpty(preferred string, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return fallback
}
