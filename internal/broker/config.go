package broker

import "time"

const (
	// SessionTTL is the fixed validity window of a session credential.
	SessionTTL = 7 * 24 * time.Hour
	// DefaultExpirySkew is subtracted from access token expiry before it is considered fresh.
	DefaultExpirySkew = 60 * time.Second
	// DefaultProviderTimeout bounds every outbound call to the identity provider.
	DefaultProviderTimeout = 10 * time.Second
	// DefaultAccessTokenLifetime is assumed when a token response omits expires_in.
	DefaultAccessTokenLifetime = time.Hour
	// GoogleClientIDSuffix is the shape every Google web client id carries.
	GoogleClientIDSuffix = ".apps.googleusercontent.com"
)

// ResponseShape selects the body returned by the exchange endpoint.
type ResponseShape string

const (
	// ResponseShapeSession returns the session credential and the public profile.
	ResponseShapeSession ResponseShape = "session"
	// ResponseShapeDiagnostic additionally reports granted scopes and whether a refresh token is held.
	ResponseShapeDiagnostic ResponseShape = "diagnostic"
)

// ServerConfig carries the validated process configuration.
type ServerConfig struct {
	GoogleWebClientID     string
	GoogleWebClientSecret string
	ExchangeMode          ExchangeMode
	ResponseShape         ResponseShape
	AppJWTSigningKey      []byte
	AppJWTIssuer          string
	SessionCookieName     string
	ExpirySkew            time.Duration
	ProviderTimeout       time.Duration
}
