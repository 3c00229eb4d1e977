package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ExchangeMode selects the redirect designation sent with the authorization code.
type ExchangeMode string

const (
	// ExchangeModeInstalled is used for server auth codes issued to mobile and installed apps.
	ExchangeModeInstalled ExchangeMode = "installed"
	// ExchangeModePlayground is used for codes minted by the OAuth 2.0 Playground.
	ExchangeModePlayground ExchangeMode = "playground"

	installedRedirectURL  = "postmessage"
	playgroundRedirectURL = "https://developers.google.com/oauthplayground"
)

// ErrUnknownExchangeMode indicates an exchange mode outside the supported set.
var ErrUnknownExchangeMode = errors.New("provider.unknown_exchange_mode")

// RedirectURL returns the fixed redirect designation for the mode.
func (mode ExchangeMode) RedirectURL() (string, error) {
	switch mode {
	case ExchangeModeInstalled:
		return installedRedirectURL, nil
	case ExchangeModePlayground:
		return playgroundRedirectURL, nil
	default:
		return "", fmt.Errorf("provider.redirect_url.%s: %w", mode, ErrUnknownExchangeMode)
	}
}

// CodeExchanger trades a one-time authorization code for a token set.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (TokenSet, error)
}

// TokenRefresher obtains a new access token from a refresh token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// GoogleProvider talks to Google's OAuth 2.0 token endpoint.
type GoogleProvider struct {
	config     oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

// NewGoogleProvider builds a provider client for the configured web client and exchange mode.
func NewGoogleProvider(configuration ServerConfig) (*GoogleProvider, error) {
	return newGoogleProvider(configuration, google.Endpoint)
}

func newGoogleProvider(configuration ServerConfig, endpoint oauth2.Endpoint) (*GoogleProvider, error) {
	redirectURL, redirectErr := configuration.ExchangeMode.RedirectURL()
	if redirectErr != nil {
		return nil, redirectErr
	}
	timeout := configuration.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &GoogleProvider{
		config: oauth2.Config{
			ClientID:     configuration.GoogleWebClientID,
			ClientSecret: configuration.GoogleWebClientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}, nil
}

// Exchange redeems code at the token endpoint. The response must carry an id_token.
func (provider *GoogleProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return TokenSet{}, newError(ErrInvalidRequest, "missing_code", nil)
	}
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	token, exchangeErr := provider.config.Exchange(callContext, code)
	if exchangeErr != nil {
		return TokenSet{}, newError(ErrExchangeFailed, providerDetail(exchangeErr), exchangeErr)
	}
	tokens := tokenSetFromOAuth(token)
	if tokens.IDToken == "" {
		return TokenSet{}, newError(ErrExchangeFailed, "missing_id_token", nil)
	}
	return tokens, nil
}

// Refresh requests a new access token with the stored refresh token.
func (provider *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenSet{}, newError(ErrReauthRequired, "missing_refresh_token", nil)
	}
	callContext, cancel := provider.callContext(ctx)
	defer cancel()

	source := provider.config.TokenSource(callContext, &oauth2.Token{RefreshToken: refreshToken})
	token, refreshErr := source.Token()
	if refreshErr != nil {
		return TokenSet{}, newError(ErrRefreshFailed, providerDetail(refreshErr), refreshErr)
	}
	return tokenSetFromOAuth(token), nil
}

func (provider *GoogleProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	withClient := context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
	return context.WithTimeout(withClient, provider.timeout)
}

func tokenSetFromOAuth(token *oauth2.Token) TokenSet {
	if token == nil {
		return TokenSet{}
	}
	tokens := TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry.UTC(),
		TokenType:    token.TokenType,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens
}

// providerDetail extracts the provider's error code without echoing request credentials.
func providerDetail(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			if retrieveErr.ErrorDescription != "" {
				return retrieveErr.ErrorCode + ": " + retrieveErr.ErrorDescription
			}
			return retrieveErr.ErrorCode
		}
		if retrieveErr.Response != nil {
			return fmt.Sprintf("provider_status_%d", retrieveErr.Response.StatusCode)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider_timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "provider_timeout"
	}
	return "provider_unreachable"
}
