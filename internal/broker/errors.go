package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates malformed caller input.
	ErrInvalidRequest = errors.New("broker.invalid_request")
	// ErrExchangeFailed indicates the provider rejected or timed out on the code exchange.
	ErrExchangeFailed = errors.New("broker.exchange_failed")
	// ErrVerificationFailed indicates the identity token did not verify.
	ErrVerificationFailed = errors.New("broker.verification_failed")
	// ErrNotLinked indicates no credential record exists for the user.
	ErrNotLinked = errors.New("broker.not_linked")
	// ErrReauthRequired indicates the record holds no refresh token; the user must link again.
	ErrReauthRequired = errors.New("broker.reauth_required")
	// ErrRefreshFailed indicates a transient or revoked refresh; the record is preserved.
	ErrRefreshFailed = errors.New("broker.refresh_failed")
	// ErrInvalidSession indicates a bad or expired session credential.
	ErrInvalidSession = errors.New("broker.invalid_session")
)

// Error carries a taxonomy kind together with a detail that is safe to show to clients.
type Error struct {
	Kind   error
	Detail string
	cause  error
}

func newError(kind error, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func (brokerErr *Error) Error() string {
	message := brokerErr.Kind.Error()
	if brokerErr.Detail != "" {
		message = fmt.Sprintf("%s: %s", message, brokerErr.Detail)
	}
	if brokerErr.cause != nil {
		message = fmt.Sprintf("%s (%v)", message, brokerErr.cause)
	}
	return message
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is / errors.As.
func (brokerErr *Error) Unwrap() []error {
	if brokerErr.cause == nil {
		return []error{brokerErr.Kind}
	}
	return []error{brokerErr.Kind, brokerErr.cause}
}

// KindOf returns the taxonomy sentinel carried by err, or nil when err is not a broker error.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidRequest,
		ErrExchangeFailed,
		ErrVerificationFailed,
		ErrNotLinked,
		ErrReauthRequired,
		ErrRefreshFailed,
		ErrInvalidSession,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// DetailOf returns the client-safe detail attached to err.
func DetailOf(err error) string {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Detail
	}
	return ""
}
