package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LinkResult is what a successful account link hands back to the HTTP layer.
type LinkResult struct {
	SessionToken     string
	SessionExpiresAt time.Time
	Identity         IdentityClaims
	Record           CredentialRecord
}

// CredentialBroker links Google accounts and hands out downstream access tokens.
type CredentialBroker struct {
	clientID  string
	exchanger CodeExchanger
	verifier  *IdentityVerifier
	store     CredentialStore
	refresher *CredentialRefresher
	sessions  *SessionIssuer
	clock     Clock
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// BrokerConfig wires a CredentialBroker. ClientID is the audience identity tokens must carry.
type BrokerConfig struct {
	ClientID  string
	Exchanger CodeExchanger
	Verifier  *IdentityVerifier
	Store     CredentialStore
	Refresher *CredentialRefresher
	Sessions  *SessionIssuer
	Clock     Clock
	Metrics   MetricsRecorder
	Logger    *zap.Logger
}

// NewCredentialBroker constructs the orchestrator.
func NewCredentialBroker(configuration BrokerConfig) *CredentialBroker {
	credentialBroker := &CredentialBroker{
		clientID:  configuration.ClientID,
		exchanger: configuration.Exchanger,
		verifier:  configuration.Verifier,
		store:     configuration.Store,
		refresher: configuration.Refresher,
		sessions:  configuration.Sessions,
		clock:     configuration.Clock,
		metrics:   configuration.Metrics,
		logger:    configuration.Logger,
	}
	if credentialBroker.clock == nil {
		credentialBroker.clock = NewSystemClock()
	}
	if credentialBroker.metrics == nil {
		credentialBroker.metrics = noopMetrics{}
	}
	if credentialBroker.logger == nil {
		credentialBroker.logger = zap.NewNop()
	}
	return credentialBroker
}

// LinkAccount exchanges code, verifies the identity token, mints the session and then stores the
// merged credential record keyed by the verified subject. Nothing is stored unless verification and
// session issuance both succeed.
func (credentialBroker *CredentialBroker) LinkAccount(ctx context.Context, code string) (LinkResult, error) {
	tokens, exchangeErr := credentialBroker.exchanger.Exchange(ctx, code)
	if exchangeErr != nil {
		return LinkResult{}, credentialBroker.linkFailure("exchange", exchangeErr)
	}

	identity, verifyErr := credentialBroker.verifier.Verify(ctx, tokens.IDToken, credentialBroker.clientID)
	if verifyErr != nil {
		return LinkResult{}, credentialBroker.linkFailure("verify", verifyErr)
	}

	sessionToken, expiresAt, issueErr := credentialBroker.sessions.Issue(SessionClaims{
		UserID: identity.Subject,
		Email:  identity.Email,
	})
	if issueErr != nil {
		return LinkResult{}, credentialBroker.linkFailure("session", issueErr)
	}

	update := recordFromTokens(identity.Subject, withDefaultExpiry(tokens, credentialBroker.clock.Now()))
	update.Email = identity.Email
	update.Name = identity.Name
	update.Picture = identity.Picture

	var stored CredentialRecord
	storeErr := credentialBroker.store.WithLock(ctx, identity.Subject, func(ctx context.Context) error {
		merged, upsertErr := credentialBroker.store.UpsertMerge(ctx, identity.Subject, update)
		if upsertErr != nil {
			return upsertErr
		}
		stored = merged
		return nil
	})
	if storeErr != nil {
		return LinkResult{}, credentialBroker.linkFailure("store", storeErr)
	}

	credentialBroker.metrics.Increment(metricLinkSuccess)
	credentialBroker.logger.Info("account linked",
		zap.String("code", "broker.link.success"),
		zap.String("user_id", identity.Subject),
		zap.Bool("has_refresh_token", stored.RefreshToken != ""))
	return LinkResult{
		SessionToken:     sessionToken,
		SessionExpiresAt: expiresAt,
		Identity:         identity,
		Record:           stored,
	}, nil
}

// GetDownstreamClient returns an access token suitable for a bearer call to a Google API.
func (credentialBroker *CredentialBroker) GetDownstreamClient(ctx context.Context, userID string) (string, error) {
	return credentialBroker.refresher.EnsureFresh(ctx, userID)
}

// Unlink forgets the user's credential record. Unlinking an unknown user is not an error.
func (credentialBroker *CredentialBroker) Unlink(ctx context.Context, userID string) error {
	if userID == "" {
		return newError(ErrInvalidRequest, "missing_user_id", nil)
	}
	unlinkErr := credentialBroker.store.WithLock(ctx, userID, func(ctx context.Context) error {
		return credentialBroker.store.Delete(ctx, userID)
	})
	if unlinkErr != nil {
		credentialBroker.logger.Error("unlink failed",
			zap.String("code", "broker.unlink.failure"),
			zap.String("user_id", userID),
			zap.Error(unlinkErr))
		return unlinkErr
	}
	credentialBroker.metrics.Increment(metricUnlinkSuccess)
	credentialBroker.logger.Info("account unlinked",
		zap.String("code", "broker.unlink.success"),
		zap.String("user_id", userID))
	return nil
}

// Profile returns the cached credential record for userID without refreshing it.
func (credentialBroker *CredentialBroker) Profile(ctx context.Context, userID string) (CredentialRecord, bool, error) {
	return credentialBroker.store.Get(ctx, userID)
}

// ValidateSession checks a session credential without consulting the credential store.
func (credentialBroker *CredentialBroker) ValidateSession(token string) (SessionClaims, error) {
	claims, err := credentialBroker.sessions.Validate(token)
	if err != nil {
		return SessionClaims{}, err
	}
	return SessionClaims{UserID: claims.GetUserID(), Email: claims.GetUserEmail()}, nil
}

func (credentialBroker *CredentialBroker) linkFailure(stage string, err error) error {
	credentialBroker.metrics.Increment(metricLinkFailure)
	credentialBroker.logger.Warn("account link failed",
		zap.String("code", "broker.link."+stage+"_failure"),
		zap.String("detail", DetailOf(err)),
		zap.Error(err))
	return err
}
