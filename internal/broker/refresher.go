package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CredentialRefresher hands out access tokens that stay valid past the skew margin,
// refreshing them through the provider when needed.
//
// Concurrent callers for one user share a single flight, and the flight runs under the
// store's per-user lock so refresh merges never interleave with exchange merges.
type CredentialRefresher struct {
	store     CredentialStore
	refresher TokenRefresher
	clock     Clock
	skew      time.Duration
	timeout   time.Duration
	metrics   MetricsRecorder
	logger    *zap.Logger
	flights   singleflight.Group
}

// RefresherConfig wires a CredentialRefresher.
type RefresherConfig struct {
	Store     CredentialStore
	Refresher TokenRefresher
	Clock     Clock
	Skew      time.Duration
	Timeout   time.Duration
	Metrics   MetricsRecorder
	Logger    *zap.Logger
}

// NewCredentialRefresher constructs a refresher; zero values fall back to defaults.
func NewCredentialRefresher(configuration RefresherConfig) *CredentialRefresher {
	refresher := &CredentialRefresher{
		store:     configuration.Store,
		refresher: configuration.Refresher,
		clock:     configuration.Clock,
		skew:      configuration.Skew,
		timeout:   configuration.Timeout,
		metrics:   configuration.Metrics,
		logger:    configuration.Logger,
	}
	if refresher.clock == nil {
		refresher.clock = NewSystemClock()
	}
	if refresher.skew <= 0 {
		refresher.skew = DefaultExpirySkew
	}
	if refresher.timeout <= 0 {
		refresher.timeout = DefaultProviderTimeout
	}
	if refresher.metrics == nil {
		refresher.metrics = noopMetrics{}
	}
	if refresher.logger == nil {
		refresher.logger = zap.NewNop()
	}
	return refresher
}

// EnsureFresh returns a usable access token for userID.
//
// The flight runs on a context detached from the caller: a caller that stops waiting does not
// abort a refresh or merge already in progress, and the provider timeout still bounds it.
func (refresher *CredentialRefresher) EnsureFresh(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", newError(ErrInvalidRequest, "missing_user_id", nil)
	}
	resultChannel := refresher.flights.DoChan(userID, func() (any, error) {
		return refresher.refreshLocked(context.WithoutCancel(ctx), userID)
	})
	select {
	case result := <-resultChannel:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", newError(ErrRefreshFailed, "caller_cancelled", ctx.Err())
	}
}

func (refresher *CredentialRefresher) refreshLocked(ctx context.Context, userID string) (string, error) {
	var accessToken string
	lockErr := refresher.store.WithLock(ctx, userID, func(ctx context.Context) error {
		record, found, getErr := refresher.store.Get(ctx, userID)
		if getErr != nil {
			return newError(ErrRefreshFailed, "store_unavailable", getErr)
		}
		if !found {
			return newError(ErrNotLinked, "", nil)
		}
		if record.FreshAt(refresher.clock.Now(), refresher.skew) {
			refresher.metrics.Increment(metricRefreshFreshHit)
			accessToken = record.AccessToken
			return nil
		}
		if record.RefreshToken == "" {
			refresher.metrics.Increment(metricRefreshReauth)
			return newError(ErrReauthRequired, "missing_refresh_token", nil)
		}

		refresher.metrics.Increment(metricRefreshNetwork)
		callContext, cancel := context.WithTimeout(ctx, refresher.timeout)
		defer cancel()
		tokens, refreshErr := refresher.refresher.Refresh(callContext, record.RefreshToken)
		if refreshErr != nil {
			refresher.metrics.Increment(metricRefreshFailure)
			refresher.logger.Warn("access token refresh failed",
				zap.String("code", "broker.refresh.failure"),
				zap.String("user_id", userID),
				zap.String("detail", DetailOf(refreshErr)),
				zap.Error(refreshErr))
			if KindOf(refreshErr) == nil {
				return newError(ErrRefreshFailed, providerDetail(refreshErr), refreshErr)
			}
			return refreshErr
		}
		if tokens.AccessToken == "" {
			refresher.metrics.Increment(metricRefreshFailure)
			return newError(ErrRefreshFailed, "missing_access_token", nil)
		}

		tokens = withDefaultExpiry(tokens, refresher.clock.Now())
		merged, mergeErr := refresher.store.UpsertMerge(ctx, userID, recordFromTokens(userID, tokens))
		if mergeErr != nil {
			refresher.metrics.Increment(metricRefreshFailure)
			return newError(ErrRefreshFailed, "store_unavailable", mergeErr)
		}
		refresher.metrics.Increment(metricRefreshSuccess)
		refresher.logger.Info("access token refreshed",
			zap.String("code", "broker.refresh.success"),
			zap.String("user_id", userID),
			zap.Time("expiry", merged.Expiry))
		accessToken = merged.AccessToken
		return nil
	})
	if lockErr != nil {
		return "", lockErr
	}
	return accessToken, nil
}
