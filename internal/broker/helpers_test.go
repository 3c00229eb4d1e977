package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

const (
	testClientID   = "test-client.apps.googleusercontent.com"
	testSigningKey = "test-signing-key"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

type fakeTokenValidator struct {
	mutex    sync.Mutex
	payloads map[string]*idtoken.Payload
}

func newFakeTokenValidator() *fakeTokenValidator {
	return &fakeTokenValidator{payloads: make(map[string]*idtoken.Payload)}
}

func (validator *fakeTokenValidator) add(token string, payload *idtoken.Payload) {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	validator.payloads[token] = payload
}

func (validator *fakeTokenValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	validator.mutex.Lock()
	defer validator.mutex.Unlock()
	payload, ok := validator.payloads[token]
	if !ok {
		return nil, errors.New("idtoken: invalid token signature")
	}
	return payload, nil
}

func googlePayload(subject string, audience string, email string, expiresAt time.Time) *idtoken.Payload {
	return &idtoken.Payload{
		Issuer:   "https://accounts.google.com",
		Audience: audience,
		Expires:  expiresAt.Unix(),
		IssuedAt: expiresAt.Add(-time.Hour).Unix(),
		Subject:  subject,
		Claims: map[string]interface{}{
			"email":          email,
			"email_verified": true,
			"name":           "Test User",
			"picture":        "https://example.com/" + subject + ".png",
		},
	}
}

type fakeExchanger struct {
	mutex     sync.Mutex
	responses map[string]TokenSet
	calls     int
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{responses: make(map[string]TokenSet)}
}

func (exchanger *fakeExchanger) add(code string, tokens TokenSet) {
	exchanger.mutex.Lock()
	defer exchanger.mutex.Unlock()
	exchanger.responses[code] = tokens
}

func (exchanger *fakeExchanger) Exchange(ctx context.Context, code string) (TokenSet, error) {
	exchanger.mutex.Lock()
	defer exchanger.mutex.Unlock()
	exchanger.calls++
	tokens, ok := exchanger.responses[code]
	if !ok {
		return TokenSet{}, newError(ErrExchangeFailed, "invalid_grant: Bad Request", nil)
	}
	return tokens, nil
}

type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	tokens  TokenSet
	err     error

	mutex          sync.Mutex
	refreshTokens  []string
	contextErrored bool
}

func (refresher *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	refresher.calls.Add(1)
	refresher.mutex.Lock()
	refresher.refreshTokens = append(refresher.refreshTokens, refreshToken)
	refresher.mutex.Unlock()
	if refresher.started != nil {
		select {
		case refresher.started <- struct{}{}:
		default:
		}
	}
	if refresher.release != nil {
		<-refresher.release
	}
	if ctx.Err() != nil {
		refresher.mutex.Lock()
		refresher.contextErrored = true
		refresher.mutex.Unlock()
	}
	if refresher.err != nil {
		return TokenSet{}, refresher.err
	}
	return refresher.tokens, nil
}

type brokerHarness struct {
	clock     *fakeClock
	store     *MemoryCredentialStore
	exchanger *fakeExchanger
	refresher *fakeRefresher
	validator *fakeTokenValidator
	metrics   *CounterMetrics
	sessions  *SessionIssuer
	broker    *CredentialBroker
}

func newBrokerHarness(t *testing.T) *brokerHarness {
	t.Helper()
	clock := newFakeClock(testEpoch)
	harness := &brokerHarness{
		clock:     clock,
		store:     NewMemoryCredentialStore(),
		exchanger: newFakeExchanger(),
		refresher: &fakeRefresher{},
		validator: newFakeTokenValidator(),
		metrics:   NewCounterMetrics(),
	}
	sessions, err := NewSessionIssuer([]byte(testSigningKey), DefaultSessionIssuer, "", clock)
	if err != nil {
		t.Fatalf("session issuer: %v", err)
	}
	harness.sessions = sessions
	logger := zaptest.NewLogger(t)
	harness.broker = NewCredentialBroker(BrokerConfig{
		ClientID:  testClientID,
		Exchanger: harness.exchanger,
		Verifier:  NewIdentityVerifier(harness.validator, clock, time.Second),
		Store:     harness.store,
		Refresher: NewCredentialRefresher(RefresherConfig{
			Store:     harness.store,
			Refresher: harness.refresher,
			Clock:     clock,
			Skew:      DefaultExpirySkew,
			Timeout:   time.Second,
			Metrics:   harness.metrics,
			Logger:    logger,
		}),
		Sessions: sessions,
		Clock:    clock,
		Metrics:  harness.metrics,
		Logger:   logger,
	})
	return harness
}

// addGrant registers an authorization code whose identity token verifies for subject.
func (harness *brokerHarness) addGrant(code string, subject string, tokens TokenSet) {
	tokens.IDToken = "id-token-" + code
	harness.exchanger.add(code, tokens)
	harness.validator.add(tokens.IDToken, googlePayload(subject, testClientID, subject+"@example.com", harness.clock.Now().Add(time.Hour)))
}
