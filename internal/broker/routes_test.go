package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"
)

type fakeDownstream struct {
	accessTokens []string
	payload      any
	err          error
}

func (downstream *fakeDownstream) ListDriveFiles(ctx context.Context, accessToken string) (any, error) {
	downstream.accessTokens = append(downstream.accessTokens, accessToken)
	return downstream.payload, downstream.err
}

func (downstream *fakeDownstream) ListCalendarEvents(ctx context.Context, accessToken string) (any, error) {
	downstream.accessTokens = append(downstream.accessTokens, accessToken)
	return downstream.payload, downstream.err
}

func newRoutesRouter(t *testing.T, harness *brokerHarness, shape ResponseShape, downstream DownstreamAPI) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountBrokerRoutes(router, ServerConfig{ResponseShape: shape}, harness.broker, downstream, harness.metrics, zaptest.NewLogger(t))
	return router
}

func performJSON(t *testing.T, router http.Handler, method string, path string, body any, sessionToken string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		request.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	payload := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, payload
}

func linkThroughHTTP(t *testing.T, router http.Handler, code string) string {
	t.Helper()
	recorder, payload := performJSON(t, router, http.MethodPost, "/auth/google/exchange", map[string]string{"code": code}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected exchange 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	sessionToken, _ := payload["session_jwt"].(string)
	if sessionToken == "" {
		t.Fatalf("expected session_jwt in %v", payload)
	}
	return sessionToken
}

func TestExchangeRouteSessionShape(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour), Scope: "openid email"})
	router := newRoutesRouter(t, harness, ResponseShapeSession, &fakeDownstream{})

	recorder, payload := performJSON(t, router, http.MethodPost, "/auth/google/exchange", map[string]string{"code": "abc123"}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	user, ok := payload["user"].(map[string]any)
	if !ok || user["id"] != "u1" || user["email"] != "u1@example.com" || user["name"] != "Test User" {
		t.Fatalf("unexpected user block %v", payload["user"])
	}
	if _, present := payload["has_refresh"]; present {
		t.Fatalf("session shape must not include diagnostics")
	}
	for _, forbidden := range []string{"access_token", "refresh_token", "id_token"} {
		if _, present := payload[forbidden]; present {
			t.Fatalf("response must not expose %s", forbidden)
		}
	}
	if bytes.Contains(recorder.Body.Bytes(), []byte("R1")) {
		t.Fatalf("response body leaked the refresh token")
	}
}

func TestExchangeRouteDiagnosticShape(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour), Scope: "openid email"})
	router := newRoutesRouter(t, harness, ResponseShapeDiagnostic, &fakeDownstream{})

	_, payload := performJSON(t, router, http.MethodPost, "/auth/google/exchange", map[string]string{"code": "abc123"}, "")
	if payload["has_refresh"] != true || payload["scope"] != "openid email" {
		t.Fatalf("unexpected diagnostic payload %v", payload)
	}
}

func TestExchangeRouteErrors(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	router := newRoutesRouter(t, harness, ResponseShapeSession, &fakeDownstream{})

	recorder, payload := performJSON(t, router, http.MethodPost, "/auth/google/exchange", map[string]string{}, "")
	if recorder.Code != http.StatusBadRequest || payload["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d %v", recorder.Code, payload)
	}

	recorder, payload = performJSON(t, router, http.MethodPost, "/auth/google/exchange", map[string]string{"code": "stale"}, "")
	if recorder.Code != http.StatusBadRequest || payload["error"] != "exchange_failed" {
		t.Fatalf("expected exchange_failed, got %d %v", recorder.Code, payload)
	}
	if payload["detail"] != "invalid_grant: Bad Request" {
		t.Fatalf("expected provider detail, got %v", payload["detail"])
	}
}

func TestDownstreamRoutes(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour)})
	downstream := &fakeDownstream{payload: map[string]any{"files": []any{map[string]any{"id": "f1"}}}}
	router := newRoutesRouter(t, harness, ResponseShapeSession, downstream)
	sessionToken := linkThroughHTTP(t, router, "abc123")

	for _, path := range []string{"/google/drive/files", "/google/calendar/events"} {
		recorder, payload := performJSON(t, router, http.MethodGet, path, nil, sessionToken)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
		if _, ok := payload["files"]; !ok {
			t.Fatalf("%s: expected downstream payload, got %v", path, payload)
		}
	}
	if len(downstream.accessTokens) != 2 || downstream.accessTokens[0] != "A1" {
		t.Fatalf("expected downstream calls with A1, got %v", downstream.accessTokens)
	}

	recorder, payload := performJSON(t, router, http.MethodGet, "/google/drive/files", nil, "")
	if recorder.Code != http.StatusUnauthorized || payload["error"] != "invalid_session" {
		t.Fatalf("expected invalid_session without bearer, got %d %v", recorder.Code, payload)
	}
}

func TestDownstreamRouteFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "google rejects token",
			err:            &googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid Credentials"},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "downstream_unauthorized",
		},
		{
			name:           "google quota",
			err:            &googleapi.Error{Code: http.StatusTooManyRequests, Message: "Rate Limit Exceeded"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "downstream_failed",
		},
		{
			name:           "transport failure",
			err:            errors.New("dial tcp: connection refused"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "downstream_failed",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			harness := newBrokerHarness(t)
			harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour)})
			router := newRoutesRouter(t, harness, ResponseShapeSession, &fakeDownstream{err: testCase.err})
			sessionToken := linkThroughHTTP(t, router, "abc123")

			recorder, payload := performJSON(t, router, http.MethodGet, "/google/drive/files", nil, sessionToken)
			if recorder.Code != testCase.expectedStatus || payload["error"] != testCase.expectedCode {
				t.Fatalf("expected %d %s, got %d %v", testCase.expectedStatus, testCase.expectedCode, recorder.Code, payload)
			}
			if harness.metrics.Count(metricDownstreamFailed) != 1 {
				t.Fatalf("expected downstream failure counter, got %v", harness.metrics.Snapshot())
			}
		})
	}
}

func TestUnlinkRoute(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour)})
	router := newRoutesRouter(t, harness, ResponseShapeSession, &fakeDownstream{})
	sessionToken := linkThroughHTTP(t, router, "abc123")

	for attempt := 0; attempt < 2; attempt++ {
		recorder, payload := performJSON(t, router, http.MethodPost, "/auth/google/unlink", nil, sessionToken)
		if recorder.Code != http.StatusOK || payload["ok"] != true {
			t.Fatalf("unlink attempt %d: expected ok, got %d %v", attempt, recorder.Code, payload)
		}
	}

	recorder, payload := performJSON(t, router, http.MethodGet, "/google/calendar/events", nil, sessionToken)
	if recorder.Code != http.StatusUnauthorized || payload["error"] != "not_linked" || payload["action"] != "relink" {
		t.Fatalf("expected not_linked relink after unlink, got %d %v", recorder.Code, payload)
	}
}

func TestRefreshFailureRoute(t *testing.T) {
	t.Parallel()

	harness := newBrokerHarness(t)
	harness.refresher.err = newError(ErrRefreshFailed, "invalid_grant", nil)
	harness.addGrant("abc123", "u1", TokenSet{AccessToken: "A1", RefreshToken: "R1", Expiry: testEpoch.Add(time.Hour)})
	router := newRoutesRouter(t, harness, ResponseShapeSession, &fakeDownstream{})
	sessionToken := linkThroughHTTP(t, router, "abc123")

	harness.clock.Advance(2 * time.Hour)
	recorder, payload := performJSON(t, router, http.MethodGet, "/google/drive/files", nil, sessionToken)
	if recorder.Code != http.StatusUnauthorized || payload["error"] != "refresh_failed" || payload["action"] != "retry" {
		t.Fatalf("expected refresh_failed retry, got %d %v", recorder.Code, payload)
	}
	if payload["detail"] != "invalid_grant" {
		t.Fatalf("expected provider detail, got %v", payload["detail"])
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err      error
		expected int
	}{
		{err: ErrInvalidRequest, expected: http.StatusBadRequest},
		{err: ErrExchangeFailed, expected: http.StatusBadRequest},
		{err: ErrVerificationFailed, expected: http.StatusBadRequest},
		{err: ErrNotLinked, expected: http.StatusUnauthorized},
		{err: ErrReauthRequired, expected: http.StatusUnauthorized},
		{err: newError(ErrRefreshFailed, "provider_timeout", nil), expected: http.StatusUnauthorized},
		{err: ErrInvalidSession, expected: http.StatusUnauthorized},
		{err: errors.New("unexpected"), expected: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		if status := StatusFor(testCase.err); status != testCase.expected {
			t.Fatalf("%v: expected %d, got %d", testCase.err, testCase.expected, status)
		}
	}
}
