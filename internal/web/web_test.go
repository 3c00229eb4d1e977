package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/credbroker/internal/broker"
	"github.com/tyemirov/credbroker/pkg/sessionvalidator"
	"go.uber.org/zap"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:8080"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost:8080")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:8080" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", credentials)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		origins []string
		target  error
	}{
		{name: "nil", origins: nil, target: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, target: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, target: errWildcardOrigin},
		{name: "path", origins: []string{"https://app.example.com/login"}, target: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://app.example.com"}, target: errInvalidOrigin},
		{name: "query", origins: []string{"https://app.example.com?x=1"}, target: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := ConfigureCORS(zap.NewNop(), testCase.origins)
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestSanitizeOriginsNormalizesAndDeduplicates(t *testing.T) {
	t.Parallel()
	sanitized, err := sanitizeOrigins(zap.NewNop(), []string{
		"https://app.example.com/",
		" HTTPS://app.example.com ",
		"http://127.0.0.1:3000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected two origins, got %v", sanitized)
	}
	seen := map[string]bool{}
	for _, origin := range sanitized {
		seen[origin] = true
	}
	if !seen["https://app.example.com"] || !seen["http://127.0.0.1:3000"] {
		t.Fatalf("unexpected sanitized origins: %v", sanitized)
	}
}

type stubProfiles struct {
	record broker.CredentialRecord
	found  bool
	err    error
	calls  []string
}

func (profiles *stubProfiles) Profile(_ context.Context, userID string) (broker.CredentialRecord, bool, error) {
	profiles.calls = append(profiles.calls, userID)
	return profiles.record, profiles.found, profiles.err
}

func newMeRouter(profiles ProfileReader, claims *sessionvalidator.Claims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	if claims != nil {
		router.Use(func(contextGin *gin.Context) {
			contextGin.Set(broker.ClaimsContextKey, claims)
			contextGin.Next()
		})
	}
	router.GET("/me", HandleMe(zap.NewNop(), profiles))
	return router
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	return payload
}

func TestHandleMe(t *testing.T) {
	t.Parallel()

	profiles := &stubProfiles{
		found: true,
		record: broker.CredentialRecord{
			UserID:  "u1",
			Email:   "user@example.com",
			Name:    "Demo User",
			Picture: "https://example.com/avatar.png",
			Scope:   "openid email https://www.googleapis.com/auth/drive.readonly",
		},
	}
	router := newMeRouter(profiles, &sessionvalidator.Claims{UserID: "u1", UserEmail: "user@example.com"})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["uid"] != "u1" {
		t.Fatalf("unexpected uid: %v", payload["uid"])
	}
	if payload["name"] != "Demo User" || payload["picture"] != "https://example.com/avatar.png" {
		t.Fatalf("unexpected profile fields: %v", payload)
	}
	scopes, ok := payload["granted_scopes"].([]any)
	if !ok || len(scopes) != 3 {
		t.Fatalf("unexpected granted_scopes: %v", payload["granted_scopes"])
	}
	if len(profiles.calls) != 1 || profiles.calls[0] != "u1" {
		t.Fatalf("expected a single profile lookup for u1, got %v", profiles.calls)
	}
}

func TestHandleMeWithoutRecord(t *testing.T) {
	t.Parallel()

	for _, profiles := range []*stubProfiles{
		{found: false},
		{err: errors.New("store offline")},
	} {
		router := newMeRouter(profiles, &sessionvalidator.Claims{UserID: "u2", UserEmail: "second@example.com"})
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 without a stored record, got %d", recorder.Code)
		}
		payload := decodeBody(t, recorder)
		if payload["uid"] != "u2" || payload["email"] != "second@example.com" {
			t.Fatalf("expected claims-derived identity, got %v", payload)
		}
		scopes, ok := payload["granted_scopes"].([]any)
		if !ok || len(scopes) != 0 {
			t.Fatalf("expected empty granted_scopes, got %v", payload["granted_scopes"])
		}
	}
}

func TestHandleMeMissingClaims(t *testing.T) {
	t.Parallel()

	router := newMeRouter(&stubProfiles{}, nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when claims missing, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "invalid_session" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}
