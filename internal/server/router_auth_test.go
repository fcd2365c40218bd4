package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/auth/session", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:      stubTokenManager{validateErr: auth.ErrExpiredToken},
		revocations: &stubRevocations{},
		logger:      zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/auth/session", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:      stubTokenManager{validateErr: errors.New("signature mismatch")},
		revocations: &stubRevocations{},
		logger:      zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestRejectsMissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/auth/logout", http.NoBody)

	handler := &httpHandler{tokens: stubTokenManager{}, revocations: &stubRevocations{}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRevocationCheckOutcomes(t *testing.T) {
	testCases := []struct {
		name      string
		store     *stubRevocations
		tolerate  bool
		expected  int
		admitted  bool
		logLevel  zapcore.Level
		expectLog bool
	}{
		{name: "valid", store: &stubRevocations{}, expected: http.StatusOK, admitted: true},
		{name: "revoked", store: &stubRevocations{revoked: true}, expected: http.StatusUnauthorized},
		{
			name:      "fails closed",
			store:     &stubRevocations{checkErr: auth.ErrRevocationCheck},
			expected:  http.StatusServiceUnavailable,
			logLevel:  zapcore.ErrorLevel,
			expectLog: true,
		},
		{
			name:      "tolerates degraded backend",
			store:     &stubRevocations{checkErr: auth.ErrRevocationCheck},
			tolerate:  true,
			expected:  http.StatusOK,
			admitted:  true,
			logLevel:  zapcore.WarnLevel,
			expectLog: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{
				tokens:           stubTokenManager{claims: auth.Claims{UserID: "user-1", Username: "maria", Role: "user"}},
				revocations:      testCase.store,
				tolerateDegraded: testCase.tolerate,
				logger:           zap.New(core),
			}

			router := gin.New()
			admitted := false
			router.GET("/collections/:name", handler.optionalAuthorization, func(c *gin.Context) {
				viewer := viewerFrom(c)
				admitted = viewer != nil && viewer.UserID == "user-1"
				c.Status(http.StatusOK)
			})

			request := httptest.NewRequest(http.MethodGet, "/collections/residents", http.NoBody)
			request.Header.Set("Authorization", "Bearer token-1")
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)

			if recorder.Code != testCase.expected {
				t.Fatalf("expected status %d, got %d", testCase.expected, recorder.Code)
			}
			if admitted != testCase.admitted {
				t.Fatalf("expected admitted=%v, got %v", testCase.admitted, admitted)
			}
			if testCase.expectLog {
				entries := logs.FilterMessageSnippet("revocation check failed").All()
				if len(entries) != 1 || entries[0].Level != testCase.logLevel {
					t.Fatalf("expected one %s revocation log, got %v", testCase.logLevel, entries)
				}
			}
		})
	}
}

func TestOptionalAuthorizationAdmitsAnonymousRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &stubRevocations{checkErr: auth.ErrRevocationCheck}
	handler := &httpHandler{tokens: stubTokenManager{validateErr: auth.ErrInvalidToken}, revocations: store, logger: zap.NewNop()}

	router := gin.New()
	router.GET("/collections/:name", handler.optionalAuthorization, func(c *gin.Context) {
		if viewerFrom(c) != nil {
			t.Errorf("anonymous request should have no viewer")
		}
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/collections/residents", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected anonymous request to pass, got %d", recorder.Code)
	}
	if store.checks != 0 {
		t.Fatalf("anonymous request should not consult the revocation list")
	}
}

type stubTokenManager struct {
	claims      auth.Claims
	validateErr error
}

func (s stubTokenManager) Issue(context.Context, auth.Identity) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not implemented")
}

func (s stubTokenManager) Validate(string) (auth.Claims, error) {
	if s.validateErr != nil {
		return auth.Claims{}, s.validateErr
	}
	return s.claims, nil
}

type stubRevocations struct {
	revoked  bool
	checkErr error
	checks   int
}

func (s *stubRevocations) Revoke(context.Context, string, time.Time) error {
	return nil
}

func (s *stubRevocations) IsRevoked(context.Context, string) (bool, error) {
	s.checks++
	return s.revoked, s.checkErr
}
