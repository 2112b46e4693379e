package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/pawsync/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
	lastHeader  string
}

func (s *stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	s.lastHeader = r.Header.Get("Authorization")
	if s.validateErr != nil {
		return auth.SessionClaims{}, s.validateErr
	}
	return s.claims, nil
}

func runAuthorize(t *testing.T, validator SessionValidator, target string, header string) (*httptest.ResponseRecorder, *gin.Context, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if header != "" {
		request.Header.Set("Authorization", header)
	}
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: validator,
		logger:   zap.New(core),
	}
	handler.authorizeRequest(ctx)
	return recorder, ctx, logs
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	recorder, _, logs := runAuthorize(t, &stubSessionValidator{validateErr: auth.ErrExpiredSessionToken}, "/records/pets", "Bearer expired-token")

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
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	recorder, _, logs := runAuthorize(t, &stubSessionValidator{validateErr: errors.New("signature mismatch")}, "/records/pets", "Bearer invalid-token")

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestStoresSubject(t *testing.T) {
	validator := &stubSessionValidator{}
	validator.claims.Subject = "owner"
	recorder, ctx, logs := runAuthorize(t, validator, "/records/pets", "Bearer good-token")

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", recorder.Code)
	}
	if ctx.IsAborted() {
		t.Fatalf("expected request to continue")
	}
	if subject := ctx.GetString(subjectContextKey); subject != "owner" {
		t.Fatalf("expected subject owner, got %q", subject)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestAuthorizeRequestAcceptsQueryToken(t *testing.T) {
	validator := &stubSessionValidator{}
	validator.claims.Subject = "owner"
	runAuthorize(t, validator, "/events?access_token=stream-token", "")

	if validator.lastHeader != "Bearer stream-token" {
		t.Fatalf("expected query token promoted to bearer header, got %q", validator.lastHeader)
	}
}
