package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "pawsync_session"
	testSessionSubject       = "owner"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, secret string, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signTestToken(t, testSessionSigningSecret, SessionClaims{
		DeviceName: "laptop",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			Subject:   testSessionSubject,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testSessionSubject || claims.DeviceName != "laptop" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	tests := []struct {
		name   string
		token  string
		target error
	}{
		{
			name: "expired",
			token: signTestToken(t, testSessionSigningSecret, SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    SessionIssuer,
				Subject:   testSessionSubject,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
			}}),
			target: ErrExpiredSessionToken,
		},
		{
			name: "wrong secret",
			token: signTestToken(t, "other", SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    SessionIssuer,
				Subject:   testSessionSubject,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}}),
			target: ErrInvalidSessionToken,
		},
		{
			name: "wrong issuer",
			token: signTestToken(t, testSessionSigningSecret, SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				Subject:   testSessionSubject,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}}),
			target: ErrInvalidSessionToken,
		},
		{
			name: "missing subject",
			token: signTestToken(t, testSessionSigningSecret, SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    SessionIssuer,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}}),
			target: ErrMissingSessionSubject,
		},
		{
			name: "no expiry",
			token: signTestToken(t, testSessionSigningSecret, SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:  SessionIssuer,
				Subject: testSessionSubject,
			}}),
			target: ErrInvalidSessionToken,
		},
		{name: "empty", token: "  ", target: ErrMissingSessionToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(tt.token); !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestPrefersBearer(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	signed, _, err := issuer.IssueSessionToken(context.Background(), testSessionSubject, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)
	bearer.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "garbage"})
	if _, err := validator.ValidateRequest(bearer); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	claims, err := validator.ValidateRequest(cookie)
	if err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestSessionValidatorRequestTransports(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	signed, _, err := issuer.IssueSessionToken(context.Background(), testSessionSubject, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	headerOnly, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	lowercase := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	lowercase.Header.Set("Authorization", "bearer "+signed)
	if _, err := headerOnly.ValidateRequest(lowercase); err != nil {
		t.Fatalf("scheme must be case-insensitive: %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	basic.Header.Set("Authorization", "Basic "+signed)
	if _, err := headerOnly.ValidateRequest(basic); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected a non-bearer header to carry no token, got %v", err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/records/pets", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if _, err := headerOnly.ValidateRequest(cookie); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected cookies to be ignored without a cookie name, got %v", err)
	}
}
