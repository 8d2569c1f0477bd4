package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = "user-123"
)

var testClockNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, method jwt.SigningMethod, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserID:          testSessionUserID,
		UserDisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected ErrMissingSessionSigningKey, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)

	claims, err := validator.ValidateToken(signTestToken(t, jwt.SigningMethodHS256, validClaims()))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserDisplayName != "Ada" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	validator := newTestValidator(t)

	expired := validClaims()
	expired.IssuedAt = jwt.NewNumericDate(testClockNow.Add(-2 * time.Hour))
	expired.NotBefore = nil
	expired.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))

	foreign := validClaims()
	foreign.Issuer = "someone-else"

	anonymous := validClaims()
	anonymous.UserID = ""
	anonymous.Subject = ""

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "  ", expected: ErrMissingSessionToken},
		{name: "garbage", token: "not-a-jwt", expected: ErrInvalidSessionToken},
		{name: "expired", token: signTestToken(t, jwt.SigningMethodHS256, expired), expected: ErrExpiredSessionToken},
		{name: "wrong issuer", token: signTestToken(t, jwt.SigningMethodHS256, foreign), expected: ErrInvalidSessionToken},
		{name: "wrong algorithm", token: signTestToken(t, jwt.SigningMethodHS512, validClaims()), expected: ErrInvalidSessionToken},
		{name: "no subject", token: signTestToken(t, jwt.SigningMethodHS256, anonymous), expected: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorFallsBackToSubject(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.UserID = ""

	parsed, err := validator.ValidateToken(signTestToken(t, jwt.SigningMethodHS256, claims))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if parsed.UserID != testSessionUserID {
		t.Fatalf("expected subject as user id, got %q", parsed.UserID)
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, jwt.SigningMethodHS256, validClaims())

	testCases := []struct {
		name    string
		prepare func(*http.Request)
	}{
		{name: "cookie", prepare: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: defaultSessionCookieName, Value: signed})
		}},
		{name: "authorization header", prepare: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signed)
		}},
		{name: "query parameter", prepare: func(r *http.Request) {
			query := r.URL.Query()
			query.Set("access_token", signed)
			r.URL.RawQuery = query.Encode()
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if claims.UserID != testSessionUserID {
				t.Fatalf("unexpected user id: %s", claims.UserID)
			}
		})
	}

	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
