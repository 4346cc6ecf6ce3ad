package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func doctorClaims(doctorID int64, ttl time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		DoctorID: doctorID,
		Role:     "doctor",
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	err := mw(handler)(c)

	if err == nil {
		t.Fatal("expected error for missing header")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
			err := mw(func(c echo.Context) error { return nil })(c)
			if err == nil {
				t.Fatal("expected error")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401 HTTPError, got %v", err)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, doctorClaims(42, time.Hour), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var handlerCalled bool
	handler := func(c echo.Context) error {
		handlerCalled = true
		id, ok := DoctorIDFromContext(c.Request().Context())
		if !ok || id != 42 {
			t.Errorf("expected doctor 42 in context, got %d (ok=%v)", id, ok)
		}
		if RoleFromContext(c.Request().Context()) != "doctor" {
			t.Errorf("expected role doctor")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	if err := mw(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	tokenStr := createTestToken(t, doctorClaims(42, -time.Hour), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	err := mw(func(c echo.Context) error { return nil })(c)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestVerifier_SubjectFallback(t *testing.T) {
	claims := doctorClaims(0, time.Hour)
	claims.Subject = "17"
	tokenStr := createTestToken(t, claims, testSigningKey)

	got, err := NewVerifier(JWTConfig{SigningKey: testSigningKey}).Verify(tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DoctorID != 17 {
		t.Errorf("expected doctor 17 from subject, got %d", got.DoctorID)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(JWTConfig{SigningKey: testSigningKey, Issuer: "hanna-auth"})

	noDoctor := doctorClaims(0, time.Hour)
	noDoctor.Issuer = "hanna-auth"

	wrongIssuer := doctorClaims(5, time.Hour)
	wrongIssuer.Issuer = "someone-else"

	noExpiry := doctorClaims(5, time.Hour)
	noExpiry.Issuer = "hanna-auth"
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"no doctor id", createTestToken(t, noDoctor, testSigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey)},
		{"wrong key", createTestToken(t, doctorClaims(5, time.Hour), []byte("another-key"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); err == nil {
				t.Fatal("expected verification error")
			}
		})
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query param", "/ws?token=abc", "", "abc"},
		{"query param wins over header", "/ws?token=abc", "Bearer def", "abc"},
		{"query param with prefix", "/ws?token=Bearer%20abc", "", "abc"},
		{"header", "/ws", "Bearer def", "def"},
		{"lowercase scheme", "/ws", "bearer def", "def"},
		{"none", "/ws", "", ""},
		{"basic header", "/ws", "Basic xyz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
