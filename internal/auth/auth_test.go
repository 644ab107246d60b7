package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/anamnese/internal/auth"
)

var secret = []byte("test-secret")

func TestJWT_RoundTrip(t *testing.T) {
	t.Parallel()
	j := auth.NewJWT(secret, auth.WithIssuer("anamnese"))

	token, err := j.Issue("user-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := j.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "user-42" {
		t.Errorf("userID = %q, want user-42", got)
	}
}

func TestJWT_Rejects(t *testing.T) {
	t.Parallel()
	past := func() time.Time { return time.Now().Add(-2 * time.Hour) }

	expired, _ := auth.NewJWT(secret, auth.WithClock(past)).Issue("u", time.Hour)
	otherKey, _ := auth.NewJWT([]byte("other")).Issue("u", time.Hour)
	otherIssuer, _ := auth.NewJWT(secret, auth.WithIssuer("someone-else")).Issue("u", time.Hour)
	noSubject, _ := auth.NewJWT(secret).Issue("", time.Hour)

	tests := []struct {
		name     string
		token    string
		verifier *auth.JWT
	}{
		{"empty", "", auth.NewJWT(secret)},
		{"garbage", "not-a-jwt", auth.NewJWT(secret)},
		{"expired", expired, auth.NewJWT(secret)},
		{"wrong key", otherKey, auth.NewJWT(secret)},
		{"wrong issuer", otherIssuer, auth.NewJWT(secret, auth.WithIssuer("anamnese"))},
		{"no subject", noSubject, auth.NewJWT(secret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.verifier.Verify(context.Background(), tt.token)
			if !errors.Is(err, auth.ErrUnauthorized) {
				t.Errorf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := auth.TokenFromRequest(r); got != "from-query" {
		t.Errorf("query wins: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	r.Header.Set("Authorization", "bearer from-header")
	if got := auth.TokenFromRequest(r); got != "from-header" {
		t.Errorf("header: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := auth.TokenFromRequest(r); got != "" {
		t.Errorf("basic auth must be ignored, got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	j := auth.NewJWT(secret)
	token, _ := j.Issue("u1", time.Minute)

	var seen string
	h := auth.Middleware(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.UserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || seen != "u1" {
		t.Errorf("valid token: code=%d user=%q", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: code=%d, want 401", rec.Code)
	}
}

func TestInsecure(t *testing.T) {
	t.Parallel()
	got, err := auth.Insecure{}.Verify(context.Background(), "dev-user")
	if err != nil || got != "dev-user" {
		t.Errorf("Verify = %q, %v", got, err)
	}
	if _, err := (auth.Insecure{}).Verify(context.Background(), ""); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("empty token: %v", err)
	}
}
