// Package auth resolves client identity tokens to user ids.
//
// Both the HTTP API and the WebSocket gateway accept a token either as an
// "Authorization: Bearer" header or as a "token" query parameter; browsers
// cannot set headers on WebSocket upgrades.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a token is missing, malformed, expired or
// signed with the wrong key.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Verifier resolves a token to the user id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// ─────────────────────────────────────────────────────────────────────────────
// HS256 JWT
// ─────────────────────────────────────────────────────────────────────────────

var _ Verifier = (*JWT)(nil)

// JWT verifies HS256-signed tokens whose "sub" claim is the user id.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// JWTOption configures a [JWT].
type JWTOption func(*JWT)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(j *JWT) { j.issuer = issuer }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(j *JWT) { j.now = now }
}

// NewJWT returns a [JWT] verifier for secret.
func NewJWT(secret []byte, opts ...JWTOption) *JWT {
	j := &JWT{secret: secret, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Verify implements [Verifier].
func (j *JWT) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID that expires after ttl. It is used by the
// development token command and by tests.
func (j *JWT) Issue(userID string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Insecure
// ─────────────────────────────────────────────────────────────────────────────

// Insecure treats the token itself as the user id. It exists for local
// development without a signing secret and must not be exposed publicly.
type Insecure struct{}

// Verify implements [Verifier].
func (Insecure) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	return token, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP integration
// ─────────────────────────────────────────────────────────────────────────────

// TokenFromRequest extracts the token from the "token" query parameter or,
// failing that, from a Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type userKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated user id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid token with 401 and stores the
// resolved user id in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(r.Context(), TokenFromRequest(r))
			if err != nil {
				slog.DebugContext(r.Context(), "auth: rejected request", "path", r.URL.Path, "err", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
