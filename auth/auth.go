// Package auth verifies caller identity from bearer JWTs and threads
// the caller through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const callerKey contextKey = "modelmux.caller"

// Claims carries the caller identity used for quota scoping.
type Claims struct {
	Caller string `json:"caller"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HS256 caller tokens.
type Manager struct {
	secret []byte
	logger *zap.SugaredLogger
}

func NewManager(secret string, logger *zap.SugaredLogger) *Manager {
	return &Manager{secret: []byte(secret), logger: logger}
}

// Enabled reports whether the manager has a secret to verify against.
// Without one, requests pass through anonymously.
func (m *Manager) Enabled() bool {
	return len(m.secret) > 0
}

// GenerateToken mints a caller token, mainly for tooling and tests.
func (m *Manager) GenerateToken(caller string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Caller: caller,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyToken parses and validates a caller token.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Caller == "" {
		claims.Caller = claims.Subject
	}
	return claims, nil
}

// Middleware extracts the caller from the Authorization header and puts
// it on the request context. With auth disabled every request passes
// through with an empty caller.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := m.VerifyToken(tokenString)
		if err != nil {
			m.logger.Infow("rejected token", "remote_addr", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Caller)))
	})
}

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the caller identity, or empty when anonymous.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}
