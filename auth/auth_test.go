package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestVerifyToken(t *testing.T) {
	manager := NewManager("test-secret", zap.NewNop().Sugar())

	t.Run("round trip", func(t *testing.T) {
		token, err := manager.GenerateToken("tenant-a", time.Hour)
		assert.NoError(t, err)

		claims, err := manager.VerifyToken(token)
		assert.NoError(t, err)
		assert.Equal(t, "tenant-a", claims.Caller)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewManager("other-secret", zap.NewNop().Sugar())
		token, err := other.GenerateToken("tenant-a", time.Hour)
		assert.NoError(t, err)

		_, err = manager.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := manager.GenerateToken("tenant-a", -time.Minute)
		assert.NoError(t, err)

		_, err = manager.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := manager.VerifyToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	manager := NewManager("test-secret", zap.NewNop().Sugar())
	var seenCaller string
	handler := manager.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCaller = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes caller through", func(t *testing.T) {
		token, err := manager.GenerateToken("tenant-a", time.Hour)
		assert.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "tenant-a", seenCaller)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("malformed scheme is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
		req.Header.Set("Authorization", "Basic abc123")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("disabled auth passes anonymously", func(t *testing.T) {
		open := NewManager("", zap.NewNop().Sugar())
		var caller string
		openHandler := open.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller = CallerFrom(r.Context())
		}))

		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
		openHandler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Empty(t, caller)
	})
}
