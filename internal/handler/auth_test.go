package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthValidateStaticKey(t *testing.T) {
	a := NewAuth([]string{"sk-abc", "sk-def"}, "")

	assert.NoError(t, a.Validate("sk-abc"))
	assert.NoError(t, a.Validate("sk-def"))
	assert.ErrorIs(t, a.Validate("sk-nope"), ErrInvalidToken)
	assert.ErrorIs(t, a.Validate(""), ErrMissingToken)
}

func TestAuthValidateJWT(t *testing.T) {
	secret := "test-secret"
	a := NewAuth(nil, secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	assert.NoError(t, a.Validate(signed))
	assert.ErrorIs(t, a.Validate(signed+"tampered"), ErrInvalidToken)
}

func TestAuthValidateJWTWrongSecret(t *testing.T) {
	a := NewAuth(nil, "right-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	assert.ErrorIs(t, a.Validate(signed), ErrInvalidToken)
}

func TestAuthExtractToken(t *testing.T) {
	a := NewAuth(nil, "")

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "sk-header")
	assert.Equal(t, "sk-header", a.ExtractToken(r))

	r2 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r2.Header.Set("Authorization", "Bearer sk-bearer")
	assert.Equal(t, "sk-bearer", a.ExtractToken(r2))

	r3 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	assert.Equal(t, "", a.ExtractToken(r3))
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	a := NewAuth([]string{"sk-abc"}, "")
	called := false
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAllowsValidKey(t *testing.T) {
	a := NewAuth([]string{"sk-abc"}, "")
	called := false
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
