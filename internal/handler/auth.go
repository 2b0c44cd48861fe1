package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing api key")
	ErrInvalidToken = errors.New("invalid api key")
)

// Auth validates client requests against a set of static API keys and,
// optionally, HMAC-signed JWTs minted by an operator. Either credential
// form satisfies spec §6's "x-api-key or Authorization: Bearer" rule; any
// other value, or none at all, is a 401.
type Auth struct {
	keys      map[string]struct{}
	jwtSecret []byte
}

// NewAuth builds an Auth from the accepted API keys (-api-key's
// comma-separated value, already split into a list; each key is trimmed)
// and an optional JWT HMAC secret (-jwt-secret; empty disables
// JWT verification entirely, so only the static keys are accepted).
func NewAuth(apiKeys []string, jwtSecret string) *Auth {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Auth{keys: keys, jwtSecret: []byte(jwtSecret)}
}

// ExtractToken pulls the client-presented credential from either the
// x-api-key header or an "Authorization: Bearer <token>" header, mirroring
// the teacher's TokenAuthMiddleware.ExtractToken fallback chain.
func (a *Auth) ExtractToken(r *http.Request) string {
	if token := r.Header.Get("x-api-key"); token != "" {
		return strings.TrimSpace(token)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if parts := strings.Fields(auth); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// Validate returns nil if token is an accepted static key or a validly
// signed, unexpired JWT.
func (a *Auth) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if _, ok := a.keys[token]; ok {
		return nil
	}
	if len(a.jwtSecret) == 0 {
		return ErrInvalidToken
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects any request whose token doesn't validate before it
// reaches the proxy handler.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Validate(a.ExtractToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
