package kiroproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Hardcoded refresh endpoints, matching Kiro's own desktop client.
const (
	socialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	idcRefreshURL    = "https://oidc.us-east-1.amazonaws.com/token"
	tokenExpirySkew  = 60 * time.Second
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
}

// TokenManager keeps each credential's cached access token fresh. Refresh
// calls for the same credential id are coalesced through singleflight so a
// burst of concurrent requests hitting an expired token triggers exactly
// one upstream refresh instead of one per request.
type TokenManager struct {
	store     *CredentialStore
	http      *http.Client
	group     singleflight.Group
	socialURL string
	idcURL    string
}

// NewTokenManager returns a manager backed by store, using client for
// refresh HTTP calls (a default 30s-timeout client if nil).
func NewTokenManager(store *CredentialStore, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{store: store, http: client, socialURL: socialRefreshURL, idcURL: idcRefreshURL}
}

// socialOverride points the social refresh flow at a different endpoint;
// used by tests to substitute an httptest.Server for Kiro's own endpoint.
func (tm *TokenManager) socialOverride(url string) { tm.socialURL = url }

// idcOverride is the IdC-flow counterpart of socialOverride.
func (tm *TokenManager) idcOverride(url string) { tm.idcURL = url }

// Acquire returns a valid access token for cred, refreshing first if the
// cached token is missing or within tokenExpirySkew of expiry.
func (tm *TokenManager) Acquire(ctx context.Context, cred *Credential) (string, error) {
	if cred.AccessTokenValid(time.Now(), tokenExpirySkew) {
		return cred.AccessToken, nil
	}

	v, err, _ := tm.group.Do(cred.ID, func() (any, error) {
		// Another caller may have refreshed this credential while we were
		// waiting to enter Do; re-check the store before hitting the network.
		if fresh, ok := tm.store.Get(cred.ID); ok && fresh.AccessTokenValid(time.Now(), tokenExpirySkew) {
			return fresh.AccessToken, nil
		}
		refreshCtx, cancel := context.WithTimeout(ctx, tokenRefreshTimeout)
		defer cancel()
		return tm.refresh(refreshCtx, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) refresh(ctx context.Context, cred *Credential) (string, error) {
	var (
		resp *refreshResponse
		err  error
	)
	if cred.IsIDC() {
		resp, err = tm.refreshIDC(ctx, cred)
	} else {
		resp, err = tm.refreshSocial(ctx, cred)
	}
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if err := tm.store.Patch(cred.ID, func(c *Credential) {
		c.AccessToken = resp.AccessToken
		c.ExpiresAt = expiresAt
		if resp.ProfileArn != "" {
			c.ProfileArn = resp.ProfileArn
		}
		if resp.RefreshToken != "" {
			c.RefreshToken = resp.RefreshToken
			c.RefreshTokenHash = hashRefreshToken(resp.RefreshToken)
		}
		if c.Email == "" {
			if email := extractEmailFromJWT(resp.AccessToken); email != "" {
				c.Email = email
			}
		}
	}); err != nil {
		return "", fmt.Errorf("persisting refreshed token for %s: %w", cred.ID, err)
	}

	return resp.AccessToken, nil
}

// extractEmailFromJWT pulls an email out of accessToken's claims, in order
// of preference: email, then preferred_username or sub if either looks
// like an email address. Returns "" if the token can't be parsed or none
// of the claims qualify. Kiro's access tokens are verified upstream, not
// by this proxy, so only an unverified parse of the payload is needed.
func extractEmailFromJWT(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	if email, _ := claims["email"].(string); email != "" {
		return email
	}
	if username, _ := claims["preferred_username"].(string); strings.Contains(username, "@") {
		return username
	}
	if sub, _ := claims["sub"].(string); strings.Contains(sub, "@") {
		return sub
	}
	return ""
}

func (tm *TokenManager) refreshSocial(ctx context.Context, cred *Credential) (*refreshResponse, error) {
	body, err := fastMarshal(refreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("encoding social refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.socialURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return tm.doRefresh(req)
}

func (tm *TokenManager) refreshIDC(ctx context.Context, cred *Credential) (*refreshResponse, error) {
	body, err := fastMarshal(idcRefreshRequest{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: cred.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding idc refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.idcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", "oidc.us-east-1.amazonaws.com")

	return tm.doRefresh(req)
}

func (tm *TokenManager) doRefresh(req *http.Request) (*refreshResponse, error) {
	httpResp, err := tm.http.Do(req)
	if err != nil {
		return nil, NewUpstreamTransient(fmt.Errorf("token refresh request: %w", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewUpstreamTransient(fmt.Errorf("reading token refresh response: %w", err))
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return nil, NewAuthFailure(fmt.Errorf("token refresh rejected: status %d: %s", httpResp.StatusCode, raw))
	default:
		return nil, NewUpstreamTransient(fmt.Errorf("token refresh failed: status %d: %s", httpResp.StatusCode, raw))
	}

	var resp refreshResponse
	if err := fastUnmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding token refresh response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, NewAuthFailure(fmt.Errorf("token refresh response missing accessToken"))
	}
	return &resp, nil
}
