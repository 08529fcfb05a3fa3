// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidityBuffer is subtracted from a token's lifetime: a token within
// five minutes of expiry is refreshed before use.
const TokenValidityBuffer = 5 * time.Minute

// DefaultTokenExpiry applies when the provider sends neither expires_in nor
// a parseable JWT exp claim.
const DefaultTokenExpiry = 3600 * time.Second

// OAuthToken is one issued access/refresh token pair. Tokens are deactivated
// on replacement, never deleted in place; inactive tokens are purged after a
// retention window.
type OAuthToken struct {
	ID           int64
	ConfigID     int64
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	IssuedAt     time.Time
	ExpiresIn    time.Duration
	Active       bool
	RefreshCount int
}

// Valid reports whether the token is active and outside the expiry buffer.
func (t *OAuthToken) Valid(now time.Time) bool {
	if t == nil || !t.Active {
		return false
	}
	if t.ExpiresIn <= 0 {
		return true
	}
	return now.Before(t.IssuedAt.Add(t.ExpiresIn - TokenValidityBuffer))
}

// TokenStore persists OAuth tokens. At most one active token may exist per
// configuration; Insert must deactivate prior active tokens atomically.
type TokenStore interface {
	// Active returns the current active token for a configuration, or
	// ErrNotFound.
	Active(ctx context.Context, configID int64) (*OAuthToken, error)

	// Insert stores tok as the new active token, deactivating all prior
	// active tokens for the same configuration in the same transaction.
	Insert(ctx context.Context, tok *OAuthToken) error

	// Deactivate marks the token inactive.
	Deactivate(ctx context.Context, tokenID int64) error

	// PurgeInactive removes inactive tokens issued before cutoff and returns
	// how many were removed.
	PurgeInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenManager owns the OAuth lifecycle for all configurations. Refreshes
// for a single configuration are serialized so two workers detecting an
// expired token never race two refresh calls (the provider would invalidate
// one of the resulting pairs).
type TokenManager struct {
	store  TokenStore
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewTokenManager creates a token manager backed by store.
func NewTokenManager(store TokenStore, client *http.Client, logger *slog.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		store:  store,
		client: client,
		logger: logger,
		now:    time.Now,
		locks:  make(map[int64]*sync.Mutex),
	}
}

// refreshLock returns the per-configuration mutex, creating it on first use.
func (m *TokenManager) refreshLock(configID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[configID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[configID] = lock
	}
	return lock
}

// Acquire returns the current valid token for cfg, refreshing first when the
// active token is missing or inside the expiry buffer.
func (m *TokenManager) Acquire(ctx context.Context, cfg *Configuration) (*OAuthToken, error) {
	tok, err := m.store.Active(ctx, cfg.ID)
	if err == nil && tok.Valid(m.now()) {
		return tok, nil
	}
	if err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("failed to load active token: %w", err)
	}
	return m.Refresh(ctx, cfg)
}

// Refresh obtains a new token pair and persists it as the active token. The
// refresh token grant is used when the active token carries one; otherwise
// the initial client-credentials grant. Holding the per-configuration lock
// only around the exchange keeps concurrent callers from double-refreshing
// while not serializing unrelated API traffic.
func (m *TokenManager) Refresh(ctx context.Context, cfg *Configuration) (*OAuthToken, error) {
	return m.refresh(ctx, cfg, "")
}

// ForceRefresh obtains a new token even when the stored one still looks
// valid. Used after the provider rejected staleAccessToken with a 401;
// a concurrent refresh that already replaced it is reused instead.
func (m *TokenManager) ForceRefresh(ctx context.Context, cfg *Configuration, staleAccessToken string) (*OAuthToken, error) {
	return m.refresh(ctx, cfg, staleAccessToken)
}

func (m *TokenManager) refresh(ctx context.Context, cfg *Configuration, staleAccessToken string) (*OAuthToken, error) {
	lock := m.refreshLock(cfg.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if tok, err := m.store.Active(ctx, cfg.ID); err == nil && tok.Valid(m.now()) && tok.AccessToken != staleAccessToken {
		return tok, nil
	}

	prev, err := m.store.Active(ctx, cfg.ID)
	if err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("failed to load active token: %w", err)
	}

	form := url.Values{}
	switch {
	case err == nil && prev.RefreshToken != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", prev.RefreshToken)
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		form.Set("grant_type", "client_credentials")
	default:
		return nil, &AuthError{Reason: "no refresh token and no client credentials; re-authorization required"}
	}
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	resp, err := m.postTokenForm(ctx, cfg, form)
	if err != nil {
		return nil, err
	}

	tok := m.buildToken(cfg, resp)
	if prev != nil {
		tok.RefreshCount = prev.RefreshCount + 1
		if tok.RefreshToken == "" {
			// Some providers omit the refresh token on renewal; keep the old one.
			tok.RefreshToken = prev.RefreshToken
		}
	}
	if err := m.store.Insert(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.logger.Info("OAuth token refreshed", "cloud_id", cfg.CloudID, "refresh_count", tok.RefreshCount)
	return tok, nil
}

// ExchangeCode exchanges an OAuth callback code for a token pair and persists
// it against cfg.
func (m *TokenManager) ExchangeCode(ctx context.Context, cfg *Configuration, code, redirectURI string) (*OAuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("redirect_uri", redirectURI)

	resp, err := m.postTokenForm(ctx, cfg, form)
	if err != nil {
		return nil, err
	}

	tok := m.buildToken(cfg, resp)
	if err := m.store.Insert(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to persist exchanged token: %w", err)
	}

	m.logger.Info("OAuth token obtained", "cloud_id", cfg.CloudID)
	return tok, nil
}

// Revoke deactivates the active token. The provider revoke call is
// best-effort: its failure is logged and does not fail the operation.
func (m *TokenManager) Revoke(ctx context.Context, cfg *Configuration) error {
	tok, err := m.store.Active(ctx, cfg.ID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load active token: %w", err)
	}

	form := url.Values{}
	form.Set("token", tok.AccessToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	if _, err := m.postForm(ctx, cfg.APIBaseURL+"/oauth/revoke", form); err != nil {
		m.logger.Warn("Provider token revoke failed", "cloud_id", cfg.CloudID, "error", err)
	}

	if err := m.store.Deactivate(ctx, tok.ID); err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	m.logger.Info("OAuth token revoked", "cloud_id", cfg.CloudID)
	return nil
}

// AuthorizationURL builds the provider authorization URL for the interactive
// OAuth flow. The configuration id travels in state and comes back on the
// callback.
func (m *TokenManager) AuthorizationURL(cfg *Configuration, redirectURI string) string {
	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile email offline_access")
	params.Set("state", fmt.Sprintf("%d", cfg.ID))
	return cfg.APIBaseURL + "/oauth/authorize?" + params.Encode()
}

// CleanupExpired purges inactive tokens older than retention (default 30
// days) and returns the purge count.
func (m *TokenManager) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	count, err := m.store.PurgeInactive(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge inactive tokens: %w", err)
	}
	if count > 0 {
		m.logger.Info("Purged inactive OAuth tokens", "count", count)
	}
	return count, nil
}

func (m *TokenManager) postTokenForm(ctx context.Context, cfg *Configuration, form url.Values) (*TokenResponse, error) {
	body, err := m.postForm(ctx, cfg.APIBaseURL+"/oauth/token", form)
	if err != nil {
		return nil, err
	}
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AuthError{Reason: "malformed token response", Err: err}
	}
	if resp.AccessToken == "" {
		return nil, &AuthError{Reason: "token response missing access_token"}
	}
	return &resp, nil
}

func (m *TokenManager) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := m.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// Provider rejection of a grant is terminal, not retried.
		return nil, &AuthError{Reason: fmt.Sprintf("provider rejected grant: status %d: %s", httpResp.StatusCode, truncate(string(body), 200))}
	}
	return body, nil
}

func (m *TokenManager) buildToken(cfg *Configuration, resp *TokenResponse) *OAuthToken {
	tok := &OAuthToken{
		ConfigID:     cfg.ID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
		IssuedAt:     m.now(),
		Active:       true,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	tok.ExpiresIn = tokenExpiry(resp, tok.IssuedAt)
	return tok
}

// tokenExpiry resolves the token lifetime: expires_in when present, then the
// access token's JWT exp claim (Dotypos access tokens are JWTs), then the
// default.
func tokenExpiry(resp *TokenResponse, issuedAt time.Time) time.Duration {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second
	}
	if parsed, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			if d := exp.Time.Sub(issuedAt); d > 0 {
				return d
			}
		}
	}
	return DefaultTokenExpiry
}
