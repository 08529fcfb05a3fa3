package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// tokenProvider fakes the OAuth token endpoint and records the grants it saw.
type tokenProvider struct {
	mu       sync.Mutex
	grants   []string
	calls    atomic.Int64
	response TokenResponse
}

func newTokenProvider() *tokenProvider {
	return &tokenProvider{
		response: TokenResponse{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
		},
	}
}

func (p *tokenProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		_ = r.ParseForm()
		p.mu.Lock()
		p.grants = append(p.grants, r.PostFormValue("grant_type"))
		resp := p.response
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (p *tokenProvider) lastGrant() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.grants) == 0 {
		return ""
	}
	return p.grants[len(p.grants)-1]
}

func tokenTestSetup(t *testing.T) (*tokenProvider, *MemStore, *TokenManager, *Configuration) {
	t.Helper()
	provider := newTokenProvider()
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	store := NewMemStore()
	cfg := &Configuration{
		CloudID:      "cloud-1",
		CompanyID:    "company-1",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		APIBaseURL:   srv.URL,
		Active:       true,
	}
	require.NoError(t, store.Save(context.Background(), cfg))

	manager := NewTokenManager(store, srv.Client(), nil)
	return provider, store, manager, cfg
}

func TestTokenManager_InitialGrantIsClientCredentials(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)

	tok, err := manager.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "access-1", tok.AccessToken)
	require.Equal(t, "client_credentials", provider.lastGrant())
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
}

func TestTokenManager_ValidTokenSkipsProvider(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)

	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:    cfg.ID,
		AccessToken: "seeded",
		IssuedAt:    time.Now(),
		ExpiresIn:   time.Hour,
	}))

	tok, err := manager.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "seeded", tok.AccessToken)
	require.Equal(t, int64(0), provider.calls.Load())
}

func TestTokenManager_ExpiryBufferTriggersRefresh(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)

	// Two minutes of life left is inside the five minute buffer.
	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:     cfg.ID,
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		IssuedAt:     time.Now().Add(-58 * time.Minute),
		ExpiresIn:    time.Hour,
	}))

	tok, err := manager.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "access-1", tok.AccessToken)
	require.Equal(t, "refresh_token", provider.lastGrant())
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
	require.Equal(t, 1, tok.RefreshCount)
}

func TestTokenManager_ConcurrentAcquireRefreshesOnce(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)

	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:     cfg.ID,
		AccessToken:  "expired",
		RefreshToken: "refresh-old",
		IssuedAt:     time.Now().Add(-2 * time.Hour),
		ExpiresIn:    time.Hour,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Acquire(context.Background(), cfg)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), provider.calls.Load(), "concurrent acquires must share one refresh")
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
}

func TestTokenManager_RefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)
	provider.mu.Lock()
	provider.response.RefreshToken = ""
	provider.mu.Unlock()

	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:     cfg.ID,
		AccessToken:  "expired",
		RefreshToken: "refresh-keep",
		IssuedAt:     time.Now().Add(-2 * time.Hour),
		ExpiresIn:    time.Hour,
	}))

	tok, err := manager.Refresh(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "refresh-keep", tok.RefreshToken)
}

func TestTokenManager_NoCredentialsIsAuthError(t *testing.T) {
	_, _, manager, cfg := tokenTestSetup(t)
	cfg.ClientID = ""
	cfg.ClientSecret = ""

	_, err := manager.Acquire(context.Background(), cfg)
	require.Error(t, err)
	require.True(t, IsAuthError(err))
}

func TestTokenManager_ProviderRejectionIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemStore()
	cfg := &Configuration{ClientID: "c", ClientSecret: "s", APIBaseURL: srv.URL}
	require.NoError(t, store.Save(context.Background(), cfg))

	manager := NewTokenManager(store, srv.Client(), nil)
	_, err := manager.Acquire(context.Background(), cfg)
	require.True(t, IsAuthError(err))
}

// failingTokenStore returns a store error from Active while armed.
type failingTokenStore struct {
	TokenStore
	fail bool
}

func (s *failingTokenStore) Active(ctx context.Context, configID int64) (*OAuthToken, error) {
	if s.fail {
		return nil, errors.New("connection reset")
	}
	return s.TokenStore.Active(ctx, configID)
}

func TestTokenManager_RefreshSurfacesStoreError(t *testing.T) {
	provider := newTokenProvider()
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	store := &failingTokenStore{TokenStore: NewMemStore(), fail: true}
	cfg := &Configuration{ID: 1, ClientID: "client-id", ClientSecret: "client-secret", APIBaseURL: srv.URL}
	manager := NewTokenManager(store, srv.Client(), nil)

	_, err := manager.Refresh(context.Background(), cfg)
	require.ErrorContains(t, err, "failed to load active token")
	require.Equal(t, int64(0), provider.calls.Load(), "a flaky store must not fall back to a fresh grant")
}

func TestTokenManager_ExchangeCode(t *testing.T) {
	provider, store, manager, cfg := tokenTestSetup(t)

	tok, err := manager.ExchangeCode(context.Background(), cfg, "auth-code", "https://connector/oauth/callback")
	require.NoError(t, err)
	require.Equal(t, "access-1", tok.AccessToken)
	require.Equal(t, "authorization_code", provider.lastGrant())
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
}

func TestTokenManager_RevokeDeactivates(t *testing.T) {
	_, store, manager, cfg := tokenTestSetup(t)

	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:    cfg.ID,
		AccessToken: "to-revoke",
		IssuedAt:    time.Now(),
		ExpiresIn:   time.Hour,
	}))

	require.NoError(t, manager.Revoke(context.Background(), cfg))
	require.Equal(t, 0, store.ActiveTokenCount(cfg.ID))
}

func TestTokenManager_CleanupExpiredPurgesInactive(t *testing.T) {
	_, store, manager, cfg := tokenTestSetup(t)

	old := &OAuthToken{
		ConfigID:    cfg.ID,
		AccessToken: "old",
		IssuedAt:    time.Now().Add(-60 * 24 * time.Hour),
		ExpiresIn:   time.Hour,
	}
	require.NoError(t, store.Insert(context.Background(), old))
	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:    cfg.ID,
		AccessToken: "current",
		IssuedAt:    time.Now(),
		ExpiresIn:   time.Hour,
	}))

	count, err := manager.CleanupExpired(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
}

func TestTokenExpiry_JWTExpClaimFallback(t *testing.T) {
	issuedAt := time.Now()
	claims := jwt.MapClaims{"exp": issuedAt.Add(45 * time.Minute).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	d := tokenExpiry(&TokenResponse{AccessToken: signed}, issuedAt)
	require.InDelta(t, (45 * time.Minute).Seconds(), d.Seconds(), 2)
}

func TestTokenExpiry_DefaultWhenUnparseable(t *testing.T) {
	d := tokenExpiry(&TokenResponse{AccessToken: "opaque-token"}, time.Now())
	require.Equal(t, DefaultTokenExpiry, d)
}

func TestOAuthToken_Valid(t *testing.T) {
	now := time.Now()

	tok := &OAuthToken{Active: true, IssuedAt: now, ExpiresIn: time.Hour}
	require.True(t, tok.Valid(now))
	require.False(t, tok.Valid(now.Add(56*time.Minute)), "inside the expiry buffer")

	tok.Active = false
	require.False(t, tok.Valid(now))
}
