package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedValidToken(t *testing.T, store *MemStore, cfg *Configuration) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &OAuthToken{
		ConfigID:    cfg.ID,
		AccessToken: "valid-token",
		TokenType:   "Bearer",
		IssuedAt:    time.Now(),
		ExpiresIn:   time.Hour,
	}))
}

func clientTestSetup(t *testing.T, handler http.Handler) (*Client, *MemStore, *Configuration) {
	t.Helper()
	srv := httptest.NewServer(handler)
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
	seedValidToken(t, store, cfg)

	tokens := NewTokenManager(store, srv.Client(), nil)
	limiter := NewRateLimiter(nil)
	client := NewClient(srv.Client(), tokens, limiter, nil)
	client.backoffBase = time.Millisecond
	return client, store, cfg
}

func TestClient_GetCloud(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Cloud{ID: r.PathValue("cloudID"), Name: "Test Cloud"})
	})
	client, _, cfg := clientTestSetup(t, mux)

	cloud, err := client.GetCloud(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "cloud-1", cloud.ID)
	require.Equal(t, "Test Cloud", cloud.Name)
}

func TestClient_RefreshesOnceOn401(t *testing.T) {
	var apiCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "fresh-token", ExpiresIn: 3600})
	})
	mux.HandleFunc("GET /v2/clouds/{cloudID}", func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer fresh-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Cloud{ID: "cloud-1"})
	})
	client, store, cfg := clientTestSetup(t, mux)

	cloud, err := client.GetCloud(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "cloud-1", cloud.ID)
	require.Equal(t, int64(2), apiCalls.Load())
	require.Equal(t, 1, store.ActiveTokenCount(cfg.ID))
}

func TestClient_Second401IsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "still-bad", ExpiresIn: 3600})
	})
	mux.HandleFunc("GET /v2/clouds/{cloudID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, _, cfg := clientTestSetup(t, mux)

	_, err := client.GetCloud(context.Background(), cfg)
	require.True(t, IsAuthError(err), "second 401 must not loop, got %v", err)
}

func TestClient_HTTPErrorIsAPIErrorWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	client, _, cfg := clientTestSetup(t, mux)

	_, err := client.GetCloud(context.Background(), cfg)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Equal(t, int64(1), calls.Load(), "server errors are not retried")
}

func TestClient_404IsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client, _, cfg := clientTestSetup(t, mux)

	_, err := client.GetOrder(context.Background(), cfg, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_TransportErrorRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int64
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		rec := httptest.NewRecorder()
		json.NewEncoder(rec).Encode(Cloud{ID: "cloud-1"})
		return rec.Result(), nil
	})

	store := NewMemStore()
	cfg := &Configuration{CloudID: "cloud-1", APIBaseURL: "http://pos.invalid", Active: true}
	require.NoError(t, store.Save(context.Background(), cfg))
	seedValidToken(t, store, cfg)

	tokens := NewTokenManager(store, &http.Client{Transport: rt}, nil)
	client := NewClient(&http.Client{Transport: rt}, tokens, NewRateLimiter(nil), nil)
	client.backoffBase = time.Millisecond

	cloud, err := client.GetCloud(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "cloud-1", cloud.ID)
	require.Equal(t, int64(3), attempts.Load())
}

func TestClient_TransportErrorExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int64
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})

	store := NewMemStore()
	cfg := &Configuration{CloudID: "cloud-1", APIBaseURL: "http://pos.invalid", Active: true}
	require.NoError(t, store.Save(context.Background(), cfg))
	seedValidToken(t, store, cfg)

	tokens := NewTokenManager(store, &http.Client{Transport: rt}, nil)
	client := NewClient(&http.Client{Transport: rt}, tokens, NewRateLimiter(nil), nil)
	client.backoffBase = time.Millisecond

	_, err := client.GetCloud(context.Background(), cfg)
	require.True(t, IsTransient(err))
	require.Equal(t, int64(defaultMaxAttempts), attempts.Load())
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestPageIter_StopsOnShortPage(t *testing.T) {
	const total = 250
	var pages atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}/customers", func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		limit := DefaultPageSize
		start := (page - 1) * limit
		var items []json.RawMessage
		for i := start; i < start+limit && i < total; i++ {
			items = append(items, json.RawMessage(fmt.Sprintf(`{"id":"%d"}`, i)))
		}
		json.NewEncoder(w).Encode(listEnvelope{Data: items})
	})
	client, _, cfg := clientTestSetup(t, mux)

	items, err := client.ListCustomers(cfg).All(context.Background())
	require.NoError(t, err)
	require.Len(t, items, total)
	require.Equal(t, int64(3), pages.Load(), "250 items at page size 100 is exactly three requests")
}

func TestPageIter_ExactPageBoundaryFetchesTrailingEmptyPage(t *testing.T) {
	const total = 200
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}/customers", func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		start := (page - 1) * DefaultPageSize
		var items []json.RawMessage
		for i := start; i < start+DefaultPageSize && i < total; i++ {
			items = append(items, json.RawMessage(fmt.Sprintf(`{"id":"%d"}`, i)))
		}
		json.NewEncoder(w).Encode(listEnvelope{Data: items})
	})
	client, _, cfg := clientTestSetup(t, mux)

	items, err := client.ListCustomers(cfg).All(context.Background())
	require.NoError(t, err)
	require.Len(t, items, total)
}

func TestClient_ListOrdersSendsDateWindow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/clouds/{cloudID}/orders", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("dateFrom"))
		require.NotEmpty(t, r.URL.Query().Get("dateTo"))
		json.NewEncoder(w).Encode(listEnvelope{})
	})
	client, _, cfg := clientTestSetup(t, mux)

	from := time.Now().AddDate(0, 0, -7)
	items, err := client.ListOrders(cfg, from, time.Now()).All(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestClient_WebhookRegistration(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/clouds/{cloudID}/webhooks", func(w http.ResponseWriter, r *http.Request) {
		var reg WebhookRegistration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
		require.Equal(t, "https://connector/webhooks/cloud-1", reg.URL)
		require.True(t, reg.Active)
		json.NewEncoder(w).Encode(map[string]string{"id": "wh-1"})
	})
	mux.HandleFunc("DELETE /v2/clouds/{cloudID}/webhooks/{webhookID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client, _, cfg := clientTestSetup(t, mux)

	id, err := client.RegisterWebhook(context.Background(), cfg, &WebhookRegistration{
		URL:    "https://connector/webhooks/cloud-1",
		Events: []string{"order.created"},
		Active: true,
	})
	require.NoError(t, err)
	require.Equal(t, "wh-1", id)

	require.NoError(t, client.UnregisterWebhook(context.Background(), cfg, id))
}
