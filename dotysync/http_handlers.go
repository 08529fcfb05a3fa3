// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Daricyos/dotykachka/internal/trigger"
)

// webhookDeadline bounds how long a webhook request may wait on rate
// admission; the provider retries on 429.
const webhookDeadline = 25 * time.Second

// HTTPHandlers provides the HTTP surface of the connector: the webhook
// receiver, the OAuth callback and operator endpoints.
type HTTPHandlers struct {
	configs    ConfigStore
	dispatcher *Dispatcher
	tokens     *TokenManager
	api        *Client
	logger     *slog.Logger
}

// NewHTTPHandlers creates a new instance of connector handlers
func NewHTTPHandlers(configs ConfigStore, dispatcher *Dispatcher, tokens *TokenManager, api *Client, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		configs:    configs,
		dispatcher: dispatcher,
		tokens:     tokens,
		api:        api,
		logger:     logger,
	}
}

// HandleWebhook receives one webhook delivery for a cloud. The raw body is
// kept for signature verification; the handler never blocks past
// webhookDeadline on rate admission.
func (h *HTTPHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	cloudID := r.PathValue("cloudID")
	if cloudID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing cloud id")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookDeadline)
	defer cancel()

	response, err := h.dispatcher.HandleWebhook(ctx, cloudID, body, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case IsAuthError(err):
			h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed")
		case errors.Is(err, ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded, retry later")
		case errors.Is(err, ErrNotFound):
			h.writeError(w, http.StatusNotFound, "unknown_cloud", "No configuration for cloud")
		default:
			h.logger.Error("Webhook processing failed", "cloud_id", cloudID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "webhook_failed", "Failed to process webhook")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode webhook response", "error", err, "cloud_id", cloudID)
	}
}

// HandleOAuthCallback completes the interactive OAuth flow. The provider
// redirects here with ?code= and ?state= carrying the configuration id.
func (h *HTTPHandlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing code or state")
		return
	}
	configID, err := strconv.ParseInt(state, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "state must be a configuration id")
		return
	}

	cfg, err := h.configs.ByID(r.Context(), configID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown_configuration", "No such configuration")
		return
	}

	redirectURI := "https://" + r.Host + r.URL.Path
	if _, err := h.tokens.ExchangeCode(r.Context(), cfg, code, redirectURI); err != nil {
		h.logger.Error("OAuth code exchange failed", "config_id", configID, "error", err)
		h.writeError(w, http.StatusBadGateway, "exchange_failed", "Failed to exchange authorization code")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "authorized"})
}

// HandleTriggerSync runs a full pull for one configuration on operator
// request.
func (h *HTTPHandlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configFromPath(w, r)
	if !ok {
		return
	}

	ctx := trigger.WithSource(r.Context(), trigger.SourceManual)
	summary, err := h.dispatcher.SyncAll(ctx, cfg)
	if err != nil {
		h.logger.Error("Manual sync failed", "cloud_id", cfg.CloudID, "error", err)
		// Partial stats are still worth returning alongside the failure.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "sync_failed",
			"message": err.Error(),
			"summary": summary,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(summary); err != nil {
		h.logger.Error("Failed to encode sync summary", "error", err, "cloud_id", cfg.CloudID)
	}
}

// HandleTestConnection verifies credentials for one configuration.
func (h *HTTPHandlers) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configFromPath(w, r)
	if !ok {
		return
	}

	cloud, err := h.api.GetCloud(r.Context(), cfg)
	if err != nil {
		status := http.StatusBadGateway
		if IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		h.writeError(w, status, "connection_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "cloud": cloud})
}

// HandleRegisterWebhook registers the webhook subscription upstream for one
// configuration. The receiver URL comes in the JSON body.
func (h *HTTPHandlers) HandleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.configFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing webhook url")
		return
	}

	if err := h.dispatcher.EnsureWebhook(r.Context(), cfg, body.URL); err != nil {
		h.logger.Error("Webhook registration failed", "cloud_id", cfg.CloudID, "error", err)
		h.writeError(w, http.StatusBadGateway, "registration_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "registered", "webhook_id": cfg.WebhookID})
}

// HandleHealth reports liveness.
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (h *HTTPHandlers) configFromPath(w http.ResponseWriter, r *http.Request) (*Configuration, bool) {
	configID, err := strconv.ParseInt(r.PathValue("configID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "configID must be an integer")
		return nil, false
	}
	cfg, err := h.configs.ByID(r.Context(), configID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown_configuration", "No such configuration")
		return nil, false
	}
	return cfg, true
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
