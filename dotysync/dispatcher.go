// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Daricyos/dotykachka/internal/trigger"
)

// SignatureHeader carries the webhook HMAC on incoming requests.
const SignatureHeader = "X-Dotykacka-Signature"

// Dispatcher normalizes the two event sources, webhook pushes and cron
// pulls, into reconciliation calls. Both paths converge on the same entry
// points, so a webhook and a cron pull racing on one entity settle through
// the mapping's snapshot gate.
type Dispatcher struct {
	configs    ConfigStore
	api        *Client
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher wires a dispatcher over the client and reconciler.
func NewDispatcher(configs ConfigStore, api *Client, reconciler *Reconciler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		configs:    configs,
		api:        api,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// VerifySignature checks the HMAC-SHA256 hex signature of a raw webhook
// body against the shared secret using a constant-time compare.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook validates and routes one webhook delivery for a cloud. The
// body is the raw request payload; signature comes from SignatureHeader.
// The signature is checked only when the configuration carries a shared
// secret; a mismatch is an AuthError and nothing is reconciled.
func (d *Dispatcher) HandleWebhook(ctx context.Context, cloudID string, body []byte, signature string) (*WebhookResponse, error) {
	cfg, err := d.configs.ByCloudID(ctx, cloudID)
	if err != nil {
		return nil, fmt.Errorf("no configuration for cloud %s: %w", cloudID, err)
	}
	if !cfg.Active {
		return &WebhookResponse{Status: "warning", Message: "configuration inactive"}, nil
	}
	if cfg.WebhookSecret != "" && !VerifySignature(cfg.WebhookSecret, body, signature) {
		return nil, &AuthError{Reason: "webhook signature mismatch"}
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if event.EntityType == "" || event.EntityID == "" {
		return nil, fmt.Errorf("webhook payload missing entityType or entityId")
	}
	switch event.EntityType {
	case EntityCustomer, EntityProduct, EntityOrder:
	default:
		d.logger.Warn("Unknown webhook entity type",
			"cloud_id", cloudID, "entity_type", event.EntityType)
		return &WebhookResponse{
			Status:  "warning",
			Message: "unknown entity type " + event.EntityType,
			Action:  ActionSkip,
		}, nil
	}

	ctx = trigger.WithSource(ctx, trigger.SourceWebhook)
	ctx = trigger.WithCloudID(ctx, cloudID)

	action, err := d.routeEvent(ctx, cfg, &event)
	if err != nil {
		d.logger.Error("Webhook reconciliation failed",
			"cloud_id", cloudID, "entity_type", event.EntityType,
			"entity_id", event.EntityID, "error", err)
		return nil, err
	}

	d.logger.Info("Webhook processed",
		"cloud_id", cloudID, "entity_type", event.EntityType,
		"entity_id", event.EntityID, "action", action)
	return &WebhookResponse{Status: "success", Action: action}, nil
}

func (d *Dispatcher) routeEvent(ctx context.Context, cfg *Configuration, event *WebhookEvent) (string, error) {
	deleted := event.Event == EventDeleted

	switch event.EntityType {
	case EntityCustomer:
		if !cfg.SyncCustomers {
			return ActionSkip, nil
		}
		if deleted {
			return d.reconciler.HandleCustomerDeleted(ctx, cfg, event.EntityID)
		}
		if len(event.Data) > 0 {
			var customer Customer
			if err := json.Unmarshal(event.Data, &customer); err == nil && customer.ID != "" {
				return d.reconciler.SyncCustomer(ctx, cfg, &customer)
			}
		}
		return d.reconciler.SyncCustomerByID(ctx, cfg, event.EntityID)

	case EntityProduct:
		if !cfg.SyncProducts {
			return ActionSkip, nil
		}
		if deleted {
			return d.reconciler.HandleProductDeleted(ctx, cfg, event.EntityID)
		}
		if len(event.Data) > 0 {
			var product Product
			if err := json.Unmarshal(event.Data, &product); err == nil && product.ID != "" {
				return d.reconciler.SyncProduct(ctx, cfg, &product)
			}
		}
		return d.reconciler.SyncProductByID(ctx, cfg, event.EntityID)

	case EntityOrder:
		if !cfg.SyncOrders {
			return ActionSkip, nil
		}
		if deleted {
			return d.reconciler.HandleOrderDeleted(ctx, cfg, event.EntityID)
		}
		if len(event.Data) > 0 {
			var order Order
			if err := json.Unmarshal(event.Data, &order); err == nil && order.ID != "" {
				return d.reconciler.SyncOrder(ctx, cfg, &order)
			}
		}
		return d.reconciler.SyncOrderByID(ctx, cfg, event.EntityID)

	default:
		return ActionSkip, nil
	}
}

// PullCustomers pages through all customers and reconciles each. Item
// failures are counted, not propagated; one bad record never aborts a pull.
func (d *Dispatcher) PullCustomers(ctx context.Context, cfg *Configuration) (*SyncStats, error) {
	ctx = withPullSource(ctx)
	stats := &SyncStats{}
	iter := d.api.ListCustomers(cfg)
	for {
		item, ok, err := iter.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}
		var customer Customer
		if err := json.Unmarshal(item, &customer); err != nil || customer.ID == "" {
			stats.Errors++
			continue
		}
		action, err := d.reconciler.SyncCustomer(ctx, cfg, &customer)
		if err != nil {
			stats.Errors++
			continue
		}
		stats.CountAction(action)
	}
}

// PullProducts pages through all products and reconciles each.
func (d *Dispatcher) PullProducts(ctx context.Context, cfg *Configuration) (*SyncStats, error) {
	ctx = withPullSource(ctx)
	stats := &SyncStats{}
	iter := d.api.ListProducts(cfg)
	for {
		item, ok, err := iter.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}
		var product Product
		if err := json.Unmarshal(item, &product); err != nil || product.ID == "" {
			stats.Errors++
			continue
		}
		action, err := d.reconciler.SyncProduct(ctx, cfg, &product)
		if err != nil {
			stats.Errors++
			continue
		}
		stats.CountAction(action)
	}
}

// PullOrders pages through orders created inside the lookback window and
// reconciles each.
func (d *Dispatcher) PullOrders(ctx context.Context, cfg *Configuration) (*SyncStats, error) {
	ctx = withPullSource(ctx)
	stats := &SyncStats{}
	now := d.now()
	from := now.AddDate(0, 0, -cfg.Lookback())
	iter := d.api.ListOrders(cfg, from, now)
	for {
		item, ok, err := iter.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}
		var order Order
		if err := json.Unmarshal(item, &order); err != nil || order.ID == "" {
			stats.Errors++
			continue
		}
		action, err := d.reconciler.SyncOrder(ctx, cfg, &order)
		if err != nil {
			stats.Errors++
			continue
		}
		stats.CountAction(action)
	}
}

// SyncAll runs a full pull across entity types in dependency order:
// products and customers first, so orders find their references locally.
// A failed pull of one type still lets the others run; the first error is
// returned alongside the summary.
func (d *Dispatcher) SyncAll(ctx context.Context, cfg *Configuration) (*SyncSummary, error) {
	summary := &SyncSummary{}
	var firstErr error

	if cfg.SyncProducts {
		stats, err := d.PullProducts(ctx, cfg)
		summary.Products = stats
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("product pull: %w", err)
		}
	}
	if cfg.SyncCustomers {
		stats, err := d.PullCustomers(ctx, cfg)
		summary.Customers = stats
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("customer pull: %w", err)
		}
	}
	if cfg.SyncOrders {
		stats, err := d.PullOrders(ctx, cfg)
		summary.Orders = stats
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("order pull: %w", err)
		}
	}
	return summary, firstErr
}

// EnsureWebhook registers the webhook subscription upstream when the
// configuration does not carry one yet, and persists the returned id.
func (d *Dispatcher) EnsureWebhook(ctx context.Context, cfg *Configuration, receiverURL string) error {
	if cfg.WebhookID != "" && cfg.WebhookActive {
		return nil
	}
	id, err := d.api.RegisterWebhook(ctx, cfg, &WebhookRegistration{
		URL:    receiverURL,
		Events: webhookEvents(cfg),
		Active: true,
	})
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	cfg.WebhookID = id
	cfg.WebhookActive = true
	if err := d.configs.Save(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist webhook id: %w", err)
	}
	d.logger.Info("Webhook registered", "cloud_id", cfg.CloudID, "webhook_id", id)
	return nil
}

// RemoveWebhook deletes the upstream subscription and clears it from the
// configuration.
func (d *Dispatcher) RemoveWebhook(ctx context.Context, cfg *Configuration) error {
	if cfg.WebhookID == "" {
		return nil
	}
	if err := d.api.UnregisterWebhook(ctx, cfg, cfg.WebhookID); err != nil {
		return fmt.Errorf("failed to unregister webhook: %w", err)
	}
	cfg.WebhookID = ""
	cfg.WebhookActive = false
	if err := d.configs.Save(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist webhook removal: %w", err)
	}
	d.logger.Info("Webhook removed", "cloud_id", cfg.CloudID)
	return nil
}

func webhookEvents(cfg *Configuration) []string {
	var events []string
	add := func(kind string) {
		for _, ev := range []string{EventCreated, EventUpdated, EventDeleted} {
			events = append(events, kind+"."+ev)
		}
	}
	if cfg.SyncCustomers {
		add(EntityCustomer)
	}
	if cfg.SyncProducts {
		add(EntityProduct)
	}
	if cfg.SyncOrders {
		add(EntityOrder)
	}
	return events
}

func withPullSource(ctx context.Context) context.Context {
	if trigger.Source(ctx) == "" {
		return trigger.WithSource(ctx, trigger.SourcePull)
	}
	return ctx
}
