package dotysync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(t *testing.T, event, entityType, entityID string, data any) []byte {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		require.NoError(t, err)
	}
	body, err := json.Marshal(WebhookEvent{Event: event, EntityType: entityType, EntityID: entityID, Data: raw})
	require.NoError(t, err)
	return body
}

func TestHandleWebhook_ValidSignature(t *testing.T) {
	env := newTestEnv(t)
	seedProduct7(env)

	body := webhookBody(t, EventCreated, EntityOrder, "42", cashOrder42())
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, ActionCreate, resp.Action)

	m, err := env.store.Get(context.Background(), env.cfg.ID, EntityOrder, "42")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, m.Status)
}

func TestHandleWebhook_InvalidSignatureIsAuthError(t *testing.T) {
	env := newTestEnv(t)

	body := webhookBody(t, EventCreated, EntityOrder, "42", cashOrder42())
	_, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("wrong-secret", body))
	require.True(t, IsAuthError(err))

	// Nothing was reconciled.
	_, err = env.store.Get(context.Background(), env.cfg.ID, EntityOrder, "42")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhook_MissingSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody(t, EventCreated, EntityOrder, "42", nil)
	_, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, "")
	require.True(t, IsAuthError(err))
}

func TestHandleWebhook_NoSecretSkipsVerification(t *testing.T) {
	env := newTestEnv(t)
	seedProduct7(env)
	env.cfg.WebhookSecret = ""
	require.NoError(t, env.store.Save(context.Background(), env.cfg))

	body := webhookBody(t, EventCreated, EntityOrder, "42", cashOrder42())
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, "")
	require.NoError(t, err)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, ActionCreate, resp.Action)
}

func TestHandleWebhook_UnknownCloud(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody(t, EventCreated, EntityOrder, "42", nil)
	_, err := env.dispatcher.HandleWebhook(context.Background(), "no-such-cloud", body, sign("hush", body))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleWebhook_DuplicateDeliveryShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	seedProduct7(env)

	body := webhookBody(t, EventCreated, EntityOrder, "42", cashOrder42())
	sig := sign("hush", body)

	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sig)
	require.NoError(t, err)
	require.Equal(t, ActionCreate, resp.Action)

	resp, err = env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sig)
	require.NoError(t, err)
	require.Equal(t, ActionSkip, resp.Action, "replayed delivery with unchanged payload is a no-op")
}

func TestHandleWebhook_DeletedEventRunsCascade(t *testing.T) {
	env := newTestEnv(t)
	seedProduct7(env)
	ctx := context.Background()

	_, err := env.reconciler.SyncOrder(ctx, env.cfg, cashOrder42())
	require.NoError(t, err)

	body := webhookBody(t, EventDeleted, EntityOrder, "42", nil)
	resp, err := env.dispatcher.HandleWebhook(ctx, "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, ActionDelete, resp.Action)

	m, err := env.store.Get(ctx, env.cfg.ID, EntityOrder, "42")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, m.Status)
}

func TestHandleWebhook_EntityTypeSwitchedOff(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SyncOrders = false
	require.NoError(t, env.store.Save(context.Background(), env.cfg))

	body := webhookBody(t, EventCreated, EntityOrder, "42", cashOrder42())
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, ActionSkip, resp.Action)
}

func TestHandleWebhook_UnknownEntityTypeIsWarning(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody(t, EventCreated, "table", "t-1", nil)
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, "warning", resp.Status)
	require.Equal(t, ActionSkip, resp.Action)
}

func TestHandleWebhook_CustomerEventWithInlineData(t *testing.T) {
	env := newTestEnv(t)

	customer := &Customer{ID: "c-5", FirstName: "Eva", LastName: "Mala"}
	body := webhookBody(t, EventCreated, EntityCustomer, "c-5", customer)
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, ActionCreate, resp.Action)

	m, err := env.store.Get(context.Background(), env.cfg.ID, EntityCustomer, "c-5")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, m.Status)

	entries, err := env.store.Recent(context.Background(), env.cfg.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "webhook", entries[0].TriggeredBy)
}

func TestPullCustomers_ItemFailureDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.mu.Lock()
	env.cloud.customers["c-1"] = &Customer{ID: "c-1", FirstName: "Ok"}
	env.cloud.customers["c-2"] = &Customer{ID: "c-2", FirstName: "Also ok"}
	env.cloud.mu.Unlock()

	stats, err := env.dispatcher.PullCustomers(context.Background(), env.cfg)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Created)
	require.Equal(t, 0, stats.Errors)
}

func TestSyncAll_HonorsEntitySwitches(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SyncCustomers = true
	env.cfg.SyncProducts = false
	env.cfg.SyncOrders = false
	require.NoError(t, env.store.Save(context.Background(), env.cfg))

	env.cloud.mu.Lock()
	env.cloud.customers["c-1"] = &Customer{ID: "c-1", FirstName: "Solo"}
	env.cloud.mu.Unlock()

	summary, err := env.dispatcher.SyncAll(context.Background(), env.cfg)
	require.NoError(t, err)
	require.NotNil(t, summary.Customers)
	require.Nil(t, summary.Products)
	require.Nil(t, summary.Orders)
	require.Equal(t, 1, summary.Customers.Created)
}

func TestSyncAll_PullStatsCountActions(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.OrderFilter = FilterAll
	require.NoError(t, env.store.Save(context.Background(), env.cfg))

	seedProduct7(env)
	env.cloud.mu.Lock()
	env.cloud.customers["c-1"] = &Customer{ID: "c-1", FirstName: "Jana"}
	env.cloud.orders["42"] = cashOrder42()
	env.cloud.mu.Unlock()

	summary, err := env.dispatcher.SyncAll(context.Background(), env.cfg)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Products.Created)
	require.Equal(t, 1, summary.Customers.Created)
	require.Equal(t, 1, summary.Orders.Created)

	// Second run is all skips.
	summary, err = env.dispatcher.SyncAll(context.Background(), env.cfg)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Products.Skipped)
	require.Equal(t, 1, summary.Customers.Skipped)
	require.Equal(t, 1, summary.Orders.Skipped)
}

func TestHandleWebhook_InactiveConfigIsWarning(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Active = false
	require.NoError(t, env.store.Save(context.Background(), env.cfg))

	body := webhookBody(t, EventCreated, EntityOrder, "42", nil)
	resp, err := env.dispatcher.HandleWebhook(context.Background(), "cloud-1", body, sign("hush", body))
	require.NoError(t, err)
	require.Equal(t, "warning", resp.Status)
}

func TestEnsureWebhook_RegistersAndPersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.dispatcher.EnsureWebhook(ctx, env.cfg, "https://connector.example.com/webhooks/cloud-1"))
	require.NotEmpty(t, env.cfg.WebhookID)
	require.True(t, env.cfg.WebhookActive)

	env.cloud.mu.Lock()
	reg := env.cloud.webhooks[env.cfg.WebhookID]
	env.cloud.mu.Unlock()
	require.NotNil(t, reg)
	require.Equal(t, "https://connector.example.com/webhooks/cloud-1", reg.URL)
	require.Contains(t, reg.Events, "order.created")
	require.Contains(t, reg.Events, "customer.deleted")

	// Persisted on the stored configuration too.
	saved, err := env.store.ByCloudID(ctx, "cloud-1")
	require.NoError(t, err)
	require.Equal(t, env.cfg.WebhookID, saved.WebhookID)

	// A second call is a no-op while the subscription is live.
	require.NoError(t, env.dispatcher.EnsureWebhook(ctx, env.cfg, "https://other.example.com"))
	env.cloud.mu.Lock()
	count := len(env.cloud.webhooks)
	env.cloud.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestRemoveWebhook_ClearsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.dispatcher.EnsureWebhook(ctx, env.cfg, "https://connector.example.com/webhooks/cloud-1"))
	require.NoError(t, env.dispatcher.RemoveWebhook(ctx, env.cfg))
	require.Empty(t, env.cfg.WebhookID)

	env.cloud.mu.Lock()
	count := len(env.cloud.webhooks)
	env.cloud.mu.Unlock()
	require.Equal(t, 0, count)

	// Removing again is a no-op.
	require.NoError(t, env.dispatcher.RemoveWebhook(ctx, env.cfg))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"created"}`)
	require.True(t, VerifySignature("secret", body, sign("secret", body)))
	require.False(t, VerifySignature("secret", body, sign("other", body)))
	require.False(t, VerifySignature("secret", body, ""))
	require.False(t, VerifySignature("", body, sign("", body)))
}
