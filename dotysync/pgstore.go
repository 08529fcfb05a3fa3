// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres implementation of the connector stores:
// configurations, OAuth tokens, entity mappings, payment method routing and
// the audit log. Record persistence lives in pgrecords.go on the same type.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore creates the store and runs schema initialization.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgStore{pool: pool, logger: logger}
	if err := s.InitializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// ---- ConfigStore ----

const configColumns = `id, cloud_id, company_id, client_id, client_secret, api_base_url,
	webhook_secret, webhook_id, webhook_active,
	sync_customers, sync_products, sync_orders,
	order_filter, classify_rules,
	default_salesperson, default_warehouse, default_pricelist, default_partner_id,
	rate_limit_requests, rate_limit_secs, lookback_days, active`

func scanConfig(row pgx.Row) (*Configuration, error) {
	var cfg Configuration
	var rules []byte
	var periodSecs int64
	err := row.Scan(
		&cfg.ID, &cfg.CloudID, &cfg.CompanyID, &cfg.ClientID, &cfg.ClientSecret, &cfg.APIBaseURL,
		&cfg.WebhookSecret, &cfg.WebhookID, &cfg.WebhookActive,
		&cfg.SyncCustomers, &cfg.SyncProducts, &cfg.SyncOrders,
		&cfg.OrderFilter, &rules,
		&cfg.DefaultSalesperson, &cfg.DefaultWarehouse, &cfg.DefaultPricelist, &cfg.DefaultPartnerID,
		&cfg.RateLimitRequests, &periodSecs, &cfg.LookbackDays, &cfg.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan configuration: %w", err)
	}
	cfg.RateLimitPeriod = time.Duration(periodSecs) * time.Second
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &cfg.ClassifyRules); err != nil {
			return nil, fmt.Errorf("failed to decode classify rules: %w", err)
		}
	}
	return &cfg, nil
}

func (s *PgStore) ByID(ctx context.Context, id int64) (*Configuration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM dotysync.configurations WHERE id = $1`, id)
	return scanConfig(row)
}

func (s *PgStore) ByCloudID(ctx context.Context, cloudID string) (*Configuration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM dotysync.configurations WHERE cloud_id = $1`, cloudID)
	return scanConfig(row)
}

func (s *PgStore) Save(ctx context.Context, cfg *Configuration) error {
	rules, err := json.Marshal(cfg.ClassifyRules)
	if err != nil {
		return fmt.Errorf("failed to encode classify rules: %w", err)
	}
	periodSecs := int64(cfg.RateLimitPeriod / time.Second)

	if cfg.ID == 0 {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO dotysync.configurations (
				cloud_id, company_id, client_id, client_secret, api_base_url,
				webhook_secret, webhook_id, webhook_active,
				sync_customers, sync_products, sync_orders,
				order_filter, classify_rules,
				default_salesperson, default_warehouse, default_pricelist, default_partner_id,
				rate_limit_requests, rate_limit_secs, lookback_days, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING id`,
			cfg.CloudID, cfg.CompanyID, cfg.ClientID, cfg.ClientSecret, cfg.APIBaseURL,
			cfg.WebhookSecret, cfg.WebhookID, cfg.WebhookActive,
			cfg.SyncCustomers, cfg.SyncProducts, cfg.SyncOrders,
			cfg.OrderFilter, rules,
			cfg.DefaultSalesperson, cfg.DefaultWarehouse, cfg.DefaultPricelist, cfg.DefaultPartnerID,
			cfg.RateLimitRequests, periodSecs, cfg.LookbackDays, cfg.Active,
		).Scan(&cfg.ID)
		if err != nil {
			return fmt.Errorf("failed to insert configuration: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE dotysync.configurations SET
			cloud_id=$2, company_id=$3, client_id=$4, client_secret=$5, api_base_url=$6,
			webhook_secret=$7, webhook_id=$8, webhook_active=$9,
			sync_customers=$10, sync_products=$11, sync_orders=$12,
			order_filter=$13, classify_rules=$14,
			default_salesperson=$15, default_warehouse=$16, default_pricelist=$17, default_partner_id=$18,
			rate_limit_requests=$19, rate_limit_secs=$20, lookback_days=$21, active=$22
		WHERE id=$1`,
		cfg.ID,
		cfg.CloudID, cfg.CompanyID, cfg.ClientID, cfg.ClientSecret, cfg.APIBaseURL,
		cfg.WebhookSecret, cfg.WebhookID, cfg.WebhookActive,
		cfg.SyncCustomers, cfg.SyncProducts, cfg.SyncOrders,
		cfg.OrderFilter, rules,
		cfg.DefaultSalesperson, cfg.DefaultWarehouse, cfg.DefaultPricelist, cfg.DefaultPartnerID,
		cfg.RateLimitRequests, periodSecs, cfg.LookbackDays, cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to update configuration: %w", err)
	}
	return nil
}

// ---- TokenStore ----

const tokenColumns = `id, config_id, access_token, refresh_token, token_type, scope,
	issued_at, expires_secs, active, refresh_count`

func scanToken(row pgx.Row) (*OAuthToken, error) {
	var tok OAuthToken
	var expiresSecs int64
	err := row.Scan(
		&tok.ID, &tok.ConfigID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope,
		&tok.IssuedAt, &expiresSecs, &tok.Active, &tok.RefreshCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	tok.ExpiresIn = time.Duration(expiresSecs) * time.Second
	return &tok, nil
}

func (s *PgStore) Active(ctx context.Context, configID int64) (*OAuthToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM dotysync.oauth_tokens WHERE config_id = $1 AND active`, configID)
	return scanToken(row)
}

// Insert deactivates prior active tokens and stores tok in one transaction,
// preserving the single-active invariant under the partial unique index.
func (s *PgStore) Insert(ctx context.Context, tok *OAuthToken) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE dotysync.oauth_tokens SET active = FALSE WHERE config_id = $1 AND active`,
			tok.ConfigID); err != nil {
			return fmt.Errorf("failed to deactivate prior tokens: %w", err)
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO dotysync.oauth_tokens (
				config_id, access_token, refresh_token, token_type, scope,
				issued_at, expires_secs, active, refresh_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8)
			RETURNING id`,
			tok.ConfigID, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Scope,
			tok.IssuedAt, int64(tok.ExpiresIn/time.Second), tok.RefreshCount,
		).Scan(&tok.ID)
		if err != nil {
			return fmt.Errorf("failed to insert token: %w", err)
		}
		tok.Active = true
		return nil
	})
}

func (s *PgStore) Deactivate(ctx context.Context, tokenID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dotysync.oauth_tokens SET active = FALSE WHERE id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}

func (s *PgStore) PurgeInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dotysync.oauth_tokens WHERE NOT active AND issued_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- MappingStore ----

const mappingColumns = `id, config_id, kind, external_id, record_id, order_id, invoice_id,
	payment_ids, snapshot, status, sync_error, needs_update, deleted_upstream,
	last_synced_at, created_at, updated_at`

func scanMapping(row pgx.Row) (*EntityMapping, error) {
	var m EntityMapping
	var snapshot string
	err := row.Scan(
		&m.ID, &m.ConfigID, &m.Kind, &m.ExternalID, &m.RecordID, &m.OrderID, &m.InvoiceID,
		&m.PaymentIDs, &snapshot, &m.Status, &m.SyncError, &m.NeedsUpdate, &m.DeletedUpstream,
		&m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	if snapshot != "" {
		m.Snapshot = []byte(snapshot)
	}
	return &m, nil
}

func (s *PgStore) Get(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM dotysync.entity_mappings
		WHERE config_id = $1 AND kind = $2 AND external_id = $3`,
		configID, kind, externalID)
	return scanMapping(row)
}

// FindOrCreate relies on ON CONFLICT DO NOTHING plus a re-read, so two
// workers racing on the same entity settle on one row.
func (s *PgStore) FindOrCreate(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dotysync.entity_mappings (config_id, kind, external_id, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (config_id, kind, external_id) DO NOTHING`,
		configID, kind, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to create mapping: %w", err)
	}
	return s.Get(ctx, configID, kind, externalID)
}

func (s *PgStore) Update(ctx context.Context, m *EntityMapping) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.entity_mappings SET
			record_id=$2, order_id=$3, invoice_id=$4, payment_ids=$5, snapshot=$6,
			status=$7, sync_error=$8, needs_update=$9, deleted_upstream=$10,
			last_synced_at=$11, updated_at=now()
		WHERE id=$1`,
		m.ID,
		m.RecordID, m.OrderID, m.InvoiceID, m.PaymentIDs, string(m.Snapshot),
		m.Status, m.SyncError, m.NeedsUpdate, m.DeletedUpstream,
		m.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	return nil
}

func (s *PgStore) ListNeedingUpdate(ctx context.Context, configID int64, limit int) ([]*EntityMapping, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM dotysync.entity_mappings
		WHERE config_id = $1 AND needs_update
		ORDER BY updated_at ASC LIMIT $2`,
		configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EntityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ---- PaymentMethodStore ----

// ResolveJournal tries the most specific route first: exact method and
// upstream payment id, then method alone, then the configuration default.
func (s *PgStore) ResolveJournal(ctx context.Context, configID int64, method, paymentID string) (string, error) {
	var journalID string
	err := s.pool.QueryRow(ctx, `
		SELECT journal_id FROM dotysync.payment_method_mappings
		WHERE config_id = $1
		  AND ((method = $2 AND payment_id = $3 AND $3 <> '')
		    OR (method = $2 AND payment_id = '')
		    OR is_default)
		ORDER BY
			CASE
				WHEN method = $2 AND payment_id = $3 AND $3 <> '' THEN 0
				WHEN method = $2 AND payment_id = '' THEN 1
				ELSE 2
			END
		LIMIT 1`,
		configID, method, paymentID).Scan(&journalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", validationErrorf("no journal configured for payment method %q", method)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve journal: %w", err)
	}
	return journalID, nil
}

func (s *PgStore) SaveMethodMapping(ctx context.Context, m *PaymentMethodMapping) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dotysync.payment_method_mappings (config_id, method, payment_id, journal_id, is_default)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (config_id, method, payment_id)
		DO UPDATE SET journal_id = EXCLUDED.journal_id, is_default = EXCLUDED.is_default
		RETURNING id`,
		m.ConfigID, m.Method, m.PaymentID, m.JournalID, m.IsDefault).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to save payment method mapping: %w", err)
	}
	return nil
}

func (s *PgStore) ListMethodMappings(ctx context.Context, configID int64) ([]*PaymentMethodMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, config_id, method, payment_id, journal_id, is_default
		FROM dotysync.payment_method_mappings WHERE config_id = $1
		ORDER BY method, payment_id`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment method mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*PaymentMethodMapping
	for rows.Next() {
		var m PaymentMethodMapping
		if err := rows.Scan(&m.ID, &m.ConfigID, &m.Method, &m.PaymentID, &m.JournalID, &m.IsDefault); err != nil {
			return nil, fmt.Errorf("failed to scan payment method mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// ---- AuditLog ----

func (s *PgStore) Append(ctx context.Context, entry *AuditEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dotysync.audit_log (config_id, kind, external_id, action, status, message, triggered_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		entry.ConfigID, entry.Kind, entry.ExternalID, entry.Action, entry.Status,
		entry.Message, entry.TriggeredBy, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PgStore) Recent(ctx context.Context, configID int64, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, config_id, kind, external_id, action, status, message, triggered_by, created_at
		FROM dotysync.audit_log WHERE config_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ConfigID, &e.Kind, &e.ExternalID, &e.Action,
			&e.Status, &e.Message, &e.TriggeredBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CleanupOld removes aged entries but keeps errors for investigation.
func (s *PgStore) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dotysync.audit_log WHERE created_at < $1 AND status <> 'error'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}
