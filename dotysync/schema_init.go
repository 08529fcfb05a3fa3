// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InitializeSchema creates the connector tables if they don't exist
func (s *PgStore) InitializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the connector tables within an existing transaction
func (s *PgStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated connector schema
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS dotysync`,

		// 1) Tenant configurations, one per cloud connection
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.configurations (
			id                  BIGSERIAL PRIMARY KEY,
			cloud_id            TEXT      NOT NULL,
			company_id          TEXT      NOT NULL,
			client_id           TEXT      NOT NULL DEFAULT '',
			client_secret       TEXT      NOT NULL DEFAULT '',
			api_base_url        TEXT      NOT NULL DEFAULT '',
			webhook_secret      TEXT      NOT NULL DEFAULT '',
			webhook_id          TEXT      NOT NULL DEFAULT '',
			webhook_active      BOOLEAN   NOT NULL DEFAULT FALSE,
			sync_customers      BOOLEAN   NOT NULL DEFAULT TRUE,
			sync_products       BOOLEAN   NOT NULL DEFAULT TRUE,
			sync_orders         BOOLEAN   NOT NULL DEFAULT TRUE,
			order_filter        TEXT      NOT NULL DEFAULT 'all',
			classify_rules      JSON,
			default_salesperson TEXT      NOT NULL DEFAULT '',
			default_warehouse   TEXT      NOT NULL DEFAULT '',
			default_pricelist   TEXT      NOT NULL DEFAULT '',
			default_partner_id  TEXT      NOT NULL DEFAULT '',
			rate_limit_requests INT       NOT NULL DEFAULT 0,
			rate_limit_secs     BIGINT    NOT NULL DEFAULT 0,
			lookback_days       INT       NOT NULL DEFAULT 0,
			active              BOOLEAN   NOT NULL DEFAULT TRUE,
			UNIQUE (cloud_id, company_id)
		)`,

		// 2) OAuth tokens; at most one active row per configuration
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.oauth_tokens (
			id            BIGSERIAL PRIMARY KEY,
			config_id     BIGINT    NOT NULL REFERENCES dotysync.configurations(id) ON DELETE CASCADE,
			access_token  TEXT      NOT NULL,
			refresh_token TEXT      NOT NULL DEFAULT '',
			token_type    TEXT      NOT NULL DEFAULT 'Bearer',
			scope         TEXT      NOT NULL DEFAULT '',
			issued_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_secs  BIGINT    NOT NULL DEFAULT 0,
			active        BOOLEAN   NOT NULL DEFAULT TRUE,
			refresh_count INT       NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS oauth_tokens_active_idx
			ON dotysync.oauth_tokens(config_id) WHERE active`,

		// 3) Entity mappings: the sync state machine per upstream entity
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.entity_mappings (
			id               BIGSERIAL PRIMARY KEY,
			config_id        BIGINT    NOT NULL REFERENCES dotysync.configurations(id) ON DELETE CASCADE,
			kind             TEXT      NOT NULL CHECK (kind IN ('customer','product','order')),
			external_id      TEXT      NOT NULL,
			record_id        TEXT      NOT NULL DEFAULT '',
			order_id         UUID,
			invoice_id       UUID,
			payment_ids      UUID[]    NOT NULL DEFAULT '{}',
			snapshot         TEXT      NOT NULL DEFAULT '',
			status           TEXT      NOT NULL DEFAULT 'pending',
			sync_error       TEXT      NOT NULL DEFAULT '',
			needs_update     BOOLEAN   NOT NULL DEFAULT FALSE,
			deleted_upstream BOOLEAN   NOT NULL DEFAULT FALSE,
			last_synced_at   TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (config_id, kind, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS entity_mappings_retry_idx
			ON dotysync.entity_mappings(config_id, updated_at) WHERE needs_update`,

		// 4) Payment method to journal routing
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.payment_method_mappings (
			id         BIGSERIAL PRIMARY KEY,
			config_id  BIGINT  NOT NULL REFERENCES dotysync.configurations(id) ON DELETE CASCADE,
			method     TEXT    NOT NULL DEFAULT '',
			payment_id TEXT    NOT NULL DEFAULT '',
			journal_id TEXT    NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (config_id, method, payment_id)
		)`,

		// 5) Audit trail
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.audit_log (
			id           BIGSERIAL PRIMARY KEY,
			config_id    BIGINT NOT NULL,
			kind         TEXT   NOT NULL,
			external_id  TEXT   NOT NULL,
			action       TEXT   NOT NULL,
			status       TEXT   NOT NULL,
			message      TEXT   NOT NULL DEFAULT '',
			triggered_by TEXT   NOT NULL DEFAULT 'manual',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_config_idx
			ON dotysync.audit_log(config_id, created_at DESC)`,

		// 6) Local business records
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.partners (
			id          TEXT NOT NULL PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			company_id  TEXT NOT NULL,
			name        TEXT NOT NULL,
			is_company  BOOLEAN NOT NULL DEFAULT FALSE,
			email       TEXT NOT NULL DEFAULT '',
			phone       TEXT NOT NULL DEFAULT '',
			mobile      TEXT NOT NULL DEFAULT '',
			street      TEXT NOT NULL DEFAULT '',
			city        TEXT NOT NULL DEFAULT '',
			zip         TEXT NOT NULL DEFAULT '',
			country     TEXT NOT NULL DEFAULT '',
			tax_id      TEXT NOT NULL DEFAULT '',
			company_reg TEXT NOT NULL DEFAULT '',
			note        TEXT NOT NULL DEFAULT '',
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS partners_external_idx
			ON dotysync.partners(company_id, external_id)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.products (
			id          TEXT NOT NULL PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			company_id  TEXT NOT NULL,
			name        TEXT NOT NULL,
			sku         TEXT NOT NULL DEFAULT '',
			barcode     TEXT NOT NULL DEFAULT '',
			unit_price  NUMERIC(16,4) NOT NULL DEFAULT 0,
			vat_percent NUMERIC(7,4)  NOT NULL DEFAULT 0,
			unit        TEXT NOT NULL DEFAULT '',
			note        TEXT NOT NULL DEFAULT '',
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS products_external_idx
			ON dotysync.products(company_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS products_sku_idx
			ON dotysync.products(company_id, sku)`,
		`CREATE INDEX IF NOT EXISTS products_barcode_idx
			ON dotysync.products(company_id, barcode)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.sale_orders (
			id          UUID NOT NULL PRIMARY KEY,
			company_id  TEXT NOT NULL,
			partner_id  TEXT NOT NULL,
			reference   TEXT NOT NULL DEFAULT '',
			order_type  TEXT NOT NULL DEFAULT '',
			salesperson TEXT NOT NULL DEFAULT '',
			warehouse   TEXT NOT NULL DEFAULT '',
			pricelist   TEXT NOT NULL DEFAULT '',
			order_date  TIMESTAMPTZ NOT NULL,
			note        TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL DEFAULT 'draft',
			lines       JSON NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.invoices (
			id         UUID NOT NULL PRIMARY KEY,
			company_id TEXT NOT NULL,
			partner_id TEXT NOT NULL,
			order_id   UUID NOT NULL,
			reference  TEXT NOT NULL DEFAULT '',
			amount     NUMERIC(16,4) NOT NULL DEFAULT 0,
			date       TIMESTAMPTZ NOT NULL,
			state      TEXT NOT NULL DEFAULT 'draft',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS dotysync.payments (
			id          UUID NOT NULL PRIMARY KEY,
			company_id  TEXT NOT NULL,
			partner_id  TEXT NOT NULL,
			invoice_id  UUID NOT NULL,
			external_id TEXT NOT NULL,
			journal_id  TEXT NOT NULL,
			amount      NUMERIC(16,4) NOT NULL DEFAULT 0,
			date        TIMESTAMPTZ NOT NULL,
			state       TEXT NOT NULL DEFAULT 'draft',
			reconciled  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (company_id, external_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
