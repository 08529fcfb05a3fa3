// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Postgres implementation of RecordStore. State transitions are guarded in
// SQL, so a Confirm replayed against an already confirmed order is a no-op.

// ---- Partners ----

const partnerColumns = `id, external_id, company_id, name, is_company, email, phone, mobile,
	street, city, zip, country, tax_id, company_reg, note, active, created_at, updated_at`

func scanPartner(row pgx.Row) (*Partner, error) {
	var p Partner
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.CompanyID, &p.Name, &p.IsCompany, &p.Email, &p.Phone, &p.Mobile,
		&p.Street, &p.City, &p.Zip, &p.Country, &p.TaxID, &p.CompanyReg, &p.Note, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan partner: %w", err)
	}
	return &p, nil
}

func (s *PgStore) PartnerByID(ctx context.Context, id string) (*Partner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM dotysync.partners WHERE id = $1`, id)
	return scanPartner(row)
}

func (s *PgStore) PartnerByExternalID(ctx context.Context, companyID, externalID string) (*Partner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM dotysync.partners
		WHERE company_id = $1 AND external_id = $2 AND external_id <> ''`,
		companyID, externalID)
	return scanPartner(row)
}

func (s *PgStore) CreatePartner(ctx context.Context, p *Partner) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dotysync.partners (id, external_id, company_id, name, is_company, email, phone, mobile,
			street, city, zip, country, tax_id, company_reg, note, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.ExternalID, p.CompanyID, p.Name, p.IsCompany, p.Email, p.Phone, p.Mobile,
		p.Street, p.City, p.Zip, p.Country, p.TaxID, p.CompanyReg, p.Note, p.Active)
	if err != nil {
		return fmt.Errorf("failed to insert partner: %w", err)
	}
	return nil
}

func (s *PgStore) UpdatePartner(ctx context.Context, p *Partner) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dotysync.partners SET
			external_id=$2, name=$3, is_company=$4, email=$5, phone=$6, mobile=$7,
			street=$8, city=$9, zip=$10, country=$11, tax_id=$12, company_reg=$13,
			note=$14, active=$15, updated_at=now()
		WHERE id=$1`,
		p.ID, p.ExternalID, p.Name, p.IsCompany, p.Email, p.Phone, p.Mobile,
		p.Street, p.City, p.Zip, p.Country, p.TaxID, p.CompanyReg, p.Note, p.Active)
	if err != nil {
		return fmt.Errorf("failed to update partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ArchivePartner(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dotysync.partners SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to archive partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Products ----

const productColumns = `id, external_id, company_id, name, sku, barcode,
	unit_price, vat_percent, unit, note, active, created_at, updated_at`

func scanProductRecord(row pgx.Row) (*ProductRecord, error) {
	var p ProductRecord
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.CompanyID, &p.Name, &p.SKU, &p.Barcode,
		&p.UnitPrice, &p.VatPercent, &p.Unit, &p.Note, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return &p, nil
}

func (s *PgStore) ProductByExternalID(ctx context.Context, companyID, externalID string) (*ProductRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM dotysync.products
		WHERE company_id = $1 AND external_id = $2 AND external_id <> ''`,
		companyID, externalID)
	return scanProductRecord(row)
}

func (s *PgStore) ProductBySKU(ctx context.Context, companyID, sku string) (*ProductRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM dotysync.products
		WHERE company_id = $1 AND sku = $2 AND sku <> ''
		ORDER BY created_at LIMIT 1`,
		companyID, sku)
	return scanProductRecord(row)
}

func (s *PgStore) ProductByBarcode(ctx context.Context, companyID, barcode string) (*ProductRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM dotysync.products
		WHERE company_id = $1 AND barcode = $2 AND barcode <> ''
		ORDER BY created_at LIMIT 1`,
		companyID, barcode)
	return scanProductRecord(row)
}

func (s *PgStore) CreateProduct(ctx context.Context, p *ProductRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dotysync.products (id, external_id, company_id, name, sku, barcode,
			unit_price, vat_percent, unit, note, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.ExternalID, p.CompanyID, p.Name, p.SKU, p.Barcode,
		p.UnitPrice, p.VatPercent, p.Unit, p.Note, p.Active)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateProduct(ctx context.Context, p *ProductRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dotysync.products SET
			external_id=$2, name=$3, sku=$4, barcode=$5,
			unit_price=$6, vat_percent=$7, unit=$8, note=$9, active=$10, updated_at=now()
		WHERE id=$1`,
		p.ID, p.ExternalID, p.Name, p.SKU, p.Barcode,
		p.UnitPrice, p.VatPercent, p.Unit, p.Note, p.Active)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ArchiveProduct(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dotysync.products SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to archive product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Sale orders ----

func (s *PgStore) OrderByID(ctx context.Context, id uuid.UUID) (*SaleOrder, error) {
	var o SaleOrder
	var lines []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, partner_id, reference, order_type, salesperson, warehouse,
			pricelist, order_date, note, state, lines, created_at, updated_at
		FROM dotysync.sale_orders WHERE id = $1`, id).Scan(
		&o.ID, &o.CompanyID, &o.PartnerID, &o.Reference, &o.OrderType, &o.Salesperson,
		&o.Warehouse, &o.Pricelist, &o.OrderDate, &o.Note, &o.State, &lines,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sale order: %w", err)
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode order lines: %w", err)
	}
	return &o, nil
}

func (s *PgStore) CreateOrder(ctx context.Context, o *SaleOrder) error {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode order lines: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dotysync.sale_orders (id, company_id, partner_id, reference, order_type,
			salesperson, warehouse, pricelist, order_date, note, state, lines)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.CompanyID, o.PartnerID, o.Reference, o.OrderType,
		o.Salesperson, o.Warehouse, o.Pricelist, o.OrderDate, o.Note, o.State, lines)
	if err != nil {
		return fmt.Errorf("failed to insert sale order: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateOrder(ctx context.Context, o *SaleOrder) error {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode order lines: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE dotysync.sale_orders SET
			partner_id=$2, reference=$3, order_type=$4, note=$5, lines=$6, updated_at=now()
		WHERE id=$1`,
		o.ID, o.PartnerID, o.Reference, o.OrderType, o.Note, lines)
	if err != nil {
		return fmt.Errorf("failed to update sale order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ConfirmOrder(ctx context.Context, id uuid.UUID) error {
	return s.transitionOrder(ctx, id, StateDraft, StateConfirmed)
}

func (s *PgStore) CancelOrder(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.sale_orders SET state = $2, updated_at = now()
		WHERE id = $1 AND state <> $2`, id, StateCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel sale order: %w", err)
	}
	return nil
}

func (s *PgStore) transitionOrder(ctx context.Context, id uuid.UUID, from, to string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.sale_orders SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition sale order to %s: %w", to, err)
	}
	return nil
}

// ---- Invoices ----

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.CompanyID, &inv.PartnerID, &inv.OrderID, &inv.Reference,
		&inv.Amount, &inv.Date, &inv.State, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &inv, nil
}

func (s *PgStore) InvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, company_id, partner_id, order_id, reference, amount, date, state, created_at, updated_at
		FROM dotysync.invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (s *PgStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dotysync.invoices (id, company_id, partner_id, order_id, reference, amount, date, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		inv.ID, inv.CompanyID, inv.PartnerID, inv.OrderID, inv.Reference, inv.Amount, inv.Date, inv.State)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *PgStore) PostInvoice(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.invoices SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, id, StateDraft, StatePosted)
	if err != nil {
		return fmt.Errorf("failed to post invoice: %w", err)
	}
	return nil
}

func (s *PgStore) CancelInvoice(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.invoices SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, id, StateDraft, StateCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

func (s *PgStore) ReverseInvoice(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.invoices SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, id, StatePosted, StateReversed)
	if err != nil {
		return fmt.Errorf("failed to reverse invoice: %w", err)
	}
	return nil
}

// ---- Payments ----

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.CompanyID, &p.PartnerID, &p.InvoiceID, &p.ExternalID, &p.JournalID,
		&p.Amount, &p.Date, &p.State, &p.Reconciled, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

const paymentColumns = `id, company_id, partner_id, invoice_id, external_id, journal_id,
	amount, date, state, reconciled, created_at, updated_at`

func (s *PgStore) PaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM dotysync.payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PgStore) PaymentByExternalID(ctx context.Context, companyID, externalID string) (*Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM dotysync.payments
		WHERE company_id = $1 AND external_id = $2`,
		companyID, externalID)
	return scanPayment(row)
}

func (s *PgStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dotysync.payments (id, company_id, partner_id, invoice_id, external_id, journal_id, amount, date, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.CompanyID, p.PartnerID, p.InvoiceID, p.ExternalID, p.JournalID, p.Amount, p.Date, p.State)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *PgStore) PostPayment(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.payments SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`, id, StateDraft, StatePosted)
	if err != nil {
		return fmt.Errorf("failed to post payment: %w", err)
	}
	return nil
}

func (s *PgStore) ReconcilePayment(ctx context.Context, paymentID, invoiceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.payments SET reconciled = TRUE, invoice_id = $2, updated_at = now()
		WHERE id = $1 AND state = $3`, paymentID, invoiceID, StatePosted)
	if err != nil {
		return fmt.Errorf("failed to reconcile payment: %w", err)
	}
	return nil
}

func (s *PgStore) CancelPayment(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dotysync.payments SET state = $2, updated_at = now()
		WHERE id = $1 AND NOT reconciled`, id, StateCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel payment: %w", err)
	}
	return nil
}
