// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reconciler turns upstream POS entities into local business records. Every
// entry point is idempotent: replays of the same payload are no-ops, and a
// run that failed mid-cascade resumes from the records it already created
// instead of duplicating them.
type Reconciler struct {
	api      *Client
	store    RecordStore
	mappings MappingStore
	methods  PaymentMethodStore
	audit    AuditLog
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler wires a reconciler over its stores.
func NewReconciler(api *Client, store RecordStore, mappings MappingStore, methods PaymentMethodStore, audit AuditLog, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		api:      api,
		store:    store,
		mappings: mappings,
		methods:  methods,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reconciler) record(ctx context.Context, entry *AuditEntry) {
	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.Warn("Failed to append audit entry", "error", err)
	}
}

// failMapping persists the error on the mapping and writes the audit line.
// The partial local state created before the failure is kept for the next
// attempt.
func (r *Reconciler) failMapping(ctx context.Context, cfg *Configuration, m *EntityMapping, err error) {
	m.MarkError(err)
	if uerr := r.mappings.Update(ctx, m); uerr != nil {
		r.logger.Error("Failed to persist mapping error state",
			"kind", m.Kind, "external_id", m.ExternalID, "error", uerr)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, m.Kind, m.ExternalID, ActionUpdate, AuditError, err.Error()))
}

// SyncCustomerByID fetches a customer from the cloud and reconciles it.
func (r *Reconciler) SyncCustomerByID(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	customer, err := r.api.GetCustomer(ctx, cfg, externalID)
	if errors.Is(err, ErrNotFound) {
		return r.HandleCustomerDeleted(ctx, cfg, externalID)
	}
	if err != nil {
		return "", err
	}
	return r.SyncCustomer(ctx, cfg, customer)
}

// SyncCustomer reconciles one customer payload into a local partner.
// Returns the audit action taken.
func (r *Reconciler) SyncCustomer(ctx context.Context, cfg *Configuration, customer *Customer) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityCustomer, customer.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}
	if customer.Deleted {
		return r.HandleCustomerDeleted(ctx, cfg, customer.ID)
	}

	payload, err := snapshotOf(customer)
	if err != nil {
		return "", err
	}
	if m.Unchanged(payload) {
		return ActionSkip, nil
	}

	action, err := r.upsertPartner(ctx, cfg, m, customer)
	if err != nil {
		r.failMapping(ctx, cfg, m, err)
		return "", err
	}

	m.MarkSynced(payload, r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist customer mapping: %w", err)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityCustomer, customer.ID, action, AuditSuccess, ""))
	return action, nil
}

func (r *Reconciler) upsertPartner(ctx context.Context, cfg *Configuration, m *EntityMapping, customer *Customer) (string, error) {
	existing, err := r.findPartner(ctx, cfg, m)
	if err != nil {
		return "", err
	}

	partner := &Partner{
		ExternalID: customer.ID,
		CompanyID:  cfg.CompanyID,
		Name:       customerName(customer),
		IsCompany:  customer.CompanyName != "",
		Email:      customer.Email,
		Phone:      customer.Phone,
		Mobile:     customer.Mobile,
		Street:     strings.TrimSpace(customer.Street + " " + customer.HouseNumber),
		City:       customer.City,
		Zip:        customer.Zip,
		Country:    customer.CountryCode,
		TaxID:      customer.TaxID,
		CompanyReg: customer.RegistrationID,
		Note:       customer.Note,
		Active:     true,
	}

	if existing == nil {
		if err := r.store.CreatePartner(ctx, partner); err != nil {
			return "", fmt.Errorf("failed to create partner: %w", err)
		}
		m.RecordID = partner.ID
		return ActionCreate, nil
	}

	partner.ID = existing.ID
	if err := r.store.UpdatePartner(ctx, partner); err != nil {
		return "", fmt.Errorf("failed to update partner: %w", err)
	}
	m.RecordID = partner.ID
	return ActionUpdate, nil
}

func (r *Reconciler) findPartner(ctx context.Context, cfg *Configuration, m *EntityMapping) (*Partner, error) {
	if m.RecordID != "" {
		partner, err := r.store.PartnerByID(ctx, m.RecordID)
		if err == nil {
			return partner, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load partner: %w", err)
		}
	}
	partner, err := r.store.PartnerByExternalID(ctx, cfg.CompanyID, m.ExternalID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up partner: %w", err)
	}
	return partner, nil
}

// HandleCustomerDeleted archives the local partner for a customer deleted
// upstream. The partner is kept for history; only new activity stops.
func (r *Reconciler) HandleCustomerDeleted(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityCustomer, externalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}

	if m.RecordID != "" {
		if err := r.store.ArchivePartner(ctx, m.RecordID); err != nil && !errors.Is(err, ErrNotFound) {
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to archive partner: %w", err))
			return "", err
		}
	}

	m.MarkDeleted(r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist customer mapping: %w", err)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityCustomer, externalID, ActionDelete, AuditSuccess, "archived after upstream deletion"))
	return ActionDelete, nil
}

// SyncProductByID fetches a product from the cloud and reconciles it.
func (r *Reconciler) SyncProductByID(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	product, err := r.api.GetProduct(ctx, cfg, externalID)
	if errors.Is(err, ErrNotFound) {
		return r.HandleProductDeleted(ctx, cfg, externalID)
	}
	if err != nil {
		return "", err
	}
	return r.SyncProduct(ctx, cfg, product)
}

// SyncProduct reconciles one product payload into a local product record.
// Non-sellable items (modifiers, internal entries) are skipped.
func (r *Reconciler) SyncProduct(ctx context.Context, cfg *Configuration, product *Product) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityProduct, product.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve product mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}
	if product.Deleted {
		return r.HandleProductDeleted(ctx, cfg, product.ID)
	}
	if !product.IsSellable() {
		r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityProduct, product.ID, ActionSkip, AuditSuccess, "not sellable"))
		return ActionSkip, nil
	}

	payload, err := snapshotOf(product)
	if err != nil {
		return "", err
	}
	if m.Unchanged(payload) {
		return ActionSkip, nil
	}

	action, err := r.upsertProduct(ctx, cfg, m, product)
	if err != nil {
		r.failMapping(ctx, cfg, m, err)
		return "", err
	}

	m.MarkSynced(payload, r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist product mapping: %w", err)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityProduct, product.ID, action, AuditSuccess, ""))
	return action, nil
}

func (r *Reconciler) upsertProduct(ctx context.Context, cfg *Configuration, m *EntityMapping, product *Product) (string, error) {
	existing, err := r.findProduct(ctx, cfg, m, product)
	if err != nil {
		return "", err
	}

	rec := &ProductRecord{
		ExternalID: product.ID,
		CompanyID:  cfg.CompanyID,
		Name:       product.Name,
		SKU:        product.SKU,
		Barcode:    product.Barcode,
		Unit:       product.Unit,
		Note:       product.Description,
		Active:     true,
	}
	if product.PriceWithVat != nil {
		rec.UnitPrice = *product.PriceWithVat
	}
	if product.Vat != nil {
		rec.VatPercent = *product.Vat
	}

	if existing == nil {
		if err := r.store.CreateProduct(ctx, rec); err != nil {
			return "", fmt.Errorf("failed to create product: %w", err)
		}
		m.RecordID = rec.ID
		return ActionCreate, nil
	}

	rec.ID = existing.ID
	if err := r.store.UpdateProduct(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to update product: %w", err)
	}
	m.RecordID = rec.ID
	return ActionUpdate, nil
}

// findProduct locates the local record for a product: the mapped record
// first, then external id, then SKU, then barcode. The SKU and barcode
// fallbacks adopt records that predate the connector.
func (r *Reconciler) findProduct(ctx context.Context, cfg *Configuration, m *EntityMapping, product *Product) (*ProductRecord, error) {
	if m.RecordID != "" {
		rec, err := r.store.ProductByExternalID(ctx, cfg.CompanyID, m.ExternalID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load product: %w", err)
		}
	}
	lookups := []func() (*ProductRecord, error){
		func() (*ProductRecord, error) { return r.store.ProductByExternalID(ctx, cfg.CompanyID, product.ID) },
	}
	if product.SKU != "" {
		lookups = append(lookups, func() (*ProductRecord, error) {
			return r.store.ProductBySKU(ctx, cfg.CompanyID, product.SKU)
		})
	}
	if product.Barcode != "" {
		lookups = append(lookups, func() (*ProductRecord, error) {
			return r.store.ProductByBarcode(ctx, cfg.CompanyID, product.Barcode)
		})
	}
	for _, lookup := range lookups {
		rec, err := lookup()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to look up product: %w", err)
		}
	}
	return nil, nil
}

// HandleProductDeleted archives the local product for an upstream deletion.
func (r *Reconciler) HandleProductDeleted(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityProduct, externalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve product mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}

	if m.RecordID != "" {
		if err := r.store.ArchiveProduct(ctx, m.RecordID); err != nil && !errors.Is(err, ErrNotFound) {
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to archive product: %w", err))
			return "", err
		}
	}

	m.MarkDeleted(r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist product mapping: %w", err)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityProduct, externalID, ActionDelete, AuditSuccess, "archived after upstream deletion"))
	return ActionDelete, nil
}

// SyncOrderByID fetches an order from the cloud and reconciles it.
func (r *Reconciler) SyncOrderByID(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	order, err := r.api.GetOrder(ctx, cfg, externalID)
	if errors.Is(err, ErrNotFound) {
		return r.HandleOrderDeleted(ctx, cfg, externalID)
	}
	if err != nil {
		return "", err
	}
	return r.SyncOrder(ctx, cfg, order)
}

// SyncOrder runs the full order pipeline: classify, filter, create the sale
// order, invoice it, and register the payments. A replay of an already
// synced order with unchanged data is a no-op; a replay after a mid-cascade
// failure reuses every record created so far.
func (r *Reconciler) SyncOrder(ctx context.Context, cfg *Configuration, order *Order) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityOrder, order.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve order mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}
	if order.Deleted {
		return r.HandleOrderDeleted(ctx, cfg, order.ID)
	}

	payload, err := snapshotOf(order)
	if err != nil {
		return "", err
	}
	if m.Unchanged(payload) {
		return ActionSkip, nil
	}

	orderType := ClassifyOrder(order, cfg.ClassifyRules)
	if !OrderAccepted(orderType, cfg.OrderFilter) {
		status := AuditSuccess
		message := fmt.Sprintf("order type %q excluded by filter %q", orderType, cfg.OrderFilter)
		if orderType == OrderTypeOther {
			status = AuditWarning
			message = "order type could not be classified; skipped"
		}
		r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityOrder, order.ID, ActionSkip, status, message))
		return ActionSkip, nil
	}

	// Webhook payloads are summaries without lines; fetch the full order
	// before building records.
	if !order.HasDetail() {
		detail, err := r.api.GetOrder(ctx, cfg, order.ID)
		if errors.Is(err, ErrNotFound) {
			return r.HandleOrderDeleted(ctx, cfg, order.ID)
		}
		if err != nil {
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to fetch order detail: %w", err))
			return "", err
		}
		order = detail
		if payload, err = snapshotOf(order); err != nil {
			return "", err
		}
		if m.Unchanged(payload) {
			return ActionSkip, nil
		}
	}

	action, err := r.buildOrderRecords(ctx, cfg, m, order, orderType)
	if err != nil {
		r.failMapping(ctx, cfg, m, err)
		return "", err
	}

	m.MarkSynced(payload, r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist order mapping: %w", err)
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityOrder, order.ID, action, AuditSuccess, ""))
	return action, nil
}

// buildOrderRecords runs the order → invoice → payments cascade. Record
// links are persisted onto the mapping as soon as each record exists, so a
// failure further down resumes instead of duplicating.
func (r *Reconciler) buildOrderRecords(ctx context.Context, cfg *Configuration, m *EntityMapping, order *Order, orderType string) (string, error) {
	partnerID, err := r.resolveOrderPartner(ctx, cfg, order)
	if err != nil {
		return "", err
	}

	lines, err := r.buildOrderLines(ctx, cfg, order)
	if err != nil {
		return "", err
	}

	action := ActionCreate
	saleOrder, err := r.ensureSaleOrder(ctx, cfg, m, order, orderType, partnerID, lines)
	if err != nil {
		return "", err
	}
	if m.LastSyncedAt != nil {
		action = ActionUpdate
	}

	invoice, err := r.ensureInvoice(ctx, cfg, m, saleOrder, partnerID, order)
	if err != nil {
		return "", err
	}

	if err := r.ensurePayments(ctx, cfg, m, order, invoice, partnerID); err != nil {
		return "", err
	}
	return action, nil
}

func (r *Reconciler) resolveOrderPartner(ctx context.Context, cfg *Configuration, order *Order) (string, error) {
	if order.CustomerID == "" {
		if cfg.DefaultPartnerID == "" {
			return "", validationErrorf("order %s has no customer and no default partner is configured", order.ID)
		}
		return cfg.DefaultPartnerID, nil
	}

	cm, err := r.mappings.Get(ctx, cfg.ID, EntityCustomer, order.CustomerID)
	if err == nil && cm.RecordID != "" && !cm.Terminal() {
		return cm.RecordID, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to resolve customer mapping: %w", err)
	}

	// Customer not yet synced; pull it in on demand.
	if _, err := r.SyncCustomerByID(ctx, cfg, order.CustomerID); err != nil {
		return "", fmt.Errorf("failed to sync order customer %s: %w", order.CustomerID, err)
	}
	cm, err = r.mappings.Get(ctx, cfg.ID, EntityCustomer, order.CustomerID)
	if err == nil && cm.RecordID != "" && !cm.Terminal() {
		return cm.RecordID, nil
	}
	if cfg.DefaultPartnerID != "" {
		return cfg.DefaultPartnerID, nil
	}
	return "", validationErrorf("customer %s is unavailable and no default partner is configured", order.CustomerID)
}

func (r *Reconciler) buildOrderLines(ctx context.Context, cfg *Configuration, order *Order) ([]SaleOrderLine, error) {
	if len(order.Items) == 0 {
		return nil, validationErrorf("order %s has no items", order.ID)
	}
	lines := make([]SaleOrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		productID, err := r.resolveLineProduct(ctx, cfg, item.ProductID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, SaleOrderLine{
			ProductID:       productID,
			Description:     item.Name,
			Quantity:        item.Quantity,
			UnitPrice:       item.PriceWithVat,
			DiscountPercent: item.DiscountPercent,
		})
	}
	return lines, nil
}

func (r *Reconciler) resolveLineProduct(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	if externalID == "" {
		return "", nil
	}
	pm, err := r.mappings.Get(ctx, cfg.ID, EntityProduct, externalID)
	if err == nil && pm.RecordID != "" && !pm.Terminal() {
		return pm.RecordID, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to resolve product mapping: %w", err)
	}
	if _, err := r.SyncProductByID(ctx, cfg, externalID); err != nil {
		return "", fmt.Errorf("failed to sync order product %s: %w", externalID, err)
	}
	pm, err = r.mappings.Get(ctx, cfg.ID, EntityProduct, externalID)
	if err == nil && pm.RecordID != "" {
		return pm.RecordID, nil
	}
	// Non-sellable or otherwise unmapped item; keep the line without a
	// product link so totals still reconcile.
	return "", nil
}

func (r *Reconciler) ensureSaleOrder(ctx context.Context, cfg *Configuration, m *EntityMapping, order *Order, orderType, partnerID string, lines []SaleOrderLine) (*SaleOrder, error) {
	if m.OrderID != nil {
		existing, err := r.store.OrderByID(ctx, *m.OrderID)
		if err == nil && existing.State != StateCancelled {
			existing.PartnerID = partnerID
			existing.OrderType = orderType
			existing.Lines = lines
			existing.Note = order.Note
			if err := r.store.UpdateOrder(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to update sale order: %w", err)
			}
			if existing.State == StateDraft {
				if err := r.store.ConfirmOrder(ctx, existing.ID); err != nil {
					return nil, fmt.Errorf("failed to confirm sale order: %w", err)
				}
				existing.State = StateConfirmed
			}
			return existing, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load sale order: %w", err)
		}
	}

	saleOrder := &SaleOrder{
		ID:          uuid.New(),
		CompanyID:   cfg.CompanyID,
		PartnerID:   partnerID,
		Reference:   orderReference(order),
		OrderType:   orderType,
		Salesperson: cfg.DefaultSalesperson,
		Warehouse:   cfg.DefaultWarehouse,
		Pricelist:   cfg.DefaultPricelist,
		OrderDate:   order.OrderDate(r.now()),
		Note:        order.Note,
		State:       StateDraft,
		Lines:       lines,
	}
	if err := r.store.CreateOrder(ctx, saleOrder); err != nil {
		return nil, fmt.Errorf("failed to create sale order: %w", err)
	}

	m.OrderID = &saleOrder.ID
	if err := r.mappings.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to link sale order on mapping: %w", err)
	}

	if err := r.store.ConfirmOrder(ctx, saleOrder.ID); err != nil {
		return nil, fmt.Errorf("failed to confirm sale order: %w", err)
	}
	saleOrder.State = StateConfirmed
	return saleOrder, nil
}

// ensureInvoice reuses the mapped invoice when it still exists and is not
// cancelled; otherwise it creates and posts a new one.
func (r *Reconciler) ensureInvoice(ctx context.Context, cfg *Configuration, m *EntityMapping, saleOrder *SaleOrder, partnerID string, order *Order) (*Invoice, error) {
	if m.InvoiceID != nil {
		existing, err := r.store.InvoiceByID(ctx, *m.InvoiceID)
		if err == nil && existing.State != StateCancelled && existing.State != StateReversed {
			if existing.State == StateDraft {
				if err := r.store.PostInvoice(ctx, existing.ID); err != nil {
					return nil, fmt.Errorf("failed to post invoice: %w", err)
				}
				existing.State = StatePosted
			}
			return existing, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load invoice: %w", err)
		}
	}

	invoice := &Invoice{
		ID:        uuid.New(),
		CompanyID: cfg.CompanyID,
		PartnerID: partnerID,
		OrderID:   saleOrder.ID,
		Reference: saleOrder.Reference,
		Amount:    saleOrder.Total(),
		Date:      order.OrderDate(r.now()),
		State:     StateDraft,
	}
	if err := r.store.CreateInvoice(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	m.InvoiceID = &invoice.ID
	if err := r.mappings.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to link invoice on mapping: %w", err)
	}

	if err := r.store.PostInvoice(ctx, invoice.ID); err != nil {
		return nil, fmt.Errorf("failed to post invoice: %w", err)
	}
	invoice.State = StatePosted
	return invoice, nil
}

// ensurePayments creates, posts and reconciles one payment per upstream
// payment line. A line already imported (matched by external payment id)
// resumes where the prior run stopped: a draft payment is posted and an
// unreconciled one reconciled.
func (r *Reconciler) ensurePayments(ctx context.Context, cfg *Configuration, m *EntityMapping, order *Order, invoice *Invoice, partnerID string) error {
	for i, line := range order.Payments {
		externalID := paymentExternalID(order, line, i)

		existing, err := r.store.PaymentByExternalID(ctx, cfg.CompanyID, externalID)
		if err == nil {
			if existing.State == StateDraft {
				if err := r.store.PostPayment(ctx, existing.ID); err != nil {
					return fmt.Errorf("failed to post payment %s: %w", externalID, err)
				}
				existing.State = StatePosted
			}
			if !existing.Reconciled && existing.State == StatePosted {
				if err := r.store.ReconcilePayment(ctx, existing.ID, invoice.ID); err != nil {
					return fmt.Errorf("failed to reconcile payment %s: %w", externalID, err)
				}
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to look up payment %s: %w", externalID, err)
		}

		journalID, err := r.methods.ResolveJournal(ctx, cfg.ID, line.Method, line.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve journal for method %q: %w", line.Method, err)
		}

		payment := &Payment{
			ID:         uuid.New(),
			CompanyID:  cfg.CompanyID,
			PartnerID:  partnerID,
			InvoiceID:  invoice.ID,
			ExternalID: externalID,
			JournalID:  journalID,
			Amount:     line.Amount,
			Date:       order.OrderDate(r.now()),
			State:      StateDraft,
		}
		if err := r.store.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment %s: %w", externalID, err)
		}

		m.PaymentIDs = append(m.PaymentIDs, payment.ID)
		if err := r.mappings.Update(ctx, m); err != nil {
			return fmt.Errorf("failed to link payment on mapping: %w", err)
		}

		if err := r.store.PostPayment(ctx, payment.ID); err != nil {
			return fmt.Errorf("failed to post payment %s: %w", externalID, err)
		}
		if err := r.store.ReconcilePayment(ctx, payment.ID, invoice.ID); err != nil {
			return fmt.Errorf("failed to reconcile payment %s: %w", externalID, err)
		}
	}
	return nil
}

// HandleOrderDeleted cancels the local records for an order deleted
// upstream: the sale order is cancelled, a posted invoice is reversed (a
// draft one cancelled), and payments that never reconciled are cancelled.
// Reconciled payments stay; money already matched against the invoice is an
// accounting decision, not the connector's.
func (r *Reconciler) HandleOrderDeleted(ctx context.Context, cfg *Configuration, externalID string) (string, error) {
	m, err := r.mappings.FindOrCreate(ctx, cfg.ID, EntityOrder, externalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve order mapping: %w", err)
	}
	if m.Terminal() {
		return ActionSkip, nil
	}

	var warnings []string

	if m.OrderID != nil {
		if err := r.store.CancelOrder(ctx, *m.OrderID); err != nil && !errors.Is(err, ErrNotFound) {
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to cancel sale order: %w", err))
			return "", err
		}
	}

	if m.InvoiceID != nil {
		invoice, err := r.store.InvoiceByID(ctx, *m.InvoiceID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Already gone locally; nothing to undo.
		case err != nil:
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to load invoice: %w", err))
			return "", err
		case invoice.State == StatePosted:
			if err := r.store.ReverseInvoice(ctx, invoice.ID); err != nil {
				r.failMapping(ctx, cfg, m, fmt.Errorf("failed to reverse invoice: %w", err))
				return "", err
			}
		case invoice.State == StateDraft:
			if err := r.store.CancelInvoice(ctx, invoice.ID); err != nil {
				r.failMapping(ctx, cfg, m, fmt.Errorf("failed to cancel invoice: %w", err))
				return "", err
			}
		}
	}

	for _, paymentID := range m.PaymentIDs {
		payment, err := r.store.PaymentByID(ctx, paymentID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			r.failMapping(ctx, cfg, m, fmt.Errorf("failed to load payment: %w", err))
			return "", err
		}
		if payment.Reconciled {
			warnings = append(warnings, fmt.Sprintf("payment %s already reconciled, left in place", payment.ExternalID))
			continue
		}
		if payment.State != StateCancelled {
			if err := r.store.CancelPayment(ctx, payment.ID); err != nil {
				r.failMapping(ctx, cfg, m, fmt.Errorf("failed to cancel payment: %w", err))
				return "", err
			}
		}
	}

	m.MarkCancelled(r.now())
	if err := r.mappings.Update(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist order mapping: %w", err)
	}

	status, message := AuditSuccess, "local records cancelled after upstream deletion"
	if len(warnings) > 0 {
		status = AuditWarning
		message += "; " + strings.Join(warnings, "; ")
	}
	r.record(ctx, newAuditEntry(ctx, cfg.ID, EntityOrder, externalID, ActionDelete, status, message))
	return ActionDelete, nil
}

func customerName(c *Customer) string {
	if c.CompanyName != "" {
		return c.CompanyName
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return "Customer " + c.ID
	}
	return name
}

func orderReference(o *Order) string {
	if o.OrderNumber != "" {
		return o.OrderNumber
	}
	return "POS-" + o.ID
}

func paymentExternalID(order *Order, line OrderPayment, index int) string {
	if line.ID != "" {
		return line.ID
	}
	return fmt.Sprintf("%s#%d", order.ID, index)
}

// snapshotOf canonicalizes an entity payload for mapping snapshot
// comparison.
func snapshotOf(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize snapshot: %w", err)
	}
	return canonical, nil
}
