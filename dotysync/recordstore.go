// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Local business records produced by reconciliation. These mirror the
// downstream accounting system's shapes: partners, products, sale orders,
// invoices and payments, each with a small state machine.

// Partner is a local customer record.
type Partner struct {
	ID         string
	ExternalID string
	CompanyID  string
	Name       string
	IsCompany  bool
	Email      string
	Phone      string
	Mobile     string
	Street     string
	City       string
	Zip        string
	Country    string
	TaxID      string
	CompanyReg string
	Note       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProductRecord is a local product record.
type ProductRecord struct {
	ID         string
	ExternalID string
	CompanyID  string
	Name       string
	SKU        string
	Barcode    string
	UnitPrice  decimal.Decimal
	VatPercent decimal.Decimal
	Unit       string
	Note       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaleOrder is a local sale order with its lines.
type SaleOrder struct {
	ID          uuid.UUID
	CompanyID   string
	PartnerID   string
	Reference   string // upstream order number
	OrderType   string // classification result
	Salesperson string
	Warehouse   string
	Pricelist   string
	OrderDate   time.Time
	Note        string
	State       string // StateDraft, StateConfirmed, StateCancelled
	Lines       []SaleOrderLine
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Total sums the order's line amounts.
func (o *SaleOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.Amount())
	}
	return total
}

// SaleOrderLine is one line of a sale order.
type SaleOrderLine struct {
	ProductID       string
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
}

// Amount is the line total with discount applied.
func (l *SaleOrderLine) Amount() decimal.Decimal {
	amount := l.UnitPrice.Mul(l.Quantity)
	if l.DiscountPercent.IsZero() {
		return amount
	}
	hundred := decimal.NewFromInt(100)
	return amount.Mul(hundred.Sub(l.DiscountPercent)).Div(hundred)
}

// Invoice is a local customer invoice.
type Invoice struct {
	ID        uuid.UUID
	CompanyID string
	PartnerID string
	OrderID   uuid.UUID
	Reference string
	Amount    decimal.Decimal
	Date      time.Time
	State     string // StateDraft, StatePosted, StateCancelled, StateReversed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment is a local payment against an invoice.
type Payment struct {
	ID         uuid.UUID
	CompanyID  string
	PartnerID  string
	InvoiceID  uuid.UUID
	ExternalID string // upstream payment line id, unique per configuration
	JournalID  string
	Amount     decimal.Decimal
	Date       time.Time
	State      string // StateDraft, StatePosted, StateCancelled
	Reconciled bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RecordStore persists local business records. Implementations run state
// transitions transactionally; a Confirm on an already confirmed order or a
// Post on an already posted invoice is a no-op, not an error.
type RecordStore interface {
	// Partners
	PartnerByID(ctx context.Context, id string) (*Partner, error)
	PartnerByExternalID(ctx context.Context, companyID, externalID string) (*Partner, error)
	CreatePartner(ctx context.Context, p *Partner) error
	UpdatePartner(ctx context.Context, p *Partner) error
	ArchivePartner(ctx context.Context, id string) error

	// Products
	ProductByExternalID(ctx context.Context, companyID, externalID string) (*ProductRecord, error)
	ProductBySKU(ctx context.Context, companyID, sku string) (*ProductRecord, error)
	ProductByBarcode(ctx context.Context, companyID, barcode string) (*ProductRecord, error)
	CreateProduct(ctx context.Context, p *ProductRecord) error
	UpdateProduct(ctx context.Context, p *ProductRecord) error
	ArchiveProduct(ctx context.Context, id string) error

	// Sale orders
	OrderByID(ctx context.Context, id uuid.UUID) (*SaleOrder, error)
	CreateOrder(ctx context.Context, o *SaleOrder) error
	UpdateOrder(ctx context.Context, o *SaleOrder) error
	ConfirmOrder(ctx context.Context, id uuid.UUID) error
	CancelOrder(ctx context.Context, id uuid.UUID) error

	// Invoices
	InvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	CreateInvoice(ctx context.Context, inv *Invoice) error
	PostInvoice(ctx context.Context, id uuid.UUID) error
	CancelInvoice(ctx context.Context, id uuid.UUID) error
	ReverseInvoice(ctx context.Context, id uuid.UUID) error

	// Payments
	PaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	PaymentByExternalID(ctx context.Context, companyID, externalID string) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
	PostPayment(ctx context.Context, id uuid.UUID) error
	ReconcilePayment(ctx context.Context, paymentID, invoiceID uuid.UUID) error
	CancelPayment(ctx context.Context, id uuid.UUID) error
}

// PaymentMethodMapping routes one upstream payment method to a local
// journal. PaymentID narrows the mapping to a specific upstream payment
// method id; empty matches the method name alone.
type PaymentMethodMapping struct {
	ID        int64
	ConfigID  int64
	Method    string
	PaymentID string
	JournalID string
	IsDefault bool
}

// PaymentMethodStore resolves payment methods to journals.
type PaymentMethodStore interface {
	// ResolveJournal returns the journal for a payment line, trying the most
	// specific mapping first: exact (method, payment id), then method alone,
	// then the configuration default. No match is a ValidationError.
	ResolveJournal(ctx context.Context, configID int64, method, paymentID string) (string, error)

	// SaveMethodMapping inserts or updates a mapping.
	SaveMethodMapping(ctx context.Context, m *PaymentMethodMapping) error

	// ListMethodMappings returns all mappings for a configuration.
	ListMethodMappings(ctx context.Context, configID int64) ([]*PaymentMethodMapping, error)
}
