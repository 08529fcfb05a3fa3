// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Payload models for the Dotypos API and for the HTTP surface of the
// connector. External ids are strings end to end: the cloud issues numeric
// ids, but nothing in the engine does arithmetic on them.

// TokenResponse is the provider's answer on the OAuth token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Cloud describes the connected POS cloud (used for connection tests).
type Cloud struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Customer is a customer record as returned by the cloud.
type Customer struct {
	ID             string `json:"id"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	CompanyName    string `json:"companyName,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Mobile         string `json:"mobile,omitempty"`
	Street         string `json:"street,omitempty"`
	HouseNumber    string `json:"houseNumber,omitempty"`
	City           string `json:"city,omitempty"`
	Zip            string `json:"zip,omitempty"`
	CountryCode    string `json:"countryCode,omitempty"`
	TaxID          string `json:"taxId,omitempty"`
	RegistrationID string `json:"registrationId,omitempty"`
	Note           string `json:"note,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// Product is a sellable item as returned by the cloud.
type Product struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	SKU             string           `json:"sku,omitempty"`
	Barcode         string           `json:"barcode,omitempty"`
	Description     string           `json:"description,omitempty"`
	Unit            string           `json:"unit,omitempty"`
	PriceWithVat    *decimal.Decimal `json:"priceWithVat,omitempty"`
	PriceWithoutVat *decimal.Decimal `json:"priceWithoutVat,omitempty"`
	Vat             *decimal.Decimal `json:"vat,omitempty"`
	Sellable        *bool            `json:"sellable,omitempty"`
	CategoryID      string           `json:"categoryId,omitempty"`
	Deleted         bool             `json:"deleted,omitempty"`
}

// IsSellable treats an absent sellable flag as true, matching the cloud's
// default.
func (p *Product) IsSellable() bool {
	return p.Sellable == nil || *p.Sellable
}

// Order is a receipt/order as returned by the cloud. Webhook payloads often
// carry only a summary (no items or payments); HasDetail distinguishes the
// two shapes.
type Order struct {
	ID             string         `json:"id"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	CustomerID     string         `json:"customerId,omitempty"`
	EmployeeID     string         `json:"employeeId,omitempty"`
	Type           string         `json:"type,omitempty"`
	DeliveryMethod string         `json:"deliveryMethod,omitempty"`
	Location       string         `json:"location,omitempty"`
	CreatedAt      string         `json:"createdAt,omitempty"`
	Note           string         `json:"note,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	Items          []OrderItem    `json:"items,omitempty"`
	Payments       []OrderPayment `json:"payments,omitempty"`
}

// HasDetail reports whether the payload carries line-level data or is a
// webhook summary that requires a detail fetch.
func (o *Order) HasDetail() bool {
	return len(o.Items) > 0 || len(o.Payments) > 0
}

// OrderDate parses createdAt, falling back to now when absent or malformed.
func (o *Order) OrderDate(now time.Time) time.Time {
	if o.CreatedAt == "" {
		return now
	}
	if ts, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		return ts
	}
	return now
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID       string          `json:"productId"`
	Name            string          `json:"name,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	PriceWithVat    decimal.Decimal `json:"priceWithVat"`
	DiscountPercent decimal.Decimal `json:"discountPercent,omitempty"`
}

// OrderPayment is one payment line of an order.
type OrderPayment struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// Total sums item amounts (price with VAT, discount applied).
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, item := range o.Items {
		line := item.PriceWithVat.Mul(item.Quantity)
		if !item.DiscountPercent.IsZero() {
			line = line.Mul(hundred.Sub(item.DiscountPercent)).Div(hundred)
		}
		total = total.Add(line)
	}
	return total
}

// listEnvelope is the cloud's paginated list response shape.
type listEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

// WebhookEvent is the envelope the cloud posts to the webhook receiver.
type WebhookEvent struct {
	Event      string          `json:"event"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// WebhookRegistration is the body sent when registering a webhook upstream.
type WebhookRegistration struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

// SyncStats accumulates per-batch outcome counts.
type SyncStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// CountAction bumps the counter matching an audit action.
func (s *SyncStats) CountAction(action string) {
	switch action {
	case ActionCreate:
		s.Created++
	case ActionUpdate:
		s.Updated++
	case ActionDelete:
		s.Deleted++
	case ActionSkip:
		s.Skipped++
	}
}

// Merge adds other's counts into s.
func (s *SyncStats) Merge(other SyncStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Deleted += other.Deleted
	s.Skipped += other.Skipped
	s.Errors += other.Errors
}

// SyncSummary is the result of a full pull across entity types.
type SyncSummary struct {
	Products  *SyncStats `json:"products,omitempty"`
	Customers *SyncStats `json:"customers,omitempty"`
	Orders    *SyncStats `json:"orders,omitempty"`
}

// WebhookResponse is the JSON answer of the webhook receiver.
type WebhookResponse struct {
	Status  string `json:"status"` // success, warning, error
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

// ErrorResponse represents an error response on the HTTP surface.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// canonicalJSON re-encodes raw JSON with sorted object keys so snapshots
// compare byte-for-byte regardless of upstream field order.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
