// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of every connector store. It backs
// the test suite and small deployments that do not want Postgres; data does
// not survive a restart.
type MemStore struct {
	mu sync.Mutex

	nextID   int64
	configs  map[int64]*Configuration
	tokens   map[int64]*OAuthToken
	mappings map[string]*EntityMapping
	methods  []*PaymentMethodMapping
	audit    []*AuditEntry

	partners  map[string]*Partner
	products  map[string]*ProductRecord
	orders    map[uuid.UUID]*SaleOrder
	invoices  map[uuid.UUID]*Invoice
	payments  map[uuid.UUID]*Payment
	byPayment map[string]uuid.UUID // companyID|externalID -> payment id
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		configs:   make(map[int64]*Configuration),
		tokens:    make(map[int64]*OAuthToken),
		mappings:  make(map[string]*EntityMapping),
		partners:  make(map[string]*Partner),
		products:  make(map[string]*ProductRecord),
		orders:    make(map[uuid.UUID]*SaleOrder),
		invoices:  make(map[uuid.UUID]*Invoice),
		payments:  make(map[uuid.UUID]*Payment),
		byPayment: make(map[string]uuid.UUID),
	}
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

func mappingKey(configID int64, kind, externalID string) string {
	return strconv.FormatInt(configID, 10) + "|" + kind + "|" + externalID
}

// ---- ConfigStore ----

func (s *MemStore) ByID(ctx context.Context, id int64) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemStore) ByCloudID(ctx context.Context, cloudID string) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.CloudID == cloudID {
			clone := *cfg
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) Save(ctx context.Context, cfg *Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == 0 {
		cfg.ID = s.id()
	}
	clone := *cfg
	s.configs[cfg.ID] = &clone
	return nil
}

// ---- TokenStore ----

func (s *MemStore) Active(ctx context.Context, configID int64) (*OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.ConfigID == configID && tok.Active {
			clone := *tok
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) Insert(ctx context.Context, tok *OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.ConfigID == tok.ConfigID {
			existing.Active = false
		}
	}
	tok.ID = s.id()
	tok.Active = true
	clone := *tok
	s.tokens[tok.ID] = &clone
	return nil
}

func (s *MemStore) Deactivate(ctx context.Context, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	tok.Active = false
	return nil
}

func (s *MemStore) PurgeInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, tok := range s.tokens {
		if !tok.Active && tok.IssuedAt.Before(cutoff) {
			delete(s.tokens, id)
			count++
		}
	}
	return count, nil
}

// ActiveTokenCount reports how many active tokens exist for a configuration.
// Test helper for the single-active invariant.
func (s *MemStore) ActiveTokenCount(configID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, tok := range s.tokens {
		if tok.ConfigID == configID && tok.Active {
			count++
		}
	}
	return count
}

// ---- MappingStore ----

func (s *MemStore) Get(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingKey(configID, kind, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *MemStore) FindOrCreate(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(configID, kind, externalID)
	if m, ok := s.mappings[key]; ok {
		clone := *m
		return &clone, nil
	}
	now := time.Now()
	m := &EntityMapping{
		ID:         s.id(),
		ConfigID:   configID,
		Kind:       kind,
		ExternalID: externalID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mappings[key] = m
	clone := *m
	return &clone, nil
}

func (s *MemStore) Update(ctx context.Context, m *EntityMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(m.ConfigID, m.Kind, m.ExternalID)
	if _, ok := s.mappings[key]; !ok {
		return ErrNotFound
	}
	clone := *m
	clone.UpdatedAt = time.Now()
	s.mappings[key] = &clone
	return nil
}

func (s *MemStore) ListNeedingUpdate(ctx context.Context, configID int64, limit int) ([]*EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EntityMapping
	for _, m := range s.mappings {
		if m.ConfigID == configID && m.NeedsUpdate {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- PaymentMethodStore ----

func (s *MemStore) ResolveJournal(ctx context.Context, configID int64, method, paymentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var methodMatch, defaultMatch *PaymentMethodMapping
	for _, m := range s.methods {
		if m.ConfigID != configID {
			continue
		}
		if m.Method == method && m.PaymentID == paymentID && paymentID != "" {
			return m.JournalID, nil
		}
		if m.Method == method && m.PaymentID == "" && methodMatch == nil {
			methodMatch = m
		}
		if m.IsDefault && defaultMatch == nil {
			defaultMatch = m
		}
	}
	if methodMatch != nil {
		return methodMatch.JournalID, nil
	}
	if defaultMatch != nil {
		return defaultMatch.JournalID, nil
	}
	return "", validationErrorf("no journal configured for payment method %q", method)
}

func (s *MemStore) SaveMethodMapping(ctx context.Context, m *PaymentMethodMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.methods {
		if existing.ConfigID == m.ConfigID && existing.Method == m.Method && existing.PaymentID == m.PaymentID {
			clone := *m
			clone.ID = existing.ID
			s.methods[i] = &clone
			m.ID = existing.ID
			return nil
		}
	}
	m.ID = s.id()
	clone := *m
	s.methods = append(s.methods, &clone)
	return nil
}

func (s *MemStore) ListMethodMappings(ctx context.Context, configID int64) ([]*PaymentMethodMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PaymentMethodMapping
	for _, m := range s.methods {
		if m.ConfigID == configID {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ---- AuditLog ----

func (s *MemStore) Append(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	clone := *entry
	s.audit = append(s.audit, &clone)
	return nil
}

func (s *MemStore) Recent(ctx context.Context, configID int64, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].ConfigID == configID {
			clone := *s.audit[i]
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*AuditEntry
	var removed int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(cutoff) && e.Status != AuditError {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

// ---- RecordStore: partners ----

func (s *MemStore) PartnerByID(ctx context.Context, id string) (*Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemStore) PartnerByExternalID(ctx context.Context, companyID, externalID string) (*Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, p := range s.partners {
		if p.CompanyID == companyID && p.ExternalID == externalID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) CreatePartner(ctx context.Context, p *Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	clone := *p
	s.partners[p.ID] = &clone
	return nil
}

func (s *MemStore) UpdatePartner(ctx context.Context, p *Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partners[p.ID]; !ok {
		return ErrNotFound
	}
	clone := *p
	clone.UpdatedAt = time.Now()
	s.partners[p.ID] = &clone
	return nil
}

func (s *MemStore) ArchivePartner(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

// ---- RecordStore: products ----

func (s *MemStore) ProductByExternalID(ctx context.Context, companyID, externalID string) (*ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, p := range s.products {
		if p.CompanyID == companyID && p.ExternalID == externalID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ProductBySKU(ctx context.Context, companyID, sku string) (*ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sku == "" {
		return nil, ErrNotFound
	}
	for _, p := range s.products {
		if p.CompanyID == companyID && p.SKU == sku {
			clone := *p
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ProductByBarcode(ctx context.Context, companyID, barcode string) (*ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if barcode == "" {
		return nil, ErrNotFound
	}
	for _, p := range s.products {
		if p.CompanyID == companyID && p.Barcode == barcode {
			clone := *p
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) CreateProduct(ctx context.Context, p *ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	clone := *p
	s.products[p.ID] = &clone
	return nil
}

func (s *MemStore) UpdateProduct(ctx context.Context, p *ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return ErrNotFound
	}
	clone := *p
	clone.UpdatedAt = time.Now()
	s.products[p.ID] = &clone
	return nil
}

func (s *MemStore) ArchiveProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

// ---- RecordStore: sale orders ----

func (s *MemStore) OrderByID(ctx context.Context, id uuid.UUID) (*SaleOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *o
	clone.Lines = append([]SaleOrderLine(nil), o.Lines...)
	return &clone, nil
}

func (s *MemStore) CreateOrder(ctx context.Context, o *SaleOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	clone := *o
	clone.Lines = append([]SaleOrderLine(nil), o.Lines...)
	s.orders[o.ID] = &clone
	return nil
}

func (s *MemStore) UpdateOrder(ctx context.Context, o *SaleOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	existing.PartnerID = o.PartnerID
	existing.Reference = o.Reference
	existing.OrderType = o.OrderType
	existing.Note = o.Note
	existing.Lines = append([]SaleOrderLine(nil), o.Lines...)
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) ConfirmOrder(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.State == StateDraft {
		o.State = StateConfirmed
	}
	return nil
}

func (s *MemStore) CancelOrder(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.State = StateCancelled
	return nil
}

// ---- RecordStore: invoices ----

func (s *MemStore) InvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inv
	return &clone, nil
}

func (s *MemStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	clone := *inv
	s.invoices[inv.ID] = &clone
	return nil
}

func (s *MemStore) PostInvoice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.State == StateDraft {
		inv.State = StatePosted
	}
	return nil
}

func (s *MemStore) CancelInvoice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.State == StateDraft {
		inv.State = StateCancelled
	}
	return nil
}

func (s *MemStore) ReverseInvoice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	if inv.State == StatePosted {
		inv.State = StateReversed
	}
	return nil
}

// ---- RecordStore: payments ----

func paymentKey(companyID, externalID string) string {
	return companyID + "|" + externalID
}

func (s *MemStore) PaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemStore) PaymentByExternalID(ctx context.Context, companyID, externalID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPayment[paymentKey(companyID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.payments[id]
	return &clone, nil
}

func (s *MemStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	clone := *p
	s.payments[p.ID] = &clone
	s.byPayment[paymentKey(p.CompanyID, p.ExternalID)] = p.ID
	return nil
}

func (s *MemStore) PostPayment(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.State == StateDraft {
		p.State = StatePosted
	}
	return nil
}

func (s *MemStore) ReconcilePayment(ctx context.Context, paymentID, invoiceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.State == StatePosted {
		p.Reconciled = true
		p.InvoiceID = invoiceID
	}
	return nil
}

func (s *MemStore) CancelPayment(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	if !p.Reconciled {
		p.State = StateCancelled
	}
	return nil
}
