// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EntityMapping links one upstream entity to its local records and carries
// the sync state machine for it. A mapping is created pending on first
// sight of an entity and survives every later event for the same
// (configuration, kind, external id) triple.
type EntityMapping struct {
	ID         int64
	ConfigID   int64
	Kind       string // EntityCustomer, EntityProduct, EntityOrder
	ExternalID string

	// Local record links. Orders use all three; customers and products only
	// RecordID.
	RecordID   string
	OrderID    *uuid.UUID
	InvoiceID  *uuid.UUID
	PaymentIDs []uuid.UUID

	// Snapshot is the canonicalized upstream payload of the last successful
	// sync; a byte-equal payload on a later event is a no-op.
	Snapshot []byte

	// Status is one of StatusPending, StatusSynced, StatusError,
	// StatusCancelled, StatusDeleted. Cancelled and deleted are terminal.
	Status          string
	SyncError       string
	NeedsUpdate     bool
	DeletedUpstream bool

	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the mapping accepts no further sync work.
func (m *EntityMapping) Terminal() bool {
	return m.Status == StatusCancelled || m.Status == StatusDeleted
}

// Unchanged reports whether payload matches the snapshot of the last
// successful sync. Only a synced mapping can short-circuit; an errored or
// pending mapping must always be retried.
func (m *EntityMapping) Unchanged(payload []byte) bool {
	if m.Status != StatusSynced || m.NeedsUpdate {
		return false
	}
	return len(m.Snapshot) > 0 && string(m.Snapshot) == string(payload)
}

// MarkSynced records a successful sync against payload.
func (m *EntityMapping) MarkSynced(payload []byte, now time.Time) {
	m.Status = StatusSynced
	m.Snapshot = payload
	m.SyncError = ""
	m.NeedsUpdate = false
	m.LastSyncedAt = &now
}

// MarkError records a failed sync; the mapping stays retryable.
func (m *EntityMapping) MarkError(err error) {
	m.Status = StatusError
	m.SyncError = truncate(err.Error(), 500)
	m.NeedsUpdate = true
}

// MarkCancelled moves the mapping to its terminal state after the local
// record cascade for an upstream deletion. Used for orders, whose sale
// order, invoice and payments get cancelled or reversed.
func (m *EntityMapping) MarkCancelled(now time.Time) {
	m.Status = StatusCancelled
	m.DeletedUpstream = true
	m.SyncError = ""
	m.NeedsUpdate = false
	m.LastSyncedAt = &now
}

// MarkDeleted moves the mapping to its terminal state after an upstream
// deletion that only archives the local record. Used for customers and
// products.
func (m *EntityMapping) MarkDeleted(now time.Time) {
	m.Status = StatusDeleted
	m.DeletedUpstream = true
	m.SyncError = ""
	m.NeedsUpdate = false
	m.LastSyncedAt = &now
}

// MappingStore persists entity mappings. (config id, kind, external id) is
// unique.
type MappingStore interface {
	// Get returns the mapping for the triple, or ErrNotFound.
	Get(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error)

	// FindOrCreate returns the existing mapping for the triple or inserts a
	// new pending one.
	FindOrCreate(ctx context.Context, configID int64, kind, externalID string) (*EntityMapping, error)

	// Update persists all mutable fields of m.
	Update(ctx context.Context, m *EntityMapping) error

	// ListNeedingUpdate returns mappings flagged for retry, oldest first,
	// up to limit.
	ListNeedingUpdate(ctx context.Context, configID int64, limit int) ([]*EntityMapping, error)
}
