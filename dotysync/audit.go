// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"time"

	"github.com/Daricyos/dotykachka/internal/trigger"
)

// AuditEntry is one line of the sync audit trail.
type AuditEntry struct {
	ID          int64
	ConfigID    int64
	Kind        string
	ExternalID  string
	Action      string // ActionCreate, ActionUpdate, ActionDelete, ActionSkip
	Status      string // AuditSuccess, AuditWarning, AuditError
	Message     string
	TriggeredBy string // trigger.SourceWebhook, SourcePull, SourceManual
	CreatedAt   time.Time
}

// AuditLog persists the audit trail.
type AuditLog interface {
	// Append stores one entry. Append failures must not abort the sync that
	// produced them.
	Append(ctx context.Context, entry *AuditEntry) error

	// Recent returns the newest entries for a configuration, up to limit.
	Recent(ctx context.Context, configID int64, limit int) ([]*AuditEntry, error)

	// CleanupOld removes entries older than cutoff, keeping errored entries
	// regardless of age. Returns the removed count.
	CleanupOld(ctx context.Context, cutoff time.Time) (int64, error)
}

// newAuditEntry builds an entry stamped with the trigger source from ctx.
func newAuditEntry(ctx context.Context, configID int64, kind, externalID, action, status, message string) *AuditEntry {
	source := trigger.Source(ctx)
	if source == "" {
		source = trigger.SourceManual
	}
	return &AuditEntry{
		ConfigID:    configID,
		Kind:        kind,
		ExternalID:  externalID,
		Action:      action,
		Status:      status,
		Message:     message,
		TriggeredBy: source,
		CreatedAt:   time.Now(),
	}
}
