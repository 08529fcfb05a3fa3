// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

// Entity kind constants for mapping and audit records
const (
	EntityCustomer = "customer"
	EntityProduct  = "product"
	EntityOrder    = "order"
)

// Sync status constants for entity mappings
const (
	StatusPending   = "pending"
	StatusSynced    = "synced"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusDeleted   = "deleted"
)

// Audit action constants
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSkip   = "skip"
)

// Audit status constants
const (
	AuditSuccess = "success"
	AuditWarning = "warning"
	AuditError   = "error"
)

// Order type constants produced by classification
const (
	OrderTypeOnSite   = "on_site"
	OrderTypeTakeaway = "takeaway"
	OrderTypeDelivery = "delivery"
	OrderTypeOther    = "other"
)

// Order filter policies
const (
	FilterOnSiteOnly   = "on_site_only"
	FilterAll          = "all"
	FilterTakeawayOnly = "takeaway_only"
)

// Local record states shared by sale orders, invoices and payments
const (
	StateDraft     = "draft"
	StateConfirmed = "confirmed"
	StatePosted    = "posted"
	StateCancelled = "cancelled"
	StateReversed  = "reversed"
)

// Webhook event constants
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)
