// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"time"
)

// Configuration holds one tenant's connection to a POS cloud. Created by an
// operator; the engine never deletes it.
type Configuration struct {
	ID        int64
	CloudID   string
	CompanyID string

	// OAuth client credentials
	ClientID     string
	ClientSecret string
	APIBaseURL   string

	// Webhook registration state
	WebhookSecret string
	WebhookID     string
	WebhookActive bool

	// Sync switches
	SyncCustomers bool
	SyncProducts  bool
	SyncOrders    bool

	// OrderFilter is one of FilterOnSiteOnly, FilterAll, FilterTakeawayOnly.
	OrderFilter string

	// ClassifyRules drive order-type detection; empty means
	// DefaultClassifyRules.
	ClassifyRules []ClassifyRule

	// Company defaults stamped onto synced orders
	DefaultSalesperson string
	DefaultWarehouse   string
	DefaultPricelist   string

	// DefaultPartnerID is the walk-in customer used when an order carries no
	// customer reference.
	DefaultPartnerID string

	// Rate limit quota: RateLimitRequests per RateLimitPeriod.
	RateLimitRequests int
	RateLimitPeriod   time.Duration

	// LookbackDays bounds how far order pulls reach into the past.
	LookbackDays int

	Active bool
}

// Default quota for the Dotypos API: ~150 requests per 30 minutes.
const (
	DefaultRateLimitRequests = 150
	DefaultRateLimitPeriod   = 1800 * time.Second
	DefaultLookbackDays      = 7
)

// Quota returns the configured rate quota, falling back to the API defaults.
func (c *Configuration) Quota() (int, time.Duration) {
	requests := c.RateLimitRequests
	if requests <= 0 {
		requests = DefaultRateLimitRequests
	}
	period := c.RateLimitPeriod
	if period <= 0 {
		period = DefaultRateLimitPeriod
	}
	return requests, period
}

// Lookback returns the configured pull window, falling back to the default.
func (c *Configuration) Lookback() int {
	if c.LookbackDays <= 0 {
		return DefaultLookbackDays
	}
	return c.LookbackDays
}

// ConfigStore persists configurations. (cloud id, company) is unique.
type ConfigStore interface {
	// ByID returns the configuration with the given id, or ErrNotFound.
	ByID(ctx context.Context, id int64) (*Configuration, error)

	// ByCloudID returns the configuration for a cloud id regardless of its
	// active flag, or ErrNotFound. Callers gate on Active themselves.
	ByCloudID(ctx context.Context, cloudID string) (*Configuration, error)

	// Save inserts cfg when its ID is zero and updates it otherwise,
	// assigning the generated id back onto cfg.
	Save(ctx context.Context, cfg *Configuration) error
}
