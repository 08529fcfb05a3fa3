// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window quota per configuration: at most N
// admissions within any trailing period. Admission and recording happen
// under the same lock, so the window can never hold more timestamps than
// the quota allows.
type RateLimiter struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[int64]*rateWindow
}

type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewRateLimiter creates a limiter with independent windows per
// configuration.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:  logger,
		now:     time.Now,
		windows: make(map[int64]*rateWindow),
	}
}

func (r *RateLimiter) window(configID int64) *rateWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[configID]
	if !ok {
		w = &rateWindow{}
		r.windows[configID] = w
	}
	return w
}

// prune drops timestamps that have slid out of the trailing period. Callers
// hold w.mu.
func (w *rateWindow) prune(now time.Time, period time.Duration) {
	cutoff := now.Add(-period)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Admit blocks until the quota allows another request, records the admission,
// and returns. When the context expires before a slot opens it returns
// ErrRateLimited. The admission timestamp is appended before the lock is
// released, so concurrent callers cannot overshoot the quota.
func (r *RateLimiter) Admit(ctx context.Context, cfg *Configuration) error {
	quota, period := cfg.Quota()
	w := r.window(cfg.ID)

	for {
		w.mu.Lock()
		now := r.now()
		w.prune(now, period)
		if len(w.stamps) < quota {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Add(period).Sub(now)
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if deadline, ok := ctx.Deadline(); ok && r.now().Add(wait).After(deadline) {
			r.logger.Warn("Rate limit wait exceeds deadline",
				"cloud_id", cfg.CloudID, "wait", wait)
			return ErrRateLimited
		}
		r.logger.Debug("Rate limit reached, waiting",
			"cloud_id", cfg.CloudID, "wait", wait)
		if err := sleepWithContext(ctx, wait); err != nil {
			return ErrRateLimited
		}
	}
}

// Record appends a request timestamp without admission control. Used when a
// request was issued outside Admit (e.g. replaying a call after a token
// refresh) so the window still counts it.
func (r *RateLimiter) Record(cfg *Configuration) {
	_, period := cfg.Quota()
	w := r.window(cfg.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := r.now()
	w.prune(now, period)
	w.stamps = append(w.stamps, now)
}

// Remaining returns how many admissions the window currently allows.
func (r *RateLimiter) Remaining(cfg *Configuration) int {
	quota, period := cfg.Quota()
	w := r.window(cfg.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(r.now(), period)
	if n := quota - len(w.stamps); n > 0 {
		return n
	}
	return 0
}

// ResetAt returns when the oldest recorded request slides out of the window,
// or the zero time when the window is empty.
func (r *RateLimiter) ResetAt(cfg *Configuration) time.Time {
	_, period := cfg.Quota()
	w := r.window(cfg.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(r.now(), period)
	if len(w.stamps) == 0 {
		return time.Time{}
	}
	return w.stamps[0].Add(period)
}

// ClearHistory drops the window for a configuration. Intended for operator
// tooling, not the request path.
func (r *RateLimiter) ClearHistory(configID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, configID)
}

// sleepWithContext sleeps for d unless the context is done first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
