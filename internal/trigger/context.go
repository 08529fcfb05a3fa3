// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package trigger

import "context"

type contextKey string

const (
	sourceKey  contextKey = "trigger_source"
	cloudIDKey contextKey = "cloud_id"
)

// Sources of a reconciliation run.
const (
	SourceWebhook = "webhook"
	SourcePull    = "pull"
	SourceManual  = "manual"
)

// WithSource stores the trigger source in the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// Source extracts the trigger source from the context; empty when unset.
func Source(ctx context.Context) string {
	source, _ := ctx.Value(sourceKey).(string)
	return source
}

// WithCloudID stores the originating cloud id in the context.
func WithCloudID(ctx context.Context, cloudID string) context.Context {
	return context.WithValue(ctx, cloudIDKey, cloudID)
}

// CloudID extracts the originating cloud id from the context.
func CloudID(ctx context.Context) (string, bool) {
	cloudID, ok := ctx.Value(cloudIDKey).(string)
	return cloudID, ok && cloudID != ""
}
