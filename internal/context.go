package internal

import (
	"context"
	"time"
)

type ctxKey string

const (
	ContextUserKey    ctxKey = "userID"
	ContextNetworkKey ctxKey = "network"
)

// NetworkMetadata describes the caller of an inbound request. It is copied onto
// every transaction log entry written while serving that request.
type NetworkMetadata struct {
	ClientIP  string
	UserAgent string
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(ContextUserKey).(string); ok {
		return userID
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserKey, userID)
}

func NetworkFromContext(ctx context.Context) NetworkMetadata {
	if ctx == nil {
		return NetworkMetadata{}
	}
	if meta, ok := ctx.Value(ContextNetworkKey).(NetworkMetadata); ok {
		return meta
	}
	return NetworkMetadata{}
}

func ContextWithNetwork(ctx context.Context, meta NetworkMetadata) context.Context {
	return context.WithValue(ctx, ContextNetworkKey, meta)
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
