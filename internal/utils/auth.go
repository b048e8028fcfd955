package utils

import (
	"context"

	"warimas-backoffice/internal/auth"
)

type contextKey string

const callerKey contextKey = "caller"

// SetCallerContext stores the authenticated caller (called by middleware).
func SetCallerContext(ctx context.Context, c auth.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCallerFromContext retrieves the caller safely.
func GetCallerFromContext(ctx context.Context) (auth.Caller, bool) {
	c, ok := ctx.Value(callerKey).(auth.Caller)
	return c, ok && c.UserID != 0
}

// GetUserIDFromContext retrieves the caller's user id safely.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	c, ok := GetCallerFromContext(ctx)
	return c.UserID, ok
}
