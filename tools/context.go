package tools

import (
	"context"
	"strings"
)

type contextKey string

const originContextKey contextKey = "tools.origin_group"

// WithOrigin records the group a scheduled run was issued for. Write tools
// use it to decide whether the invocation is management-authorized.
func WithOrigin(ctx context.Context, group string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	group = strings.TrimSpace(group)
	if group == "" {
		return ctx
	}
	return context.WithValue(ctx, originContextKey, group)
}

// OriginFromContext returns the originating group, or "" when none was set.
func OriginFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, ok := ctx.Value(originContextKey).(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
