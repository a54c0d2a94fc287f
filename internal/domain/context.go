package domain

import "context"

type ctxKey string

const (
	tabCtxKey    ctxKey = "tab_id"
	clientCtxKey ctxKey = "client"
)

// ContextWithTabID returns a new context carrying the tab ID (ULID).
func ContextWithTabID(ctx context.Context, tabID string) context.Context {
	return context.WithValue(ctx, tabCtxKey, tabID)
}

// TabIDFromContext extracts the tab ID from the context.
// Returns empty string if not set.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithClient records which host client (gateway token name, "mcp",
// "cli") issued the call. It ends up as the Actor of audit events.
func ContextWithClient(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, clientCtxKey, name)
}

// ClientFromContext returns the client name, or "local" when none was set.
func ClientFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientCtxKey).(string); ok && v != "" {
		return v
	}
	return "local"
}
