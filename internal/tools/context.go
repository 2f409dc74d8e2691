package tools

import "context"

type contextKey string

const fileIDKey contextKey = "file_id"

// WithFileID tags ctx with the receipt file being processed so handlers
// can attribute their log lines.
func WithFileID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, fileIDKey, id)
}

// FileIDFromContext returns the file id set by [WithFileID], or "" if
// none was set.
func FileIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(fileIDKey).(string); ok {
		return id
	}
	return ""
}
