package services

import "context"

type contextKey string

const (
	jobIDKey     contextKey = "job_id"
	assetIDKey   contextKey = "asset_id"
	exportIDKey  contextKey = "export_id"
	stageKey     contextKey = "stage"
	requestIDKey contextKey = "request_id"
	clientKey    contextKey = "client_addr"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithJobID annotates context with the job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	return withString(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job identifier if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, jobIDKey)
}

// WithAssetID annotates context with the asset identifier.
func WithAssetID(ctx context.Context, id string) context.Context {
	return withString(ctx, assetIDKey, id)
}

// AssetIDFromContext extracts the asset identifier if present.
func AssetIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, assetIDKey)
}

// WithExportID annotates context with the export identifier.
func WithExportID(ctx context.Context, id string) context.Context {
	return withString(ctx, exportIDKey, id)
}

// ExportIDFromContext extracts the export identifier if present.
func ExportIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, exportIDKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

// WithClientAddr records the remote host a request came from.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return withString(ctx, clientKey, addr)
}

// ClientAddrFromContext returns the remote host if present.
func ClientAddrFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, clientKey)
}
