package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type clientIDKey struct{}
type projectIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithClientID attaches the session client id to the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID extracts the session client id. Returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithProjectID attaches a project_id to the context.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey{}, projectID)
}

// ProjectID extracts project_id from context. Returns "" if absent.
func ProjectID(ctx context.Context) string {
	if v, ok := ctx.Value(projectIDKey{}).(string); ok {
		return v
	}
	return ""
}

// DefaultProjectID scopes entities created without an explicit project.
const DefaultProjectID = "default"
