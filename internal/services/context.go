package services

import "context"

type contextKey string

const (
	itemKey      contextKey = "item"
	phaseKey     contextKey = "phase"
	requestIDKey contextKey = "request_id"
)

// WithItem annotates context with the work-item identifier.
func WithItem(ctx context.Context, item string) context.Context {
	if item == "" {
		return ctx
	}
	return context.WithValue(ctx, itemKey, item)
}

// ItemFromContext extracts the work-item identifier if present.
func ItemFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(itemKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithPhase annotates context with the pipeline phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	if phase == "" {
		return ctx
	}
	return context.WithValue(ctx, phaseKey, phase)
}

// PhaseFromContext returns the phase name if present.
func PhaseFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(phaseKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
