package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the adaptive run ID
	RunIDKey ContextKey = "run_id"
	// PlanIDKey is the context key for the plan being run or adapted
	PlanIDKey ContextKey = "plan_id"
	// RoundKey is the context key for the execute-then-adapt round
	RoundKey ContextKey = "round"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	RunID   string
	PlanID  string
	Round   int
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithPlanID adds a plan ID to the context
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, PlanIDKey, planID)
}

// WithRound adds the round number to the context
func WithRound(ctx context.Context, round int) context.Context {
	return context.WithValue(ctx, RoundKey, round)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetPlanID retrieves the plan ID from the context
func GetPlanID(ctx context.Context) string {
	if planID, ok := ctx.Value(PlanIDKey).(string); ok {
		return planID
	}
	return ""
}

// GetRound retrieves the round number from the context, 0 when unset
func GetRound(ctx context.Context) int {
	if round, ok := ctx.Value(RoundKey).(int); ok {
		return round
	}
	return 0
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		RunID:   GetRunID(ctx),
		PlanID:  GetPlanID(ctx),
		Round:   GetRound(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.PlanID != "" {
		ctx = WithPlanID(ctx, tc.PlanID)
	}
	if tc.Round > 0 {
		ctx = WithRound(ctx, tc.Round)
	}
	return ctx
}

// NewRunContext starts an adaptive run of planID. The trace ID is kept when
// present so runs started from a traced request stay in the same trace.
func NewRunContext(ctx context.Context, planID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithPlanID(ctx, planID)
}

// LoggerFromContext adds the tracing fields of ctx to logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.PlanID == "" && tc.Round == 0 {
		return logger
	}

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.PlanID != "" {
		lc = lc.Str("planId", tc.PlanID)
	}
	if tc.Round > 0 {
		lc = lc.Int("round", tc.Round)
	}
	return lc.Logger()
}
