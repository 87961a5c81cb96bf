// Package trace records SQL statements as they run.
//
// Every statement gets one slog line, whose level depends on the outcome:
// debug when it succeeds, warn when it is slower than SlowThreshold, error
// when it fails. It also gets an OpenTelemetry span, so when a tracer
// provider is installed the span's trace_id ties the log line to the tool
// call that issued it.
//
// Usage:
//
//	rec := trace.NewRecorder(logger, "sqlite")
//	ctx, done := rec.Start(ctx, "Exec", query)
//	_, err := conn.ExecContext(ctx, query, args...)
//	done(err)
package trace

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hazyhaar/employee-mcp/pkg/kit"
)

const (
	instrumentation = "github.com/hazyhaar/employee-mcp/pkg/trace"
	SlowThreshold   = 100 * time.Millisecond
)

// Recorder logs and spans SQL operations.
type Recorder struct {
	logger *slog.Logger
	tracer oteltrace.Tracer
	system string
}

// NewRecorder uses the global tracer provider, so spans become real once
// main installs one.
func NewRecorder(logger *slog.Logger, system string) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger: logger,
		tracer: otel.Tracer(instrumentation),
		system: system,
	}
}

// Start opens a span for op and returns the span context plus a completion
// func that must be called with the statement's error.
func (r *Recorder) Start(ctx context.Context, op, query string) (context.Context, func(error)) {
	ctx, span := r.tracer.Start(ctx, "sql."+op,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("db.system", r.system),
			attribute.String("db.statement", query),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.Record(ctx, op, query, time.Since(start), err)
	}
}

// Record logs a SQL operation with timing and optional error.
func (r *Recorder) Record(ctx context.Context, op, query string, d time.Duration, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	} else if d > SlowThreshold {
		level = slog.LevelWarn
	}
	if !r.logger.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", query),
		slog.Duration("duration", d),
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	if id := kit.GetRequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	r.logger.LogAttrs(ctx, level, "SQL", attrs...)
}

// Middleware opens a server span around each endpoint call so the SQL spans
// it issues share one trace.
func Middleware(action string) kit.Middleware {
	tracer := otel.Tracer(instrumentation)
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			ctx, span := tracer.Start(ctx, "tool."+action,
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(
					attribute.String("mcp.tool", action),
					attribute.String("request_id", kit.GetRequestID(ctx)),
				),
			)
			defer span.End()

			resp, err := next(ctx, request)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return resp, err
		}
	}
}
