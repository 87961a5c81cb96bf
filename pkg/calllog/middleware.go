// Package calllog logs every endpoint invocation: action, caller, duration
// and outcome. Entries go to the process logger only, nothing is persisted.
package calllog

import (
	"context"
	"log/slog"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hazyhaar/employee-mcp/pkg/kit"
)

// Middleware wraps an Endpoint: measures duration and logs the outcome at
// info on success, error on failure.
func Middleware(logger *slog.Logger, action string) kit.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			start := time.Now()

			resp, err := next(ctx, request)

			attrs := []slog.Attr{
				slog.String("action", action),
				slog.String("transport", kit.GetTransport(ctx)),
				slog.String("request_id", kit.GetRequestID(ctx)),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if uid := kit.GetUserID(ctx); uid != "" {
				attrs = append(attrs, slog.String("user_id", uid))
			}
			if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
				attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
			}

			if err != nil {
				attrs = append(attrs, slog.String("status", "error"), slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "tool call", attrs...)
			} else {
				attrs = append(attrs, slog.String("status", "success"))
				logger.LogAttrs(ctx, slog.LevelInfo, "tool call", attrs...)
			}
			return resp, err
		}
	}
}
