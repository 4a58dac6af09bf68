package logging

import (
	"context"
	"log/slog"
	"time"
)

// AuditInfo is filled in by a host call handler so the middleware can log
// what was accessed and which permission rule decided it.
type AuditInfo struct {
	Driver       string
	Target       string
	PolicyEffect string
	PolicyRule   string
}

type auditKey struct{}

// WithAuditInfo attaches info to ctx.
func WithAuditInfo(ctx context.Context, info *AuditInfo) context.Context {
	return context.WithValue(ctx, auditKey{}, info)
}

// GetAuditInfo returns the AuditInfo attached to ctx, or nil.
func GetAuditInfo(ctx context.Context) *AuditInfo {
	info, _ := ctx.Value(auditKey{}).(*AuditInfo)
	return info
}

// HostCall performs one capability operation.
type HostCall func(ctx context.Context, op string) error

// Middleware wraps a HostCall.
type Middleware func(HostCall) HostCall

// NewHostCallMiddleware logs each call with its operation, duration and
// error state plus any audit fields the handler recorded. Failed calls
// are logged at warn level.
func NewHostCallMiddleware(logger *slog.Logger) Middleware {
	return func(next HostCall) HostCall {
		return func(ctx context.Context, op string) error {
			info := &AuditInfo{}
			ctx = WithAuditInfo(ctx, info)

			start := time.Now()
			err := next(ctx, op)

			attrs := []slog.Attr{
				slog.String("op", op),
				slog.String("direction", "guest"),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.Bool("error", err != nil),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error_detail", err.Error()))
			}
			if info.Driver != "" {
				attrs = append(attrs, slog.String("driver", info.Driver))
			}
			if info.Target != "" {
				attrs = append(attrs, slog.String("target", info.Target))
			}
			if info.PolicyEffect != "" {
				attrs = append(attrs, slog.String("policy_effect", info.PolicyEffect))
			}
			if info.PolicyRule != "" {
				attrs = append(attrs, slog.String("policy_rule", info.PolicyRule))
			}

			level := slog.LevelDebug
			if err != nil {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "host call", attrs...)
			return err
		}
	}
}
