package logging

import (
	"context"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const otelScope = "homedash"

// otelHandler forwards records to the wrapped handler and emits a copy
// through the global OTel logger.
type otelHandler struct {
	next   slog.Handler
	level  slog.Leveler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	group  string
}

func newOTelHandler(next slog.Handler, level slog.Leveler) *otelHandler {
	return &otelHandler{
		next:   next,
		level:  level,
		logger: global.GetLoggerProvider().Logger(otelScope),
	}
}

func (h *otelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *otelHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		h.logger.Emit(ctx, h.convert(r))
	}
	return h.next.Handle(ctx, r)
}

func (h *otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]otellog.KeyValue(nil), h.attrs...), toKeyValues(h.group, attrs)...)
	return &clone
}

func (h *otelHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.group = joinKey(h.group, name)
	return &clone
}

func (h *otelHandler) convert(r slog.Record) otellog.Record {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(toKeyValues(h.group, []slog.Attr{a})...)
		return true
	})
	return rec
}

func severity(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func toKeyValues(group string, attrs []slog.Attr) []otellog.KeyValue {
	out := make([]otellog.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		v := a.Value.Resolve()
		key := joinKey(group, a.Key)
		switch v.Kind() {
		case slog.KindGroup:
			out = append(out, toKeyValues(key, v.Group())...)
		case slog.KindBool:
			out = append(out, otellog.Bool(key, v.Bool()))
		case slog.KindInt64:
			out = append(out, otellog.Int64(key, v.Int64()))
		case slog.KindUint64:
			out = append(out, otellog.Int64(key, int64(v.Uint64()))) //nolint:gosec // log attribute, overflow is cosmetic
		case slog.KindFloat64:
			out = append(out, otellog.Float64(key, v.Float64()))
		default:
			out = append(out, otellog.String(key, v.String()))
		}
	}
	return out
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}
