package logger

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
)

// AsyncHandler buffers records and hands them to the next handler from a
// single background goroutine, so callers never block on I/O.
type AsyncHandler struct {
	next    slog.Handler
	records chan slog.Record
	drop    bool
}

// NewAsyncHandler wraps next with a buffered channel of the given size. When
// dropOnFull is true, records are discarded instead of blocking the caller
// once the buffer is full; otherwise Handle blocks until there is room.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	h := &AsyncHandler{
		next:    next,
		records: make(chan slog.Record, bufferSize),
		drop:    dropOnFull,
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	for r := range h.records {
		_ = h.next.Handle(context.Background(), r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.drop {
		select {
		case h.records <- r:
		default:
			// buffer full, drop rather than block the caller
		}
		return nil
	}
	h.records <- r
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records, drop: h.drop}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records, drop: h.drop}
}

// redactedKeys are attribute keys whose values are replaced with a fixed
// placeholder before reaching the sink, regardless of nesting depth.
var redactedKeys = map[string]struct{}{
	"password":    {},
	"token":       {},
	"email":       {},
	"content":     {},
	"message_body": {},
	"authorization": {},
}

// RedactHandler scrubs attribute values for keys known to carry PII or
// message bodies before delegating to next.
type RedactHandler struct {
	next slog.Handler
}

func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func redactAttr(a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = redactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(out)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}

// SamplingHandler drops a fraction of records below Warn to reduce volume
// under load. Warn and above always pass through.
type SamplingHandler struct {
	next slog.Handler
	rate float64
}

func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{next: next, rate: rate}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || rand.Float64() < h.rate {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate}
}
