package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmynk/payflow/internal/models"
)

const instrumentationName = "github.com/mmynk/payflow/internal/telemetry"

// Sink persists audit entries.
type Sink interface {
	RecordAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

// Event is a business event worth auditing.
type Event struct {
	Type      string
	EntityID  string
	UserID    string
	Data      map[string]any
	Timestamp time.Time
}

// ErrorEvent is a failure worth auditing.
type ErrorEvent struct {
	Type      string
	EntityID  string
	UserID    string
	Err       error
	Data      map[string]any
	Timestamp time.Time
}

// Span is one named step inside a trace.
type Span struct {
	Name string
	Data map[string]any
	At   time.Time
}

// TraceSummary describes a finished trace.
type TraceSummary struct {
	ID        string
	Operation string
	Success   bool
	Duration  time.Duration
	Spans     []Span
	Result    map[string]any
}

type activeTrace struct {
	id        string
	operation string
	started   time.Time
	metadata  map[string]any
	spans     []Span
	span      trace.Span
}

// Recorder records audit events, errors, counters and traces. It is safe
// for concurrent use by many payments.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	mu       sync.Mutex
	counters map[string]int64
	traces   map[string]*activeTrace
	closed   bool

	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	errors    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink sets the audit sink. Without one, entries are only logged.
func WithSink(sink Sink) Option {
	return func(r *Recorder) { r.sink = sink }
}

// WithLogger overrides the slog logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithTracer overrides the OpenTelemetry tracer (default: global provider).
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Recorder) { r.tracer = tracer }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// NewRecorder creates a Recorder with its own Prometheus registry.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		counters: make(map[string]int64),
		traces:   make(map[string]*activeTrace),
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "events_total",
			Help:      "Audit events recorded, by event type.",
		}, []string{"event_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "errors_total",
			Help:      "Errors recorded, by error type.",
		}, []string{"error_type"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payflow",
			Name:      "trace_duration_seconds",
			Help:      "Duration of traced operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(instrumentationName)
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	r.registry.MustRegister(r.events, r.errors, r.durations)
	return r
}

// Registry returns the Prometheus registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// LogEvent records a business event.
func (r *Recorder) LogEvent(ctx context.Context, evt Event) {
	if r == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.clock().UTC()
	}
	r.Increment("events."+evt.Type, 1)
	r.events.WithLabelValues(evt.Type).Inc()
	trace.SpanFromContext(ctx).AddEvent(evt.Type, trace.WithAttributes(attributes(evt.Data)...))

	r.logger.Debug("Event recorded",
		"event_type", evt.Type,
		"entity_id", evt.EntityID,
		"user_id", evt.UserID,
	)

	r.persist(ctx, models.AuditEntry{
		ID:        uuid.NewString(),
		Kind:      models.AuditEvent,
		Type:      evt.Type,
		EntityID:  evt.EntityID,
		UserID:    evt.UserID,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
	})
}

// LogError records a failure.
func (r *Recorder) LogError(ctx context.Context, evt ErrorEvent) {
	if r == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.clock().UTC()
	}
	r.Increment("errors."+evt.Type, 1)
	r.errors.WithLabelValues(evt.Type).Inc()

	errText := ""
	if evt.Err != nil {
		errText = evt.Err.Error()
		span := trace.SpanFromContext(ctx)
		span.RecordError(evt.Err, trace.WithAttributes(attribute.String("error_type", evt.Type)))
	}

	r.logger.Warn("Error recorded",
		"error_type", evt.Type,
		"entity_id", evt.EntityID,
		"user_id", evt.UserID,
		"error", errText,
	)

	r.persist(ctx, models.AuditEntry{
		ID:        uuid.NewString(),
		Kind:      models.AuditError,
		Type:      evt.Type,
		EntityID:  evt.EntityID,
		UserID:    evt.UserID,
		Data:      evt.Data,
		Error:     errText,
		Timestamp: evt.Timestamp,
	})
}

func (r *Recorder) persist(ctx context.Context, entry models.AuditEntry) {
	if r.sink == nil {
		return
	}
	if err := r.sink.RecordAuditEntry(ctx, entry); err != nil {
		r.Increment("errors.audit_sink", 1)
		r.logger.Warn("Audit sink write failed",
			"entry_type", entry.Type,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}

// Increment adds delta to the named counter.
func (r *Recorder) Increment(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Counters returns a copy of all counters.
func (r *Recorder) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counters)
}

// Counter returns the value of one counter.
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// StartTrace begins a timed operation. The returned context carries the
// trace's OpenTelemetry span so nested work is parented under it.
// After Shutdown it returns the context unchanged and an empty id.
func (r *Recorder) StartTrace(ctx context.Context, operation string, metadata map[string]any) (context.Context, string) {
	if r == nil {
		return ctx, ""
	}
	ctx, span := r.tracer.Start(ctx, operation, trace.WithAttributes(attributes(metadata)...))

	t := &activeTrace{
		id:        uuid.NewString(),
		operation: operation,
		started:   r.clock(),
		metadata:  maps.Clone(metadata),
		span:      span,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		span.End()
		return ctx, ""
	}
	r.traces[t.id] = t
	r.mu.Unlock()

	return ctx, t.id
}

// AddSpan appends a named step to an active trace. Unknown ids are ignored.
func (r *Recorder) AddSpan(traceID, name string, data map[string]any) {
	if r == nil || traceID == "" {
		return
	}
	now := r.clock()

	r.mu.Lock()
	t, ok := r.traces[traceID]
	if ok {
		t.spans = append(t.spans, Span{Name: name, Data: maps.Clone(data), At: now})
	}
	r.mu.Unlock()

	if ok {
		t.span.AddEvent(name, trace.WithAttributes(attributes(data)...))
	}
}

// EndTrace finishes an active trace and removes it from the active table.
// It returns false when the id is unknown (already ended or never started).
func (r *Recorder) EndTrace(traceID string, success bool, result map[string]any) (TraceSummary, bool) {
	if r == nil || traceID == "" {
		return TraceSummary{}, false
	}

	r.mu.Lock()
	t, ok := r.traces[traceID]
	delete(r.traces, traceID)
	r.mu.Unlock()
	if !ok {
		return TraceSummary{}, false
	}

	duration := r.clock().Sub(t.started)
	r.finish(t, success, result, duration)

	return TraceSummary{
		ID:        t.id,
		Operation: t.operation,
		Success:   success,
		Duration:  duration,
		Spans:     t.spans,
		Result:    result,
	}, true
}

func (r *Recorder) finish(t *activeTrace, success bool, result map[string]any, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
		t.span.SetStatus(otelcodes.Error, fmt.Sprintf("%s failed", t.operation))
	} else {
		t.span.SetStatus(otelcodes.Ok, "")
	}
	t.span.SetAttributes(attributes(result)...)
	t.span.End()

	r.durations.WithLabelValues(t.operation, outcome).Observe(duration.Seconds())
	r.Increment("traces."+t.operation+"."+outcome, 1)
}

// ActiveTraces returns the number of traces started but not yet ended.
func (r *Recorder) ActiveTraces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

// Shutdown ends every active trace as unsuccessful and stops tracking new
// ones. Counters remain readable.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pending := r.traces
	r.traces = make(map[string]*activeTrace)
	r.closed = true
	r.mu.Unlock()

	now := r.clock()
	for _, t := range pending {
		r.finish(t, false, map[string]any{"aborted": true}, now.Sub(t.started))
	}
	if len(pending) > 0 {
		r.logger.Info("Recorder shutdown aborted active traces", "count", len(pending))
	}
	return ctx.Err()
}

// attributes converts a metadata map to OpenTelemetry attributes in key order.
func attributes(data map[string]any) []attribute.KeyValue {
	if len(data) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(data))
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := data[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case fmt.Stringer:
			attrs = append(attrs, attribute.String(k, v.String()))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}
