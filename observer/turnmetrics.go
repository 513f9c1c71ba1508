package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// turnMetrics derives turn counters from the pipeline's "turn" spans.
// The pipeline already records addressing and throttling as span
// attributes, so counting happens here instead of inside the engine.
type turnMetrics struct {
	inst *Instruments
}

var _ sdktrace.SpanProcessor = (*turnMetrics)(nil)

func newTurnMetrics(inst *Instruments) *turnMetrics {
	return &turnMetrics{inst: inst}
}

func (p *turnMetrics) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *turnMetrics) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.Name() != "turn" {
		return
	}

	var addressed, throttled bool
	for _, kv := range s.Attributes() {
		switch kv.Key {
		case "turn.addressed":
			addressed = kv.Value.AsBool()
		case "turn.throttled":
			throttled = kv.Value.AsBool()
		}
	}

	status := "ok"
	if s.Status().Code == codes.Error {
		status = "error"
	}

	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.Bool("addressed", addressed),
		attribute.String("status", status),
	)
	p.inst.Turns.Add(ctx, 1, attrs)
	if throttled {
		p.inst.Throttles.Add(ctx, 1)
	}
	p.inst.TurnDuration.Record(ctx, float64(s.EndTime().Sub(s.StartTime()).Milliseconds()), attrs)
}

func (p *turnMetrics) Shutdown(context.Context) error   { return nil }
func (p *turnMetrics) ForceFlush(context.Context) error { return nil }
