package automation

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope = "homedash/automation"

	spanDispatch = "automation.dispatch"
	spanFire     = "automation.fire"

	metricDispatched = "homedash.automation.actions.dispatched"
	metricFailed     = "homedash.automation.actions.failed"
	metricRuns       = "homedash.automation.runs"
	metricDropped    = "homedash.automation.events.dropped"
	metricRunLatency = "homedash.automation.run.duration"
)

func tracer() trace.Tracer {
	return otel.Tracer(otelScope)
}

// instruments creates counters from the global meter provider, falling back
// to no-ops so a misconfigured exporter never stops the engine.
type instruments struct {
	meter  metric.Meter
	logger Logger
}

func newInstruments(logger Logger) instruments {
	return instruments{meter: otel.Meter(otelScope), logger: logger}
}

func (i instruments) counter(name, desc string) metric.Int64Counter {
	c, err := i.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		i.logger.Error("creating OTel counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

func (i instruments) histogram(name, desc, unit string) metric.Int64Histogram {
	h, err := i.meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		i.logger.Error("creating OTel histogram", "name", name, "error", err)
		return noop.Int64Histogram{}
	}
	return h
}
