package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the gateway, engine, model,
// scheduler and hook dispatcher.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TurnDuration     metric.Float64Histogram
	ActiveTurns      metric.Int64UpDownCounter
	ModelStepsTotal  metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	HeartbeatTicks   metric.Int64Counter
	ScheduleRuns     metric.Int64Counter
	ScheduleFailures metric.Int64Counter
	HookFailures     metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var errs []error
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	count := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	active, err := meter.Int64UpDownCounter("capsule.turn.active", metric.WithDescription("Turns currently executing"))
	errs = append(errs, err)

	m := &Metrics{
		RequestDuration:  seconds("capsule.request.duration", "Gateway request duration"),
		TurnDuration:     seconds("capsule.turn.duration", "Turn duration from submit to final event"),
		ActiveTurns:      active,
		ModelStepsTotal:  count("capsule.model.steps", "Model steps across all turns"),
		ToolCallDuration: seconds("capsule.tool.duration", "Tool call duration"),
		ToolCallErrors:   count("capsule.tool.errors", "Tool calls that returned an error"),
		HeartbeatTicks:   count("capsule.heartbeat.ticks", "Heartbeat narrations emitted"),
		ScheduleRuns:     count("capsule.schedule.runs", "Scheduled executions started"),
		ScheduleFailures: count("capsule.schedule.failures", "Scheduled executions that failed"),
		HookFailures:     count("capsule.hook.failures", "Hook deliveries that failed"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}
