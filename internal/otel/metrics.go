package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all of the daemon's metric instruments.
type Metrics struct {
	RunDuration      metric.Float64Histogram
	RunsTotal        metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	TokensUsed       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("jagcd.run.duration",
		metric.WithDescription("Run dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("jagcd.runs.total",
		metric.WithDescription("Total runs dispatched, labeled by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("jagcd.runs.active",
		metric.WithDescription("Number of runs currently dispatching"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("jagcd.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("jagcd.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("jagcd.agent.tokens",
		metric.WithDescription("Estimated tokens consumed by completed agent messages"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
