package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds every fleetd instrument.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	MutationDuration  metric.Float64Histogram
	EventsAppended    metric.Int64Counter
	InvariantRejects  metric.Int64Counter
	StorageErrors     metric.Int64Counter
	Deliveries        metric.Int64Counter
	DeliveryDrops     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	SessionMessages   metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	RelayErrors       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("fleet.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationDuration, err = meter.Float64Histogram("fleet.mutation.duration",
		metric.WithDescription("Validate, append and publish duration of one mutation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("fleet.events.appended",
		metric.WithDescription("Envelopes appended to the event log"),
	)
	if err != nil {
		return nil, err
	}

	m.InvariantRejects, err = meter.Int64Counter("fleet.invariant.rejects",
		metric.WithDescription("Mutations rejected by the invariant layer or a state machine"),
	)
	if err != nil {
		return nil, err
	}

	m.StorageErrors, err = meter.Int64Counter("fleet.storage.errors",
		metric.WithDescription("Appends that failed in the event log"),
	)
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("fleet.router.deliveries",
		metric.WithDescription("Envelopes handed to connection sinks"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDrops, err = meter.Int64Counter("fleet.router.drops",
		metric.WithDescription("Envelopes skipped because a sink was closed or full"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("fleet.connections.active",
		metric.WithDescription("Number of live session connections"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionMessages, err = meter.Int64Counter("fleet.session.messages",
		metric.WithDescription("Inbound session protocol messages"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("fleet.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayErrors, err = meter.Int64Counter("fleet.relay.errors",
		metric.WithDescription("Envelopes the stream relay failed to mirror"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
