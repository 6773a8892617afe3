/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package presence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	joins             metric.Int64Counter
	heartbeats        metric.Int64Counter
	heartbeatFailures metric.Int64Counter
	reaped            metric.Int64Counter
	reconciles        metric.Int64Counter
	feedGaps          metric.Int64Counter
	reconcileDuration metric.Float64Histogram
}

// NewMetrics registers the instruments on meter, or on the global
// "lobbybox/presence" meter when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("lobbybox/presence")
	}

	var (
		m   Metrics
		err error
	)

	if m.joins, err = meter.Int64Counter("lobby_joins_total",
		metric.WithDescription("Join attempts by outcome")); err != nil {
		return nil, err
	}
	if m.heartbeats, err = meter.Int64Counter("lobby_heartbeats_total",
		metric.WithDescription("Successful heartbeats")); err != nil {
		return nil, err
	}
	if m.heartbeatFailures, err = meter.Int64Counter("lobby_heartbeat_failures_total",
		metric.WithDescription("Failed heartbeats")); err != nil {
		return nil, err
	}
	if m.reaped, err = meter.Int64Counter("lobby_reaped_total",
		metric.WithDescription("Stale records removed by sweeps")); err != nil {
		return nil, err
	}
	if m.reconciles, err = meter.Int64Counter("lobby_reconciles_total",
		metric.WithDescription("Reconciliation passes by outcome")); err != nil {
		return nil, err
	}
	if m.feedGaps, err = meter.Int64Counter("lobby_feed_gaps_total",
		metric.WithDescription("Change feed interruptions")); err != nil {
		return nil, err
	}
	if m.reconcileDuration, err = meter.Float64Histogram("lobby_reconcile_duration_seconds",
		metric.WithDescription("Duration of reconciliation passes")); err != nil {
		return nil, err
	}

	return &m, nil
}

func outcome(err error) metric.AddOption {
	result := "ok"
	if err != nil {
		result = "error"
	}
	return metric.WithAttributes(attribute.String("result", result))
}

func (m *Metrics) join(err error) {
	if m == nil {
		return
	}
	m.joins.Add(context.Background(), 1, outcome(err))
}

func (m *Metrics) heartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.heartbeatFailures.Add(context.Background(), 1)
		return
	}
	m.heartbeats.Add(context.Background(), 1)
}

func (m *Metrics) reap(n int) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.Add(context.Background(), int64(n))
}

func (m *Metrics) reconcile(started time.Time, err error) {
	if m == nil {
		return
	}
	m.reconciles.Add(context.Background(), 1, outcome(err))
	m.reconcileDuration.Record(context.Background(), time.Since(started).Seconds())
}

func (m *Metrics) gap() {
	if m == nil {
		return
	}
	m.feedGaps.Add(context.Background(), 1)
}
