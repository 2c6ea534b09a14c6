package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "convoke"

// Metrics holds all Convoke metric instruments.
type Metrics struct {
	TasksAssigned    metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksCancelled   metric.Int64Counter
	VotesCast        metric.Int64Counter
	SessionsClosed   metric.Int64Counter
	BreakerTrips     metric.Int64Counter
	DispatchDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksAssigned, err = meter.Int64Counter("convoke.tasks.assigned",
		metric.WithDescription("Number of task assignments dispatched"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("convoke.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("convoke.tasks.failed",
		metric.WithDescription("Number of tasks failed, including timeouts"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("convoke.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled, including cascades"))
	if err != nil {
		return nil, err
	}

	m.VotesCast, err = meter.Int64Counter("convoke.votes.cast",
		metric.WithDescription("Number of ballots accepted"))
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("convoke.sessions.closed",
		metric.WithDescription("Number of voting sessions tallied"))
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("convoke.breaker.trips",
		metric.WithDescription("Number of agent circuit breaker openings"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("convoke.dispatch.duration_seconds",
		metric.WithDescription("Time from task submission to assignment"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
