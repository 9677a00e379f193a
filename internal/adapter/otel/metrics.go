// Package otel provides OpenTelemetry metrics for the scheduling core.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "missioncore"

// Metrics holds all scheduling metric instruments. It satisfies the
// coordinator's Metrics interface.
type Metrics struct {
	tasksPublished metric.Int64Counter
	tasksSucceeded metric.Int64Counter
	tasksFailed    metric.Int64Counter
	missionsEnded  metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksPublished, err = meter.Int64Counter("missioncore.tasks.published",
		metric.WithDescription("Number of tasks published to the delivery channel"))
	if err != nil {
		return nil, err
	}

	m.tasksSucceeded, err = meter.Int64Counter("missioncore.tasks.succeeded",
		metric.WithDescription("Number of task success events applied"))
	if err != nil {
		return nil, err
	}

	m.tasksFailed, err = meter.Int64Counter("missioncore.tasks.failed",
		metric.WithDescription("Number of terminal task failures"))
	if err != nil {
		return nil, err
	}

	m.missionsEnded, err = meter.Int64Counter("missioncore.missions.ended",
		metric.WithDescription("Number of missions reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskPublished counts one task hand-off to the delivery channel.
func (m *Metrics) TaskPublished(ctx context.Context) { m.tasksPublished.Add(ctx, 1) }

// TaskSucceeded counts one applied success event.
func (m *Metrics) TaskSucceeded(ctx context.Context) { m.tasksSucceeded.Add(ctx, 1) }

// TaskFailed counts one terminal task failure.
func (m *Metrics) TaskFailed(ctx context.Context) { m.tasksFailed.Add(ctx, 1) }

// MissionEnded counts one mission terminal transition.
func (m *Metrics) MissionEnded(ctx context.Context, status string) {
	m.missionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
