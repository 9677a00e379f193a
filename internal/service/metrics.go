package service

import "context"

// Metrics receives scheduling counters. The OTel adapter implements it; a
// nop implementation is used when telemetry is disabled.
type Metrics interface {
	TaskPublished(ctx context.Context)
	TaskSucceeded(ctx context.Context)
	TaskFailed(ctx context.Context)
	MissionEnded(ctx context.Context, status string)
}

// NopMetrics discards all counters.
type NopMetrics struct{}

func (NopMetrics) TaskPublished(context.Context)        {}
func (NopMetrics) TaskSucceeded(context.Context)        {}
func (NopMetrics) TaskFailed(context.Context)           {}
func (NopMetrics) MissionEnded(context.Context, string) {}
