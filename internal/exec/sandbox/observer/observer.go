// Package observer defines logging and metrics hooks for sandbox execution.
package observer

import (
	"context"

	"go.uber.org/zap"

	"runbox/pkg/utils/logger"
)

// MetricsRecorder records per-phase sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64)
	ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64, outputKB int64)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64, outputKB int64) {
}

// LogMetricsRecorder emits one structured log line per observed phase.
type LogMetricsRecorder struct{}

func (LogMetricsRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64) {
	logger.Info(ctx, "sandbox compile finished",
		zap.String("language", languageID),
		zap.Bool("ok", ok),
		zap.Int64("time_ms", timeMs),
	)
}

func (LogMetricsRecorder) ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64, outputKB int64) {
	logger.Info(ctx, "sandbox run finished",
		zap.String("language", languageID),
		zap.String("status", status),
		zap.Int64("time_ms", timeMs),
		zap.Int64("memory_kb", memoryKB),
		zap.Int64("output_kb", outputKB),
	)
}
