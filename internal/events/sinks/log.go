// Package sinks holds event sinks that need no external service.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/events"
	"github.com/JakeFAU/render-proxy/internal/logging"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID.String()),
			zap.String("request_id", evt.RequestID),
			zap.String("state", string(evt.State)),
			zap.String("site", evt.Site),
			zap.Int("status", evt.Status),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Duration),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("request event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
