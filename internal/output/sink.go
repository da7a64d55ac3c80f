// Package output fans crawl records out to the configured sinks.
package output

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// MultiSink forwards every record to each wrapped sink in order.
type MultiSink struct {
	sinks []crawler.Sink
}

// NewMultiSink builds a MultiSink, skipping nil entries.
func NewMultiSink(sinks ...crawler.Sink) *MultiSink {
	kept := make([]crawler.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Emit delivers rec to all sinks. One failing sink does not stop the others.
func (m *MultiSink) Emit(ctx context.Context, rec crawler.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one structured log line per record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs page records at info level and failures at warn level.
func (s *LogSink) Emit(_ context.Context, rec crawler.Record) error {
	fields := []zap.Field{
		zap.String("session_id", rec.SessionID),
		zap.String("url", rec.URL),
		zap.Int("depth", rec.Depth),
	}
	if rec.Kind == crawler.RecordFailure {
		s.logger.Warn("no content extracted", append(fields, zap.String("reason", rec.Reason))...)
		return nil
	}
	fields = append(fields,
		zap.String("title", rec.Title),
		zap.String("strategy", string(rec.Strategy)),
	)
	if rec.Data != nil {
		fields = append(fields,
			zap.Int("links", len(rec.Data.Links)),
			zap.Int("paragraphs", len(rec.Data.Paragraphs)),
		)
	}
	s.logger.Info("extracted content", fields...)
	return nil
}
