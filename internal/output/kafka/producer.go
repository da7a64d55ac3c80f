// Package kafka publishes crawl records to a Kafka topic, keyed by session so
// every record of a session lands on the same partition in crawl order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config selects the brokers and topic records are written to.
type Config struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single publish. Zero keeps the writer default.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RecordProducer is a crawler.Sink backed by a Kafka writer.
type RecordProducer struct {
	writer messageWriter
}

// NewRecordProducer creates a producer for cfg. No connection is made until
// the first record is published.
func NewRecordProducer(cfg Config) (*RecordProducer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &RecordProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewRecordProducerWithWriter builds a producer using a custom writer (tests).
func NewRecordProducerWithWriter(writer messageWriter) *RecordProducer {
	return &RecordProducer{writer: writer}
}

// Emit publishes rec as a JSON message keyed by its session id.
func (p *RecordProducer) Emit(ctx context.Context, rec crawler.Record) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ts := rec.RecordedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg := kafka.Message{
		Key:   []byte(rec.SessionID),
		Value: payload,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// Close flushes pending messages and shuts the writer down.
func (p *RecordProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
