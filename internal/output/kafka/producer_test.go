package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestRecordProducerEmit(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	p := NewRecordProducerWithWriter(writer)
	recordedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := crawler.Record{
		SessionID:  "session-1",
		Kind:       crawler.RecordPage,
		URL:        "https://example.com/",
		Title:      "Home",
		Strategy:   crawler.StrategyStatic,
		RecordedAt: recordedAt,
	}

	require.NoError(t, p.Emit(context.Background(), rec))
	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "session-1", string(msg.Key))
	require.Equal(t, recordedAt, msg.Time)
	require.Equal(t, []kafka.Header{{Key: "kind", Value: []byte("page")}}, msg.Headers)

	var got crawler.Record
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, rec.URL, got.URL)
	require.Equal(t, rec.Title, got.Title)

	require.NoError(t, p.Close())
	require.True(t, writer.closed)
}

func TestRecordProducerErrors(t *testing.T) {
	t.Parallel()

	p := NewRecordProducerWithWriter(&fakeWriter{err: errors.New("leader not available")})
	require.Error(t, p.Emit(context.Background(), crawler.Record{}))

	err := p.Emit(context.Background(), crawler.Record{SessionID: "s", Kind: crawler.RecordFailure})
	require.ErrorContains(t, err, "publish record")
}

func TestNewRecordProducerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRecordProducer(Config{Topic: "records"})
	require.ErrorContains(t, err, "brokers")
	_, err = NewRecordProducer(Config{Brokers: []string{" "}, Topic: "records"})
	require.ErrorContains(t, err, "brokers")
	_, err = NewRecordProducer(Config{Brokers: []string{"localhost:9092"}})
	require.ErrorContains(t, err, "topic")

	p, err := NewRecordProducer(Config{Brokers: []string{"localhost:9092"}, Topic: "records"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
