package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-bridge/internal/config"
	"payment-bridge/internal/payment"
	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100
)

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`payment_status_events_total{result="published"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`payment_status_events_total{result="publish_failed"}`)
)

// StatusEvent is emitted after every successful reconciliation so downstream
// consumers see payment state changes without polling this service.
type StatusEvent struct {
	OrderID    string         `json:"orderId"`
	Token      string         `json:"token,omitempty"`
	Provider   string         `json:"provider"`
	Status     payment.Status `json:"status"`
	Paid       bool           `json:"paid"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func NewWriter(kafkaURL, topic string) *kafka.Writer {
	batchSize := config.GetEnvInt("KAFKA_WRITER_BATCH_SIZE", defaultBatchSize)
	batchTimeout := config.GetEnvInt("KAFKA_WRITER_BATCH_TIMEOUT", defaultBatchTimeout)

	return &kafka.Writer{
		Addr:                   kafka.TCP(kafkaURL),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// Publisher writes status events. A nil writer disables publishing, so the
// service runs without kafka in minimal deployments.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(writer *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

// Publish emits one event. Failures are logged and counted, never returned:
// event delivery must not change the outcome of the reconciliation that
// produced it.
func (p *Publisher) Publish(ctx context.Context, e StatusEvent) {
	if p == nil || p.writer == nil {
		return
	}

	value, err := json.Marshal(e)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling status event", "error", err)
		publishErrorCounter.Inc()
		return
	}

	msg := kafka.Message{
		// Key by order id so all events for one payment stay ordered.
		Key:   []byte(e.OrderID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing status event", "orderId", e.OrderID, "error", err)
		publishErrorCounter.Inc()
		return
	}

	publishSuccessCounter.Inc()
}
