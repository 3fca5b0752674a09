package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"sshsentry/internal/config"
	"sshsentry/internal/model"
)

// Notifier publishes block decisions to an outside system. Failures are
// reported to the caller but never undo a block.
type Notifier interface {
	Notify(ctx context.Context, rec model.BlockRecord) error
	Close() error
}

func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if !cfg.Kafka.Enabled {
		return Nop{}
	}
	if logger != nil {
		logger.Info("kafka notifications enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	return NewKafka(cfg.Kafka, logger)
}

type Nop struct{}

func (Nop) Notify(context.Context, model.BlockRecord) error { return nil }
func (Nop) Close() error                                    { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafka writes asynchronously so a slow broker cannot stall ingestion;
// delivery errors surface through the completion log.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil && logger != nil {
				logger.Warn("kafka notification failed", "messages", len(messages), "err", err)
			}
		},
	}
	return &KafkaNotifier{writer: w, logger: logger}
}

func (k *KafkaNotifier) Notify(ctx context.Context, rec model.BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Address),
		Value: data,
		Time:  rec.Timestamp,
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
