package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"neowatch/internal/config"
	"neowatch/internal/metrics"
	"neowatch/internal/model"
)

// messageWriter is the subset of *kafka.Writer the mirror uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror copies published records to a topic, keyed by external id so
// repeats of one object land on the same partition.
type KafkaMirror struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

func NewKafkaMirror(cfg config.KafkaConfig, m *metrics.Metrics, logger *slog.Logger) *KafkaMirror {
	if logger != nil {
		logger.Info("kafka stream mirror enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			m.MirrorError()
			if logger != nil {
				logger.Warn("kafka mirror write failed", "messages", len(msgs), "err", err)
			}
		},
	}
	return &KafkaMirror{w: w, topic: cfg.Topic, logger: logger}
}

func (k *KafkaMirror) Mirror(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(recs))
	for _, r := range recs {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.ExternalID),
			Value: value,
			Time:  time.Now().UTC(),
		})
	}
	return k.w.WriteMessages(ctx, msgs...)
}

func (k *KafkaMirror) Close() error {
	return k.w.Close()
}
