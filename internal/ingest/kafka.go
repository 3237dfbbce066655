package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader returns a consumer-group reader with manual commits.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
}

// Consumer stages Kafka messages. An offset is committed only after its
// message is staged, so a crash redelivers rather than drops.
type Consumer struct {
	reader Reader
	store  StagingStore
	retry  resilience.RetryConfig
}

// NewConsumer returns a consumer reading from r into st.
func NewConsumer(r Reader, st StagingStore) *Consumer {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	retry.OnRetry = resilience.RetryLogger("ingest", "stage kafka message")
	return &Consumer{reader: r, store: st, retry: retry}
}

// Run consumes until ctx is cancelled or the reader fails. It closes the
// reader on return.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close() //nolint:errcheck

	log := zap.L().With(zap.String("component", "ingest.kafka"))
	log.Info("ingest: kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("ingest: kafka consumer stopped")
				return nil
			}
			return eris.Wrap(err, "ingest: fetch kafka message")
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	rec := messageRecord(msg)
	if !json.Valid(msg.Value) {
		zap.L().Warn("ingest: dropping non-JSON kafka message",
			zap.String("delivery", rec.DeliveryID),
			zap.Int("bytes", len(msg.Value)),
		)
	} else {
		err := resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			_, err := c.store.InsertStaging(ctx, rec)
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "ingest: stage kafka message %s", rec.DeliveryID)
		}
	}
	return eris.Wrap(c.reader.CommitMessages(ctx, msg), "ingest: commit kafka offset")
}

// messageRecord maps a message to a staging row. Producers forwarding
// webhooks set the GitHub event and delivery headers; otherwise the event
// comes from the key and the delivery id from the partition offset.
func messageRecord(msg kafka.Message) model.StagingRecord {
	rec := model.StagingRecord{
		Source:    model.SourceKafka,
		EventType: string(msg.Key),
		Payload:   msg.Value,
		FetchedAt: msg.Time,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderEvent:
			rec.EventType = string(h.Value)
		case HeaderDelivery:
			rec.DeliveryID = string(h.Value)
		}
	}
	if rec.DeliveryID == "" {
		rec.DeliveryID = fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return rec
}
