package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/segmentio/kafka-go"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes batches to a kafka topic keyed by batch id
type KafkaDispatcher struct {
	writer messageWriter
}

// NewKafkaDispatcher creates a dispatcher writing to topic
func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// Dispatch publishes the batch
func (d *KafkaDispatcher) Dispatch(ctx context.Context, payload pipeline.BatchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payload.BatchID),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: write message: %v", ErrDispatch, err)
	}
	return nil
}

// Close flushes and closes the writer
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer executes batches read from a kafka topic. Offsets are
// committed after each batch, whatever its outcome; pets left pending are
// picked up by the stalled-capture sweep.
type KafkaConsumer struct {
	reader messageReader
	exec   Executor
	logger *log.Logger
}

// NewKafkaConsumer creates a consumer in the given group
func NewKafkaConsumer(brokers []string, topic, groupID string, exec Executor, logger *log.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &KafkaConsumer{reader: reader, exec: exec, logger: logger}
}

// Run consumes until ctx is cancelled
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error().Err(err).Msg("error reading message")
			if err := sleepOrDone(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	var payload pipeline.BatchPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping undecodable batch")
		return
	}
	br, err := c.exec.Execute(ctx, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("batch_id", payload.BatchID).Msg("kafka batch failed")
		return
	}
	c.logger.Info().
		Str("batch_id", br.BatchID).
		Int("success", br.SuccessCount).
		Int("failed", br.FailedCount).
		Msg("kafka batch processed")
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
