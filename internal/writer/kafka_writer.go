package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"tickerflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter streams applied ticks to a topic, one message per tick keyed
// by symbol. Batches are handed over through a bounded channel.
type KafkaWriter struct {
	writer  messageWriter
	topic   string
	batches chan AppliedBatch
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string, buffer int) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	kw := newKafkaWriter(w, topic, buffer)
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, topic string, buffer int) *KafkaWriter {
	if buffer <= 0 {
		buffer = 64
	}
	return &KafkaWriter{
		writer:  w,
		topic:   topic,
		batches: make(chan AppliedBatch, buffer),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = ctx
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

// Publish queues a batch without blocking; a full queue drops it.
func (kw *KafkaWriter) Publish(_ context.Context, batch AppliedBatch) {
	select {
	case kw.batches <- batch:
	default:
		kw.log.WithComponent("kafka_writer").WithField("batch_id", batch.BatchID).Warn("kafka queue full, batch not mirrored")
	}
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	for {
		select {
		case <-kw.ctx.Done():
			return
		case batch := <-kw.batches:
			kw.write(batch)
		}
	}
}

func (kw *KafkaWriter) write(batch AppliedBatch) {
	msgs := make([]kafka.Message, 0, len(batch.Ticks))
	for _, t := range batch.Ticks {
		data, err := json.Marshal(t)
		if err != nil {
			kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal tick")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Symbol),
			Value: data,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(batch.BatchID)},
				{Key: "source", Value: []byte(t.Source)},
			},
			Time: batch.AppliedAt,
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := kw.writer.WriteMessages(kw.ctx, msgs...); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to write messages")
		return
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  len(msgs),
	}).Debug("batch written to kafka")
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.wg.Wait()
	kw.writer.Close()
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}
