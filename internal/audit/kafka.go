package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultKafkaQueue   = 1024
	kafkaPublishTimeout = 5 * time.Second
	kafkaDrainTimeout   = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors audit entries onto a topic, keyed by organization.
// Publish only enqueues; a single goroutine drains the bounded queue, and
// entries arriving while it is full are dropped.
type KafkaSink struct {
	w      messageWriter
	log    *zap.Logger
	onDrop func()

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// KafkaOption configures a KafkaSink.
type KafkaOption func(*KafkaSink)

// WithKafkaQueueSize bounds the number of entries waiting to be written.
func WithKafkaQueueSize(n int) KafkaOption {
	return func(k *KafkaSink) {
		if n > 0 {
			k.queue = make(chan kafka.Message, n)
		}
	}
}

// WithKafkaDropHook is called once per entry dropped on a full queue.
func WithKafkaDropHook(fn func()) KafkaOption {
	return func(k *KafkaSink) { k.onDrop = fn }
}

// NewKafkaSink starts a producer for topic.
func NewKafkaSink(brokers []string, topic string, log *zap.Logger, opts ...KafkaOption) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Warn(fmt.Sprintf(msg, args...), zap.String("component", "audit-kafka"))
		}),
	}
	return newKafkaSink(w, log, opts...)
}

func newKafkaSink(w messageWriter, log *zap.Logger, opts ...KafkaOption) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	k := &KafkaSink{
		w:     w,
		log:   log,
		queue: make(chan kafka.Message, defaultKafkaQueue),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	go k.run()
	return k
}

// Publish enqueues e without waiting for the broker.
func (k *KafkaSink) Publish(_ context.Context, e *Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	key := e.OrganizationID
	if key == "" {
		key = "platform"
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "correlation_id", Value: []byte(e.CorrelationID)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return fmt.Errorf("audit: kafka sink closed")
	}
	select {
	case k.queue <- msg:
	default:
		if k.onDrop != nil {
			k.onDrop()
		}
		k.log.Warn("audit kafka queue full, entry dropped", zap.String("audit_id", e.ID))
	}
	return nil
}

func (k *KafkaSink) run() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), kafkaPublishTimeout)
		err := k.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			k.log.Warn("audit kafka publish failed", zap.Error(err))
		}
	}
}

// Close stops accepting entries, drains the queue for a bounded time and
// closes the writer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	select {
	case <-k.done:
	case <-time.After(kafkaDrainTimeout):
		k.log.Warn("audit kafka drain timed out", zap.Int("pending", len(k.queue)))
	}
	return k.w.Close()
}
