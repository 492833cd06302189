package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/sessreplay/internal/replay"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultWriteTimeout = 10 * time.Second
)

// KafkaConfig configures the kafka sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`    // default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // default 100ms
	Compression  string        `mapstructure:"compression"`   // none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // default 3
}

// Validate checks required fields and fills defaults.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	_, err := compressionCodec(c.Compression)
	return err
}

func compressionCodec(name string) (compress.Codec, error) {
	switch name {
	case "none":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaSink publishes each event as a JSON message keyed by stream.
// Messages are sent in batches; Finalize sends the remainder.
type kafkaSink struct {
	writer    messageWriter
	key       []byte
	headers   []kafka.Header
	batchSize int
	pending   []kafka.Message
	done      bool
}

func newKafkaSink(t Target) (*kafkaSink, error) {
	cfg := t.Kafka
	if err := cfg.Validate(); err != nil {
		return nil, sinkError(FormatKafka, "create", err)
	}
	codec, _ := compressionCodec(cfg.Compression)

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{}, // one session stays on one partition
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		WriteTimeout:     defaultWriteTimeout,
		CompressionCodec: codec,
		Async:            false,
	})
	return newKafkaSinkWithWriter(w, t, cfg.BatchSize), nil
}

func newKafkaSinkWithWriter(w messageWriter, t Target, batchSize int) *kafkaSink {
	s := &kafkaSink{
		writer:    w,
		key:       []byte(t.Key),
		batchSize: max(batchSize, 1),
	}
	for k, v := range t.Headers {
		s.headers = append(s.headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return s
}

func (s *kafkaSink) message(e replay.Event) (kafka.Message, error) {
	value, err := json.Marshal(newJSONRecord(e))
	if err != nil {
		return kafka.Message{}, err
	}
	headers := make([]kafka.Header, 0, len(s.headers)+1)
	headers = append(headers, s.headers...)
	headers = append(headers, kafka.Header{Key: "kind", Value: []byte(e.Kind.String())})
	return kafka.Message{
		Key:     s.key,
		Value:   value,
		Time:    e.Time(),
		Headers: headers,
	}, nil
}

func (s *kafkaSink) Consume(e replay.Event) error {
	if s.done {
		return sinkError(FormatKafka, "consume", errFinalized)
	}
	msg, err := s.message(e)
	if err != nil {
		return sinkError(FormatKafka, "consume", err)
	}
	s.pending = append(s.pending, msg)
	if len(s.pending) < s.batchSize {
		return nil
	}
	if err := s.send(); err != nil {
		return sinkError(FormatKafka, "consume", err)
	}
	return nil
}

func (s *kafkaSink) send() error {
	if len(s.pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	err := s.writer.WriteMessages(ctx, s.pending...)
	s.pending = s.pending[:0]
	if err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (s *kafkaSink) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.send()
	if cerr := s.writer.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return sinkError(FormatKafka, "finalize", err)
	}
	return nil
}
