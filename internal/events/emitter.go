package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const envKafkaTLS = "GRIDRENT_EVENTS_KAFKA_TLS"

// Tags emitted by the two ledgers.
const (
	TagRegistered          = "registered"
	TagAvailabilityChanged = "availability-changed"
	TagPosted              = "posted"
	TagClaimed             = "claimed"
	TagDone                = "done"
	TagCancelled           = "cancelled"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Event is a fire-and-forget notification for off-chain observers.
// The ledgers never read events back.
type Event struct {
	Tag     string
	Payload any
	// Time is stamped by the emitter when zero.
	Time time.Time
}

// Emitter publishes events. Emission failures are reported to the caller,
// which logs them; they never fail the operation that produced the event.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Config configures event emitters.
type Config struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// New creates an emitter for the configured driver.
func New(cfg Config) (Emitter, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaEmitter(cfg)
	case DriverStdio:
		return newStdioEmitter(cfg), nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverStdio
	}
	return v
}

type envelope struct {
	Tag     string    `json:"tag"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

func encode(ev Event) ([]byte, error) {
	if strings.TrimSpace(ev.Tag) == "" {
		return nil, fmt.Errorf("%w: empty tag", ErrInvalidConfig)
	}
	t := ev.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return json.Marshal(envelope{Tag: ev.Tag, Time: t, Payload: ev.Payload})
}

type kafkaEmitter struct {
	writer *kafka.Writer
}

func newKafkaEmitter(cfg Config) (Emitter, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka emitter requires at least one broker", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka emitter requires a topic", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaEmitter{writer: writer}, nil
}

func (e *kafkaEmitter) Emit(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Tag), Value: body})
}

func (e *kafkaEmitter) Close() error {
	return e.writer.Close()
}

type stdioEmitter struct {
	w io.Writer
	m sync.Mutex
}

func newStdioEmitter(cfg Config) Emitter {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioEmitter{w: w}
}

func (e *stdioEmitter) Emit(_ context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	e.m.Lock()
	defer e.m.Unlock()

	if _, err := e.w.Write(body); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (e *stdioEmitter) Close() error {
	return nil
}

// Memory captures events for tests.
type Memory struct {
	mu  sync.Mutex
	evs []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(_ context.Context, ev Event) error {
	if strings.TrimSpace(ev.Tag) == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidConfig)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Events returns a snapshot of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.evs...)
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SplitCommaList parses a comma-separated flag value into a broker list.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
