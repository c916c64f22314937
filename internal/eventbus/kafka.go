package eventbus

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/viper"
)

// State is the typed connectivity signal for the bus. Components branch on
// it deterministically instead of probing an optional connection.
type State int

const (
	Connected State = iota
	Degraded
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "degraded"
}

// Config holds event bus configuration
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// GetConfig returns event bus configuration with defaults
func GetConfig() *Config {
	viper.SetDefault("kafka.brokers", "localhost:9092")
	viper.SetDefault("kafka.topic", "postings")
	viper.SetDefault("kafka.group_id", "rewards-consumer")

	return &Config{
		Brokers: strings.Split(viper.GetString("kafka.brokers"), ","),
		Topic:   viper.GetString("kafka.topic"),
		GroupID: viper.GetString("kafka.group_id"),
	}
}

// messageWriter is the slice of *kafka.Writer the bus uses; tests inject
// failing implementations.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bus is the process-wide handle on the event bus. It is acquired once at
// startup, injected into the components that publish, and closed on
// shutdown; nothing references it as ambient state. Messages are hashed by
// key, so ordering holds per key, never globally.
type Bus struct {
	writer messageWriter
	topic  string

	mu     sync.RWMutex
	state  State
	reason string
}

// InitBus builds the bus from config and probes broker connectivity. An
// unreachable broker yields a Degraded bus, not a nil one; publishing may
// still succeed later and flips the state back.
func InitBus() *Bus {
	cfg := GetConfig()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	b := NewBusWithWriter(w, cfg.Topic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		b.markDegraded(err)
		log.Printf("[BUS] Broker unreachable, starting degraded: %v", err)
		return b
	}
	conn.Close()

	log.Printf("[BUS] Connected to brokers %v, topic %q", cfg.Brokers, cfg.Topic)
	return b
}

// NewBusWithWriter wraps an existing writer; used by tests.
func NewBusWithWriter(w messageWriter, topic string) *Bus {
	return &Bus{writer: w, topic: topic, state: Connected}
}

// Publish sends one message keyed for per-key ordering. The returned error
// is only nil after the broker acknowledged the write.
func (b *Bus) Publish(ctx context.Context, key string, value []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		b.markDegraded(err)
		return err
	}
	b.markConnected()
	return nil
}

// State returns the current bus state and, when degraded, the reason.
func (b *Bus) State() (State, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, b.reason
}

// Close releases the underlying writer.
func (b *Bus) Close() error {
	return b.writer.Close()
}

func (b *Bus) markDegraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Degraded {
		log.Printf("[BUS] Degraded: %v", err)
	}
	b.state = Degraded
	b.reason = err.Error()
}

func (b *Bus) markConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Connected {
		log.Println("[BUS] Recovered, back to connected")
	}
	b.state = Connected
	b.reason = ""
}

// NewReader builds a consumer-group reader on the postings topic. Group
// rebalance may redeliver messages; consumers absorb that with their own
// idempotency keys.
func NewReader() *kafka.Reader {
	cfg := GetConfig()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}
