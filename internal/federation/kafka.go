package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/segmentio/kafka-go"
)

// kafkaBus maps the bus onto one shared Kafka topic (the prefix) carrying
// the full dotted subject in the message key. Kafka has no server-side
// subject wildcards, so subscribers filter client-side with MatchTopic.
// Redpanda speaks the Kafka wire protocol and reuses this backend.
type kafkaBus struct {
	prefix  string
	brokers []string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafkaBus builds a bus over brokers, producing to the topic named after
// the prefix.
func NewKafkaBus(brokers []string, prefix string) (Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("federation: kafka backend needs at least one broker")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    prefix,
		Balancer: &kafka.Hash{},
	}
	return &kafkaBus{prefix: prefix, brokers: brokers, writer: writer}, nil
}

func (b *kafkaBus) Publish(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("federation: encode event: %w", err)
	}
	subject := TopicFor(b.prefix, ev.InstanceID, ev.Suffix())
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(subject),
		Value: raw,
	})
}

func (b *kafkaBus) Subscribe(pattern string) (<-chan *Event, func(), error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   b.prefix,
		GroupID: "", // every subscriber sees every message
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	ch := make(chan *Event, 64)
	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		defer close(ch)
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("federation: kafka read: %v", err)
				}
				return
			}
			if !MatchTopic(pattern, string(msg.Key)) {
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				log.Printf("federation: bad event on %s: %v", msg.Key, err)
				continue
			}
			select {
			case ch <- &ev:
			default:
			}
		}
	}()

	cancel := func() {
		cancelCtx()
		reader.Close()
	}
	return ch, cancel, nil
}

func (b *kafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, r := range b.readers {
		r.Close()
	}
	return b.writer.Close()
}
