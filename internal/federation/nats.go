package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// natsBus publishes each event on its topic as a NATS subject. NATS's own
// "*" wildcard already has single-segment semantics, so Subscribe passes
// the pattern straight through.
type natsBus struct {
	prefix string
	conn   *nats.Conn
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url, prefix string) (Bus, error) {
	conn, err := nats.Connect(url, nats.Name("microdns"))
	if err != nil {
		return nil, fmt.Errorf("federation: connect nats %s: %w", url, err)
	}
	return &natsBus{prefix: prefix, conn: conn}, nil
}

func (b *natsBus) Publish(_ context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("federation: encode event: %w", err)
	}
	return b.conn.Publish(TopicFor(b.prefix, ev.InstanceID, ev.Suffix()), raw)
}

func (b *natsBus) Subscribe(pattern string) (<-chan *Event, func(), error) {
	ch := make(chan *Event, 64)
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("federation: bad event on %s: %v", msg.Subject, err)
			return
		}
		select {
		case ch <- &ev:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("federation: subscribe %s: %w", pattern, err)
	}
	cancel := func() {
		sub.Unsubscribe()
		close(ch)
	}
	return ch, cancel, nil
}

func (b *natsBus) Close() error {
	b.conn.Drain()
	b.conn.Close()
	return nil
}
