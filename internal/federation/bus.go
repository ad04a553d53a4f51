package federation

import (
	"context"
	"strings"
	"sync"
)

// Bus is the pluggable message bus. Publish derives the topic from the
// event: "{prefix}.{instance_id}.{suffix}". Subscribe matches topics with
// dotted-segment patterns where "*" wildcards exactly one segment.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(pattern string) (<-chan *Event, func(), error)
	Close() error
}

// TopicFor formats the bus topic for an event.
func TopicFor(prefix, instanceID, suffix string) string {
	return prefix + "." + instanceID + "." + suffix
}

// MatchTopic reports whether topic matches pattern. Matching is per dotted
// segment; "*" matches exactly one segment, never more, never a substring.
func MatchTopic(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			continue
		}
		if ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// memoryBus is the in-process backend used for the "noop" messaging setting
// and in tests. Standalone instances run it with no subscribers, making
// Publish effectively a no-op.
type memoryBus struct {
	prefix string

	mu     sync.Mutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	pattern string
	ch      chan *Event
}

// NewMemoryBus returns the in-process bus.
func NewMemoryBus(prefix string) Bus {
	return &memoryBus{prefix: prefix, subs: make(map[int]*memorySub)}
}

func (b *memoryBus) Publish(_ context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	topic := TopicFor(b.prefix, ev.InstanceID, ev.Suffix())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default: // slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(pattern string) (<-chan *Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &memorySub{pattern: pattern, ch: make(chan *Event, 64)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	return nil
}
