package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// defaultPartitions matches the recommended minimum for the
	// events.* topics
	defaultPartitions = 3

	// redeliverDelay bounds how quickly a failed delivery is retried
	redeliverDelay = 50 * time.Millisecond
)

// InMem is an in-memory ordered, partitioned broker. It preserves
// per-key order, delivers at-least-once, and retains messages so a
// group subscribed after publishing still receives the backlog.
type InMem struct {
	partitions int

	mu     sync.Mutex
	topics map[string][]*partition // topic -> partitions
	groups map[string]*inmemSub    // group -> active subscription
	closed bool
}

type partition struct {
	mu       sync.Mutex
	messages []Message
	notify   chan struct{} // closed-and-replaced on append
}

// NewInMem creates an in-memory transport with the default partition
// count per topic
func NewInMem() *InMem {
	return &InMem{
		partitions: defaultPartitions,
		topics:     make(map[string][]*partition),
		groups:     make(map[string]*inmemSub),
	}
}

func (t *InMem) topicPartitions(topic string) []*partition {
	parts, ok := t.topics[topic]
	if !ok {
		parts = make([]*partition, t.partitions)
		for i := range parts {
			parts[i] = &partition{notify: make(chan struct{})}
		}
		t.topics[topic] = parts
	}
	return parts
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % n
}

// Publish appends the message to the key's partition
func (t *InMem) Publish(_ context.Context, topic, key string, value []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	parts := t.topicPartitions(topic)
	t.mu.Unlock()

	p := parts[partitionFor(key, len(parts))]
	p.mu.Lock()
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Value: value})
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Subscribe starts one delivery goroutine per (topic, partition). A
// group name may be subscribed once per broker; competing consumers
// across processes are a property of the real transport, not this one.
func (t *InMem) Subscribe(group string, topics []string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if _, exists := t.groups[group]; exists {
		return nil, fmt.Errorf("group %q already subscribed", group)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &inmemSub{cancel: cancel, onStop: func() { t.dropGroup(group) }}
	for _, topic := range topics {
		for _, p := range t.topicPartitions(topic) {
			sub.wg.Add(1)
			go sub.consume(ctx, p, h)
		}
	}
	t.groups[group] = sub
	return sub, nil
}

func (t *InMem) dropGroup(group string) {
	t.mu.Lock()
	delete(t.groups, group)
	t.mu.Unlock()
}

// Close stops all subscriptions
func (t *InMem) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*inmemSub, 0, len(t.groups))
	for _, s := range t.groups {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	return nil
}

type inmemSub struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onStop   func()
	stopOnce sync.Once
}

// Stop leaves the group and waits for in-flight handlers
func (s *inmemSub) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// consume delivers one partition sequentially. A handler error blocks
// the partition and retries the same message, preserving order.
func (s *inmemSub) consume(ctx context.Context, p *partition, h Handler) {
	defer s.wg.Done()
	offset := 0
	for {
		p.mu.Lock()
		var msg *Message
		notify := p.notify
		if offset < len(p.messages) {
			m := p.messages[offset]
			msg = &m
		}
		p.mu.Unlock()

		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		if err := h(ctx, *msg); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(redeliverDelay):
				continue // redeliver the same message
			}
		}
		offset++
	}
}
