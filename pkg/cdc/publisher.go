package cdc

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/outbox"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
	"github.com/hashstack/foreman/pkg/types"
)

const (
	// circuitThreshold is the consecutive-failure count that opens the
	// publisher circuit
	circuitThreshold = 5

	// maxBackoff caps the delay between failed publish attempts
	maxBackoff = 30 * time.Second
)

// Publisher drains the outbox to the transport. It is the only
// component that marks outbox rows published, and it does so strictly
// after the transport acknowledges the message, giving at-least-once
// delivery. Events are published in creation order; a transport outage
// stalls the stream rather than dropping or reordering it.
type Publisher struct {
	store     storage.Store
	transport transport.Transport
	interval  time.Duration
	batch     int
	backoff   time.Duration

	failures int // consecutive publish failures

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Publisher
type Options struct {
	// PollInterval is the idle delay between outbox scans
	PollInterval time.Duration

	// BatchSize bounds rows fetched per scan
	BatchSize int

	// BackoffBase seeds the exponential retry delay after a publish
	// failure
	BackoffBase time.Duration
}

// NewPublisher creates a publisher over the given store and transport
func NewPublisher(store storage.Store, t transport.Transport, opts Options) *Publisher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &Publisher{
		store:     store,
		transport: t,
		interval:  opts.PollInterval,
		batch:     opts.BatchSize,
		backoff:   opts.BackoffBase,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the polling loop
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
	logger := log.WithComponent("cdc")
	logger.Info().
		Dur("interval", p.interval).
		Int("batch", p.batch).
		Msg("outbox publisher started")
}

// Stop halts the loop and waits for the in-flight cycle
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain until the backlog is empty, then idle until the next
		// tick so a burst does not wait a full interval per batch.
		for p.cycle() {
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
	}
}

// cycle publishes one batch. It returns true when a full batch was
// drained, meaning more rows are likely waiting.
func (p *Publisher) cycle() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := log.WithComponent("cdc")

	events, err := p.store.ListUnpublishedOutbox(ctx, p.batch)
	if err != nil {
		logger.Error().Err(err).Msg("outbox scan failed")
		p.recordFailure()
		return false
	}
	if len(events) == 0 {
		p.recordSuccess()
		return false
	}

	published := make([]string, 0, len(events))
	for _, ev := range events {
		if err := p.publishOne(ctx, ev); err != nil {
			logger.Error().Err(err).
				Str("event_id", ev.ID).
				Str("kind", ev.Kind).
				Msg("publish failed")
			metrics.PublishFailures.Inc()
			p.recordFailure()
			break // keep order: nothing after a failed event goes out
		}
		published = append(published, ev.ID)
	}

	if len(published) > 0 {
		if err := p.store.MarkOutboxPublished(ctx, published, time.Now().UTC()); err != nil {
			// Rows stay unpublished and will be re-sent; consumers
			// dedupe via the inbox.
			logger.Error().Err(err).Int("count", len(published)).Msg("marking published failed")
			p.recordFailure()
			return false
		}
		p.recordSuccess()
	}

	return len(published) == len(events) && len(events) == p.batch
}

func (p *Publisher) publishOne(ctx context.Context, ev *types.OutboxEvent) error {
	env := types.Envelope{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		TenantID:  ev.TenantID,
		EntityID:  ev.EntityID,
		CreatedAt: ev.CreatedAt,
		Payload:   ev.Payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}

	topic := outbox.TopicForKind(ev.Kind)
	if err := p.transport.Publish(ctx, topic, ev.PartitionKey(), value); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}

// recordFailure advances the backoff and opens the circuit after
// enough consecutive failures. The loop sleeps here so a dead broker
// does not spin the scanner.
func (p *Publisher) recordFailure() {
	p.failures++
	if p.failures >= circuitThreshold {
		metrics.PublisherCircuitOpen.Set(1)
		logger := log.WithComponent("cdc")
		logger.Warn().
			Int("failures", p.failures).
			Msg("publisher circuit open")
	}

	delay := p.backoff << uint(min(p.failures-1, 5))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-time.After(jittered(delay)):
	case <-p.stopCh:
	}
}

// jittered spreads a backoff delay by ±20% so restarting publishers do
// not hammer a recovering broker in lockstep.
func jittered(delay time.Duration) time.Duration {
	return delay + time.Duration(rand.Int63n(int64(delay)*2/5+1)) - delay/5
}

func (p *Publisher) recordSuccess() {
	if p.failures >= circuitThreshold {
		logger := log.WithComponent("cdc")
		logger.Info().Msg("publisher circuit closed")
	}
	p.failures = 0
	metrics.PublisherCircuitOpen.Set(0)
}
