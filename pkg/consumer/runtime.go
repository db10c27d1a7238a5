package consumer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
	"github.com/hashstack/foreman/pkg/types"
)

// entityLockTTL bounds how long one event can hold its entity key
const entityLockTTL = 60 * time.Second

// HandlerFunc processes one event inside the runtime's transaction.
// The inbox record is inserted in the same transaction, so side
// effects written through tx commit exactly once per event.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, env types.Envelope) error

// Options configures a consumer runtime
type Options struct {
	// Name is the consumer identity used for the transport group and
	// the inbox/DLQ consumer_name column
	Name string

	// Topics to subscribe
	Topics []string

	// Workers bounds concurrent handler executions
	Workers int

	// MaxRetries is the in-process retry budget per event before
	// dead-lettering
	MaxRetries int

	// BackoffBase seeds the exponential retry delay
	BackoffBase time.Duration
}

// Runtime consumes events for one named consumer. Per-key ordering
// comes from the transport; the runtime adds inbox-based idempotency,
// a bounded retry budget, and dead-lettering that never blocks the
// partition behind a poison event.
type Runtime struct {
	name        string
	store       storage.Store
	transport   transport.Transport
	topics      []string
	maxRetries  int
	backoffBase time.Duration

	handlers map[string]HandlerFunc
	locks    *entityLocks
	sem      chan struct{}
	sub      transport.Subscription
}

// NewRuntime creates a consumer runtime. Handlers must be registered
// before Start.
func NewRuntime(store storage.Store, t transport.Transport, opts Options) (*Runtime, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if len(opts.Topics) == 0 {
		return nil, fmt.Errorf("consumer %s has no topics", opts.Name)
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &Runtime{
		name:        opts.Name,
		store:       store,
		transport:   t,
		topics:      opts.Topics,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		handlers:    make(map[string]HandlerFunc),
		locks:       newEntityLocks(entityLockTTL),
		sem:         make(chan struct{}, opts.Workers),
	}, nil
}

// Register binds a handler to an event kind. Kinds without a handler
// are acknowledged and skipped.
func (r *Runtime) Register(kind string, h HandlerFunc) {
	r.handlers[kind] = h
}

// Start subscribes to the transport
func (r *Runtime) Start() error {
	sub, err := r.transport.Subscribe(r.name, r.topics, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.name, err)
	}
	r.sub = sub
	logger := log.WithConsumer(r.name)
	logger.Info().
		Strs("topics", r.topics).
		Int("max_retries", r.maxRetries).
		Msg("consumer started")
	return nil
}

// Stop leaves the group and waits for in-flight events
func (r *Runtime) Stop() {
	if r.sub != nil {
		r.sub.Stop()
	}
}

// handle processes one delivered message. It returns an error only
// when even dead-lettering failed; the transport then redelivers,
// which is the desired stall-don't-drop behavior during a storage
// outage.
func (r *Runtime) handle(ctx context.Context, msg transport.Message) error {
	logger := log.WithConsumer(r.name)

	var env types.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		// Unparseable envelope: no retries can help, dead-letter the
		// raw bytes under a generated event id.
		return r.deadLetter(ctx, types.Envelope{
			EventID: uuid.New().String(),
			Payload: json.RawMessage(msg.Value),
		}, types.ErrorKindPoison, fmt.Sprintf("envelope decode: %v", err), 0, time.Now().UTC())
	}

	handler, ok := r.handlers[env.Kind]
	if !ok {
		logger.Debug().Str("kind", env.Kind).Str("event_id", env.EventID).Msg("no handler for kind")
		metrics.EventsConsumed.WithLabelValues(r.name, "ignored").Inc()
		return nil
	}

	seen, err := r.store.HasInboxRecord(ctx, r.name, env.EventID)
	if err != nil {
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		metrics.EventsConsumed.WithLabelValues(r.name, "duplicate").Inc()
		return nil
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	// Contended entity keys are not waited on: handing the message back
	// to the transport keeps this worker free, and redelivery retries it
	// once the holder's transaction is done.
	key := r.name + "/" + msg.Key
	if !r.locks.tryAcquire(key, time.Now()) {
		return fmt.Errorf("entity %s is locked by an in-flight event", msg.Key)
	}
	defer r.locks.release(key)

	return r.process(ctx, env, handler)
}

// process runs the handler with the retry budget, dead-lettering on
// exhaustion or on a non-retryable failure
func (r *Runtime) process(ctx context.Context, env types.Envelope, handler HandlerFunc) error {
	logger := log.WithConsumer(r.name)
	firstFailed := time.Time{}

	for attempt := 0; ; attempt++ {
		timer := metrics.NewTimer()
		err := r.processOnce(ctx, env, handler)
		timer.ObserveDurationVec(metrics.ConsumerProcessingDuration, r.name)

		if err == nil {
			metrics.EventsConsumed.WithLabelValues(r.name, "ok").Inc()
			if !env.CreatedAt.IsZero() {
				metrics.WriteToVisibleDuration.Observe(time.Since(env.CreatedAt).Seconds())
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now().UTC()
		if firstFailed.IsZero() {
			firstFailed = now
		}
		kind := Classify(err)

		if !retryable(kind) || attempt >= r.maxRetries {
			return r.deadLetter(ctx, env, kind, err.Error(), attempt, firstFailed)
		}

		logger.Warn().Err(err).
			Str("event_id", env.EventID).
			Str("kind", env.Kind).
			Int("attempt", attempt+1).
			Msg("handler failed, retrying")
		metrics.EventsConsumed.WithLabelValues(r.name, "retried").Inc()

		delay := jittered(r.backoffBase << uint(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// processOnce runs the handler and the inbox insert in one
// transaction. The inbox row is the commit point: if it is already
// present the event was fully processed before, and the transaction is
// abandoned.
func (r *Runtime) processOnce(ctx context.Context, env types.Envelope, handler HandlerFunc) error {
	start := time.Now()
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return Transient(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := handler(ctx, tx, env); err != nil {
		return err
	}

	digest := sha256.Sum256(env.Payload)
	rec := &types.InboxRecord{
		ConsumerName:       r.name,
		EventID:            env.EventID,
		EventKind:          env.Kind,
		ConsumedAt:         time.Now().UTC(),
		ProcessingDuration: time.Since(start),
		PayloadDigest:      hex.EncodeToString(digest[:]),
	}
	if err := r.store.InsertInboxRecord(ctx, tx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Raced a concurrent delivery of the same event; the other
			// side committed.
			return nil
		}
		return Transient(err)
	}

	if err := tx.Commit(); err != nil {
		return Transient(err)
	}
	return nil
}

// deadLetter parks the event and acknowledges it so the partition
// keeps moving. A DLQ insert failure is returned to the transport for
// redelivery: losing the event is worse than stalling.
func (r *Runtime) deadLetter(ctx context.Context, env types.Envelope, kind types.ErrorKind, detail string, retries int, firstFailed time.Time) error {
	now := time.Now().UTC()
	if firstFailed.IsZero() {
		firstFailed = now
	}
	entry := &types.DLQEntry{
		ID:            uuid.New().String(),
		ConsumerName:  r.name,
		EventID:       env.EventID,
		EventKind:     env.Kind,
		TenantID:      env.TenantID,
		Payload:       env.Payload,
		ErrorKind:     kind,
		ErrorDetail:   detail,
		RetryCount:    retries,
		FirstFailedAt: firstFailed,
		LastFailedAt:  now,
	}
	if err := r.store.InsertDLQEntry(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter insert: %w", err)
	}

	logger := log.WithConsumer(r.name)
	logger.Error().
		Str("event_id", env.EventID).
		Str("kind", env.Kind).
		Str("error_kind", string(kind)).
		Str("detail", detail).
		Int("retries", retries).
		Msg("event dead-lettered")
	metrics.EventsConsumed.WithLabelValues(r.name, "dlq").Inc()
	metrics.DLQEntries.WithLabelValues(r.name, string(kind)).Inc()
	return nil
}

// jittered spreads a backoff delay by ±20% so retrying workers do not
// synchronize against a struggling dependency.
func jittered(delay time.Duration) time.Duration {
	return delay + time.Duration(rand.Int63n(int64(delay)*2/5+1)) - delay/5
}
