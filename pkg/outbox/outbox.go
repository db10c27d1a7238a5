package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

// TopicPrefix is prepended to the event domain to form the transport
// topic: "miner.added" routes to "events.miner".
const TopicPrefix = "events."

// Writer appends outbox rows inside business transactions. It performs
// no network I/O; the business commit is the publish commit.
type Writer struct {
	store storage.Store
}

// NewWriter creates an outbox writer backed by the given store
func NewWriter(store storage.Store) *Writer {
	return &Writer{store: store}
}

// Event describes a domain event to append
type Event struct {
	Kind           string
	TenantID       string
	EntityID       string
	Payload        any
	IdempotencyKey string
}

// AppendEvent inserts one outbox row inside the caller's in-progress
// transaction. It never opens its own transaction and never commits.
// A colliding idempotency key returns storage.ErrDuplicateKey; the
// caller decides whether to ignore (idempotent retry) or propagate.
func (w *Writer) AppendEvent(ctx context.Context, tx *sql.Tx, ev Event) (*types.OutboxEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("outbox: AppendEvent requires an in-progress transaction")
	}
	if err := validateKind(ev.Kind); err != nil {
		return nil, err
	}
	if ev.TenantID == "" {
		return nil, fmt.Errorf("outbox: tenant id is required")
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}

	row := &types.OutboxEvent{
		ID:             uuid.New().String(),
		Kind:           ev.Kind,
		TenantID:       ev.TenantID,
		EntityID:       ev.EntityID,
		Payload:        payload,
		IdempotencyKey: ev.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	if err := w.store.InsertOutboxEvent(ctx, tx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// TopicForKind derives the transport topic from an event kind:
// everything up to the first dot is the domain.
func TopicForKind(kind string) string {
	domain := kind
	if i := strings.IndexByte(kind, '.'); i > 0 {
		domain = kind[:i]
	}
	return TopicPrefix + domain
}

func validateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("outbox: event kind is required")
	}
	i := strings.IndexByte(kind, '.')
	if i <= 0 || i == len(kind)-1 {
		return fmt.Errorf("outbox: event kind %q must be of the form <domain>.<name>", kind)
	}
	return nil
}
