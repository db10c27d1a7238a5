package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/outbox"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
	"github.com/hashstack/foreman/pkg/types"
)

// Service inspects and replays dead-lettered events
type Service struct {
	store     storage.Store
	transport transport.Transport
}

// NewService creates a DLQ service. The transport may be nil when only
// Stats and List are needed (CLI inspection).
func NewService(store storage.Store, t transport.Transport) *Service {
	return &Service{store: store, transport: t}
}

// Stats returns the aggregate breakdown of matching entries
func (s *Service) Stats(ctx context.Context, f storage.DLQFilter) (*storage.DLQStats, error) {
	return s.store.StatsDLQ(ctx, f)
}

// List returns matching entries, newest first
func (s *Service) List(ctx context.Context, f storage.DLQFilter, limit int) ([]*types.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDLQ(ctx, f, limit)
}

// ReplayReport summarizes one replay run
type ReplayReport struct {
	Matched  int      `json:"matched"`
	Replayed int      `json:"replayed"`
	DryRun   bool     `json:"dry_run"`
	EventIDs []string `json:"event_ids,omitempty"`
}

// Replay re-publishes matching unreplayed entries to their original
// topics with the replayed marker set, then records the replay. A
// publish failure stops the run; already-replayed entries stay marked
// and the rest remain eligible for the next attempt.
func (s *Service) Replay(ctx context.Context, f storage.DLQFilter, limit int, dryRun bool) (*ReplayReport, error) {
	if limit <= 0 {
		limit = 100
	}
	f.Unreplayed = true

	entries, err := s.store.ListDLQ(ctx, f, limit)
	if err != nil {
		return nil, err
	}
	report := &ReplayReport{Matched: len(entries), DryRun: dryRun}
	for _, e := range entries {
		report.EventIDs = append(report.EventIDs, e.EventID)
	}
	if dryRun {
		return report, nil
	}
	if s.transport == nil {
		return nil, errors.New("replay requires a transport")
	}

	logger := log.WithComponent("dlq")
	for _, e := range entries {
		env, err := s.envelopeFor(ctx, e)
		if err != nil {
			return report, err
		}
		value, err := json.Marshal(env)
		if err != nil {
			return report, fmt.Errorf("marshal replay envelope %s: %w", e.EventID, err)
		}

		key := env.TenantID
		if env.EntityID != "" {
			key = env.TenantID + ":" + env.EntityID
		}
		topic := outbox.TopicForKind(env.Kind)
		if err := s.transport.Publish(ctx, topic, key, value); err != nil {
			return report, fmt.Errorf("replay publish %s: %w", e.EventID, err)
		}
		if err := s.store.MarkDLQReplayed(ctx, e.ID, time.Now().UTC()); err != nil {
			return report, fmt.Errorf("mark replayed %s: %w", e.ID, err)
		}

		report.Replayed++
		metrics.DLQReplays.Inc()
		logger.Info().
			Str("event_id", e.EventID).
			Str("kind", e.EventKind).
			Str("consumer", e.ConsumerName).
			Msg("dead-letter replayed")
	}
	return report, nil
}

// envelopeFor rebuilds the transport envelope for a parked entry. The
// outbox row, when still retained, restores the entity id and original
// creation time; otherwise the DLQ copy is authoritative.
func (s *Service) envelopeFor(ctx context.Context, e *types.DLQEntry) (types.Envelope, error) {
	env := types.Envelope{
		EventID:   e.EventID,
		Kind:      e.EventKind,
		TenantID:  e.TenantID,
		CreatedAt: e.FirstFailedAt,
		Payload:   e.Payload,
		Replayed:  true,
	}
	ev, err := s.store.GetOutboxEvent(ctx, e.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return env, nil
		}
		return env, err
	}
	env.EntityID = ev.EntityID
	env.CreatedAt = ev.CreatedAt
	return env, nil
}
