package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashstack/foreman/pkg/consumer"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/transport"
	"github.com/hashstack/foreman/pkg/types"
)

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.Open("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func parkEntry(t *testing.T, store *storage.SQLStore, consumerName, kind, tenant string) *types.DLQEntry {
	t.Helper()
	now := time.Now().UTC()
	e := &types.DLQEntry{
		ID:            uuid.New().String(),
		ConsumerName:  consumerName,
		EventID:       uuid.New().String(),
		EventKind:     kind,
		TenantID:      tenant,
		Payload:       json.RawMessage(`{"miner_id":"M1"}`),
		ErrorKind:     types.ErrorKindTransient,
		ErrorDetail:   "storage busy",
		RetryCount:    3,
		FirstFailedAt: now.Add(-time.Minute),
		LastFailedAt:  now,
	}
	require.NoError(t, store.InsertDLQEntry(context.Background(), e))
	return e
}

func TestReplayPublishesWithMarker(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()
	svc := NewService(store, broker)
	ctx := context.Background()

	parked := parkEntry(t, store, "portfolio", "miner.added", "T1")

	var mu sync.Mutex
	var got []types.Envelope
	sub, err := broker.Subscribe("verify", []string{"events.miner"}, func(_ context.Context, msg transport.Message) error {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	report, err := svc.Replay(ctx, storage.DLQFilter{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Replayed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	env := got[0]
	mu.Unlock()
	assert.True(t, env.Replayed)
	assert.Equal(t, parked.EventID, env.EventID)
	assert.Equal(t, "miner.added", env.Kind)
	assert.JSONEq(t, `{"miner_id":"M1"}`, string(env.Payload))

	// The entry is marked and excluded from subsequent replays
	report, err = svc.Replay(ctx, storage.DLQFilter{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Matched)
}

func TestReplayDryRun(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, nil)
	ctx := context.Background()

	parkEntry(t, store, "portfolio", "miner.added", "T1")

	report, err := svc.Replay(ctx, storage.DLQFilter{}, 0, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 0, report.Replayed)
	assert.Len(t, report.EventIDs, 1)

	// Nothing was marked
	stats, err := svc.Stats(ctx, storage.DLQFilter{Unreplayed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unreplayed)
}

func TestReplayFilters(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()
	svc := NewService(store, broker)
	ctx := context.Background()

	parkEntry(t, store, "portfolio", "miner.added", "T1")
	parkEntry(t, store, "billing", "miner.added", "T1")
	parkEntry(t, store, "portfolio", "miner.removed", "T2")

	report, err := svc.Replay(ctx, storage.DLQFilter{ConsumerName: "portfolio", TenantID: "T1"}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)

	stats, err := svc.Stats(ctx, storage.DLQFilter{Unreplayed: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unreplayed)
}

func TestReplayedEventIsProcessedByConsumer(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()
	svc := NewService(store, broker)
	ctx := context.Background()

	parked := parkEntry(t, store, "test-consumer", "miner.added", "T1")

	var mu sync.Mutex
	var handled []types.Envelope
	rt, err := consumer.NewRuntime(store, broker, consumer.Options{
		Name:   "test-consumer",
		Topics: []string{"events.miner"},
	})
	require.NoError(t, err)
	rt.Register("miner.added", func(_ context.Context, _ *sql.Tx, env types.Envelope) error {
		mu.Lock()
		handled = append(handled, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, rt.Start())
	defer rt.Stop()

	_, err = svc.Replay(ctx, storage.DLQFilter{}, 0, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.True(t, handled[0].Replayed)
	assert.Equal(t, parked.EventID, handled[0].EventID)
	mu.Unlock()

	seen, err := store.HasInboxRecord(ctx, "test-consumer", parked.EventID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReplayRestoresOutboxMetadata(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()
	svc := NewService(store, broker)
	ctx := context.Background()

	// The original outbox row still exists for this event
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	ev := &types.OutboxEvent{
		ID:        uuid.New().String(),
		Kind:      "miner.added",
		TenantID:  "T1",
		EntityID:  "M9",
		Payload:   json.RawMessage(`{}`),
		CreatedAt: created,
	}
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertOutboxEvent(ctx, tx, ev))
	require.NoError(t, tx.Commit())

	entry := &types.DLQEntry{
		ID:            uuid.New().String(),
		ConsumerName:  "billing",
		EventID:       ev.ID,
		EventKind:     ev.Kind,
		TenantID:      ev.TenantID,
		Payload:       ev.Payload,
		ErrorKind:     types.ErrorKindPermanent,
		FirstFailedAt: time.Now().UTC(),
		LastFailedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.InsertDLQEntry(ctx, entry))

	var mu sync.Mutex
	var keys []string
	var envs []types.Envelope
	sub, err := broker.Subscribe("verify", []string{"events.miner"}, func(_ context.Context, msg transport.Message) error {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		mu.Lock()
		keys = append(keys, msg.Key)
		envs = append(envs, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	_, err = svc.Replay(ctx, storage.DLQFilter{ConsumerName: "billing"}, 0, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(envs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "T1:M9", keys[0])
	assert.Equal(t, "M9", envs[0].EntityID)
	assert.True(t, envs[0].CreatedAt.Equal(created), "replay keeps the original creation time")
}

func TestListDefaultsLimit(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		parkEntry(t, store, "portfolio", "miner.added", fmt.Sprintf("T%d", i))
	}

	entries, err := svc.List(ctx, storage.DLQFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
