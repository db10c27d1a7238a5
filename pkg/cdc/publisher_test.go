package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashstack/foreman/pkg/outbox"
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

func appendEvents(t *testing.T, store *storage.SQLStore, n int) {
	t.Helper()
	w := outbox.NewWriter(store)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		_, err = w.AppendEvent(ctx, tx, outbox.Event{
			Kind:     "miner.added",
			TenantID: "T1",
			EntityID: "M1",
			Payload:  map[string]int{"seq": i},
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
}

func TestPublisherDrainsInOrder(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()

	appendEvents(t, store, 5)

	var mu sync.Mutex
	var seqs []int
	done := make(chan struct{})
	sub, err := broker.Subscribe("test", []string{"events.miner"}, func(_ context.Context, msg transport.Message) error {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		assert.Equal(t, "miner.added", env.Kind)
		assert.Equal(t, "T1:M1", msg.Key)
		assert.False(t, env.Replayed)

		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		mu.Lock()
		seqs = append(seqs, payload.Seq)
		if len(seqs) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	p := NewPublisher(store, broker, Options{PollInterval: 20 * time.Millisecond, BatchSize: 2})
	p.Start()
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seqs)
	mu.Unlock()

	// Rows are marked published once the transport acknowledged them
	require.Eventually(t, func() bool {
		count, _, err := store.OutboxBacklog(context.Background())
		return err == nil && count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// flakyTransport fails the first failN Publish calls
type flakyTransport struct {
	*transport.InMem
	mu    sync.Mutex
	failN int
	calls int
}

func (f *flakyTransport) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failN
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("broker unavailable")
	}
	return f.InMem.Publish(ctx, topic, key, value)
}

func TestPublisherRetriesWithoutDropping(t *testing.T) {
	store := newTestStore(t)
	flaky := &flakyTransport{InMem: transport.NewInMem(), failN: 3}
	defer flaky.Close()

	appendEvents(t, store, 2)

	var mu sync.Mutex
	got := 0
	done := make(chan struct{})
	sub, err := flaky.Subscribe("test", []string{"events.miner"}, func(context.Context, transport.Message) error {
		mu.Lock()
		got++
		if got == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	p := NewPublisher(store, flaky, Options{PollInterval: 20 * time.Millisecond, BatchSize: 10, BackoffBase: 10 * time.Millisecond})
	p.Start()
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("events were dropped after transport failures")
	}
}

func TestPublisherIdleWithEmptyOutbox(t *testing.T) {
	store := newTestStore(t)
	broker := transport.NewInMem()
	defer broker.Close()

	p := NewPublisher(store, broker, Options{PollInterval: 10 * time.Millisecond})
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	count, _, err := store.OutboxBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBackoffJitterSpread(t *testing.T) {
	base := time.Second
	low, high := false, false
	for i := 0; i < 2000; i++ {
		d := jittered(base)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
		if d < 900*time.Millisecond {
			low = true
		}
		if d > 1100*time.Millisecond {
			high = true
		}
	}
	assert.True(t, low, "no samples below -10%")
	assert.True(t, high, "no samples above +10%")
}
