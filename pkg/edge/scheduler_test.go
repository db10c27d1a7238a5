package edge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashstack/foreman/pkg/types"
)

func testPoller(miners []MinerConfig, workers int, snapshot SnapshotFunc) *Poller {
	cfg := &Config{
		SiteID:        "S1",
		Miners:        miners,
		Workers:       workers,
		PollIntervalS: 1,
	}
	p := NewPoller(cfg, func(context.Context, []*types.TelemetryRecord) {})
	p.snapshot = snapshot
	return p
}

func TestSweepCoversEveryMiner(t *testing.T) {
	miners := []MinerConfig{
		{ID: "M1", Host: "h1"},
		{ID: "M2", Host: "h2"},
		{ID: "M3", Host: "h3"},
	}
	p := testPoller(miners, 2, func(_ context.Context, m MinerConfig) (*RawSnapshot, error) {
		if m.ID == "M2" {
			return nil, errors.New("dial tcp: connection refused")
		}
		var summary map[string]json.RawMessage
		_ = json.Unmarshal([]byte(`{"SUMMARY":[{"GHS 5s":1000}]}`), &summary)
		return &RawSnapshot{Summary: summary}, nil
	})

	records := p.Sweep(context.Background())
	require.Len(t, records, 3)

	byID := make(map[string]*types.TelemetryRecord)
	for _, rec := range records {
		byID[rec.MinerID] = rec
	}
	assert.True(t, byID["M1"].Online)
	assert.False(t, byID["M2"].Online)
	assert.Contains(t, byID["M2"].ErrorMessage, "connection refused")
	assert.True(t, byID["M3"].Online)
}

func TestSweepBoundsConcurrency(t *testing.T) {
	miners := make([]MinerConfig, 20)
	for i := range miners {
		miners[i] = MinerConfig{ID: string(rune('A' + i)), Host: "h"}
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	p := testPoller(miners, 4, func(context.Context, MinerConfig) (*RawSnapshot, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, errors.New("offline")
	})

	records := p.Sweep(context.Background())
	assert.Len(t, records, 20)
	assert.LessOrEqual(t, peak, 4)
	assert.Greater(t, peak, 1)
}

func TestOverlappingTicksCoalesce(t *testing.T) {
	var mu sync.Mutex
	sweeps := 0
	block := make(chan struct{})

	cfg := &Config{
		SiteID:        "S1",
		Miners:        []MinerConfig{{ID: "M1", Host: "h"}},
		Workers:       1,
		PollIntervalS: 1,
	}
	p := NewPoller(cfg, func(context.Context, []*types.TelemetryRecord) {})
	p.interval = 10 * time.Millisecond
	p.jitter = 0
	p.snapshot = func(context.Context, MinerConfig) (*RawSnapshot, error) {
		mu.Lock()
		sweeps++
		mu.Unlock()
		<-block
		return nil, errors.New("offline")
	}

	p.Start()
	time.Sleep(100 * time.Millisecond)
	close(block)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sweeps, "ticks during a running sweep must be skipped")
}
