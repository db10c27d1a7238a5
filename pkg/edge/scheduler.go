package edge

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/types"
)

// SnapshotFunc polls one miner; swapped out in tests
type SnapshotFunc func(ctx context.Context, miner MinerConfig) (*RawSnapshot, error)

func dialSnapshot(ctx context.Context, miner MinerConfig) (*RawSnapshot, error) {
	return NewCGMinerClient(miner.Host, miner.Port).Snapshot(ctx)
}

// Poller sweeps the site's miners on a jittered interval and hands
// each completed sweep to a sink. Overlapping sweeps coalesce: a tick
// that fires while the previous sweep still runs is skipped.
type Poller struct {
	miners   []MinerConfig
	workers  int
	interval time.Duration
	jitter   time.Duration
	snapshot SnapshotFunc
	sink     func(ctx context.Context, records []*types.TelemetryRecord)

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller over the configured miners
func NewPoller(cfg *Config, sink func(ctx context.Context, records []*types.TelemetryRecord)) *Poller {
	return &Poller{
		miners:   cfg.Miners,
		workers:  cfg.Workers,
		interval: cfg.PollInterval(),
		jitter:   cfg.PollJitter(),
		snapshot: dialSnapshot,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the loop and waits for an in-flight sweep
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	logger := log.WithComponent("edge-poller")

	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(p.nextDelay()):
		}

		if !p.running.CompareAndSwap(false, true) {
			logger.Warn().Msg("previous sweep still running, tick skipped")
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.running.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), 5*p.interval)
			defer cancel()
			p.sink(ctx, p.Sweep(ctx))
		}()
	}
}

// nextDelay returns the interval with symmetric jitter applied
func (p *Poller) nextDelay() time.Duration {
	delay := p.interval
	if p.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(2*p.jitter))) - p.jitter
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

// Sweep polls every miner once through a bounded worker pool. A miner
// that cannot be reached contributes an offline record, so the batch
// always covers the whole site.
func (p *Poller) Sweep(ctx context.Context) []*types.TelemetryRecord {
	start := time.Now()
	records := make([]*types.TelemetryRecord, len(p.miners))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				records[i] = p.pollOne(ctx, p.miners[i])
			}
		}()
	}
	for i := range p.miners {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	online := 0
	for _, rec := range records {
		if rec.Online {
			online++
		}
	}
	logger := log.WithComponent("edge-poller")
	logger.Info().
		Int("miners", len(records)).
		Int("online", online).
		Dur("elapsed", time.Since(start)).
		Msg("sweep complete")
	return records
}

func (p *Poller) pollOne(ctx context.Context, miner MinerConfig) *types.TelemetryRecord {
	now := time.Now()
	snap, err := p.snapshot(ctx, miner)
	if err != nil {
		logger := log.WithComponent("edge-poller")
		logger.Debug().
			Str("miner_id", miner.ID).Err(err).Msg("miner unreachable")
		return Offline(miner.ID, err, now)
	}
	return Normalize(miner.ID, snap, now)
}
