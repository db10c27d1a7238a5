package storage

import (
	"context"
	"time"

	"github.com/hashstack/foreman/pkg/log"
)

// RetentionConfig holds per-table retention windows
type RetentionConfig struct {
	Outbox           time.Duration // published rows, default 7d
	Inbox            time.Duration // default 30d
	UploadLogs       time.Duration // default 7d
	DLQ              time.Duration // replayed rows, default 90d
	TelemetryHistory time.Duration // operator controlled, default 90d
	Interval         time.Duration // sweep interval, default 1h
}

// DefaultRetention returns the documented retention windows
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		Outbox:           7 * 24 * time.Hour,
		Inbox:            30 * 24 * time.Hour,
		UploadLogs:       7 * 24 * time.Hour,
		DLQ:              90 * 24 * time.Hour,
		TelemetryHistory: 90 * 24 * time.Hour,
		Interval:         time.Hour,
	}
}

// Pruner periodically deletes rows past their retention window
type Pruner struct {
	store  Store
	cfg    RetentionConfig
	stopCh chan struct{}
}

// NewPruner creates a new retention pruner
func NewPruner(store Store, cfg RetentionConfig) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Pruner{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the pruning loop
func (p *Pruner) Start() {
	go p.run()
}

// Stop stops the pruner
func (p *Pruner) Stop() {
	close(p.stopCh)
}

func (p *Pruner) run() {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// Sweep performs one retention pass. Failures are logged and do not
// stop the remaining tables from being pruned.
func (p *Pruner) Sweep(ctx context.Context) {
	logger := log.WithComponent("retention")
	now := time.Now()

	sweeps := []struct {
		name string
		fn   func(context.Context, time.Time) (int64, error)
		keep time.Duration
	}{
		{"outbox", p.store.PruneOutbox, p.cfg.Outbox},
		{"inbox", p.store.PruneInbox, p.cfg.Inbox},
		{"upload_log", p.store.PruneUploadLogs, p.cfg.UploadLogs},
		{"dlq", p.store.PruneDLQ, p.cfg.DLQ},
		{"telemetry_history", p.store.PruneTelemetryHistory, p.cfg.TelemetryHistory},
	}

	for _, sw := range sweeps {
		if sw.keep <= 0 {
			continue
		}
		n, err := sw.fn(ctx, now.Add(-sw.keep))
		if err != nil {
			logger.Error().Err(err).Str("table", sw.name).Msg("retention sweep failed")
			continue
		}
		if n > 0 {
			logger.Debug().Str("table", sw.name).Int64("pruned", n).Msg("retention sweep")
		}
	}
}
