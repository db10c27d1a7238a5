package command

import (
	"context"
	"sync"
	"time"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

// Sweeper is the background lifecycle reaper: it expires commands past
// their deadline and requeues or fails commands whose device fetched
// them and went silent.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	ttl      time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. ttl is the default command lifetime;
// the running timeout is derived from it.
func NewSweeper(store storage.Store, interval, ttl time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Sweep runs one pass. Exposed for the CLI and tests.
func (s *Sweeper) Sweep(ctx context.Context) {
	logger := log.WithComponent("command-sweeper")
	now := time.Now().UTC()

	expired, err := s.store.ExpireCommands(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("expiry pass failed")
	} else if expired > 0 {
		metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusExpired)).Add(float64(expired))
		logger.Info().Int("count", expired).Msg("commands expired")
	}

	reverted, failed, err := s.store.RevertStaleRunning(ctx, now, 5*s.ttl, MaxRefetch)
	if err != nil {
		logger.Error().Err(err).Msg("stale-running pass failed")
		return
	}
	if reverted > 0 {
		metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusQueued)).Add(float64(reverted))
		logger.Warn().Int("count", reverted).Msg("stale running commands requeued")
	}
	if failed > 0 {
		metrics.CommandTransitions.WithLabelValues(string(types.CommandStatusFailed)).Add(float64(failed))
		logger.Warn().Int("count", failed).Msg("commands failed after refetch limit")
	}
}
