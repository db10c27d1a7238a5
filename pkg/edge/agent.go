package edge

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hashstack/foreman/pkg/client"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/types"
)

// Agent is the on-site process: a telemetry poller feeding the
// uploader, and a command executor long-polling the control plane.
type Agent struct {
	cfg      *Config
	state    *State
	poller   *Poller
	executor *Executor
}

// NewAgent wires the agent from its configuration
func NewAgent(cfg *Config) (*Agent, error) {
	state, err := OpenState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	c := client.New(client.Options{
		BaseURL:      cfg.ServerURL,
		CollectorKey: cfg.CollectorKey,
		DeviceID:     cfg.DeviceID,
	})
	uploader := NewUploader(c, state)

	agent := &Agent{cfg: cfg, state: state}
	agent.poller = NewPoller(cfg, func(ctx context.Context, records []*types.TelemetryRecord) {
		report := uploader.Upload(ctx, records)
		if report.Dropped > 0 {
			logger := log.WithComponent("edge")
			logger.Warn().
				Int("uploaded", report.Uploaded).
				Int("dropped", report.Dropped).
				Msg("sweep partially delivered")
		}
	})

	if cfg.DeviceID != "" && cfg.DeviceSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(cfg.DeviceSecret)
		if err != nil {
			state.Close()
			return nil, fmt.Errorf("decode device secret: %w", err)
		}
		agent.executor = NewExecutor(c, state, secret, cfg.Miners)
	}
	return agent, nil
}

// Start launches the poller and, when the device is provisioned for
// commands, the executor
func (a *Agent) Start() {
	logger := log.WithComponent("edge")
	a.poller.Start()
	if a.executor != nil {
		a.executor.Start()
	} else {
		logger.Info().Msg("no device credentials, command execution disabled")
	}

	// Old execution markers are of no use once the server has expired
	// the commands they belong to
	if removed, err := a.state.PruneExecuted(time.Now().Add(-24 * time.Hour)); err == nil && removed > 0 {
		logger.Debug().Int("removed", removed).Msg("pruned execution markers")
	}
}

// Stop halts both loops and closes local state
func (a *Agent) Stop() {
	a.poller.Stop()
	if a.executor != nil {
		a.executor.Stop()
	}
	_ = a.state.Close()
}
