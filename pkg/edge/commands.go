package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashstack/foreman/pkg/client"
	"github.com/hashstack/foreman/pkg/command"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/types"
)

// errUnsupported marks a command type this firmware cannot perform
var errUnsupported = errors.New("command not supported by miner firmware")

// Runner applies one command to one miner; swapped out in tests
type Runner func(ctx context.Context, miner MinerConfig, cmd client.RemoteCommand) error

// Executor long-polls the command queue, verifies each command's
// dispatch signature, applies it to the targeted miners, and reports
// per-target outcomes. Commands that fail verification are reported
// failed without touching any miner.
type Executor struct {
	client *client.Client
	state  *State
	secret []byte
	miners map[string]MinerConfig
	runner Runner

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutor creates the executor. secret is the device's plaintext
// signing secret; state may be nil to disable duplicate suppression.
func NewExecutor(c *client.Client, state *State, secret []byte, miners []MinerConfig) *Executor {
	byID := make(map[string]MinerConfig, len(miners))
	for _, m := range miners {
		byID[m.ID] = m
	}
	return &Executor{
		client: c,
		state:  state,
		secret: secret,
		miners: byID,
		runner: applyCommand,
		stopCh: make(chan struct{}),
	}
}

// Start launches the long-poll loop
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the loop
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Executor) loop() {
	defer e.wg.Done()
	logger := log.WithComponent("edge-executor")

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
		commands, err := e.client.PendingCommands(ctx, 0)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("command poll failed")
			select {
			case <-e.stopCh:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, cmd := range commands {
			e.Execute(context.Background(), cmd)
		}
	}
}

// Execute runs one command end to end and reports its outcome
func (e *Executor) Execute(ctx context.Context, cmd client.RemoteCommand) {
	logger := log.WithComponent("edge-executor")
	now := time.Now().UTC()

	// Nothing runs on an unverifiable or stale command
	if !command.VerifySignature(e.secret, cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload, cmd.Signature) {
		logger.Error().Str("command_id", cmd.ID).Msg("dispatch signature rejected")
		e.report(ctx, cmd, "", types.ResultStatusFailed, "dispatch signature verification failed", now)
		return
	}
	if now.After(cmd.ExpiresAt) {
		e.report(ctx, cmd, "", types.ResultStatusFailed, "command expired before execution", now)
		return
	}

	if e.state != nil {
		done, err := e.state.WasExecuted(cmd.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("state lookup failed")
		}
		if done {
			e.report(ctx, cmd, "", types.ResultStatusSkipped, "already executed on this device", now)
			return
		}
	}

	targets := cmd.TargetIDs
	if cmd.TargetScope == types.TargetScopeSite {
		targets = nil
		for id := range e.miners {
			targets = append(targets, id)
		}
	}

	for _, target := range targets {
		miner, ok := e.miners[target]
		started := time.Now().UTC()
		switch {
		case !ok:
			e.report(ctx, cmd, target, types.ResultStatusFailed, "miner not configured on this device", started)
		default:
			err := e.runner(ctx, miner, cmd)
			switch {
			case errors.Is(err, errUnsupported):
				e.report(ctx, cmd, target, types.ResultStatusSkipped, err.Error(), started)
			case err != nil:
				e.report(ctx, cmd, target, types.ResultStatusFailed, err.Error(), started)
			default:
				e.report(ctx, cmd, target, types.ResultStatusSucceeded, "", started)
			}
		}
	}

	if e.state != nil {
		if err := e.state.MarkExecuted(cmd.ID, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("execution marker failed")
		}
	}
}

func (e *Executor) report(ctx context.Context, cmd client.RemoteCommand, minerID string, status types.ResultStatus, message string, started time.Time) {
	finished := time.Now().UTC()
	err := e.client.ReportResult(ctx, cmd.ID, client.ResultReport{
		DispatchNonce: cmd.DispatchNonce,
		MinerID:       minerID,
		Status:        status,
		Message:       message,
		StartedAt:     &started,
		FinishedAt:    &finished,
	})
	if err != nil {
		logger := log.WithComponent("edge-executor")
		logger.Warn().
			Err(err).Str("command_id", cmd.ID).Msg("result report failed")
	}
}

// applyCommand maps a control command to the miner's API. Stock
// CGMiner firmwares only expose restart over the API; everything else
// is reported skipped rather than guessed at.
func applyCommand(ctx context.Context, miner MinerConfig, cmd client.RemoteCommand) error {
	switch cmd.CommandType {
	case types.CommandReboot:
		return rawCommand(ctx, miner, "restart")
	default:
		return fmt.Errorf("%w: %s", errUnsupported, cmd.CommandType)
	}
}

// rawCommand issues one privileged API command and only checks that
// the miner answered; restart tears the connection down mid-reply on
// most firmwares
func rawCommand(ctx context.Context, miner MinerConfig, apiCmd string) error {
	port := miner.Port
	if port <= 0 {
		port = DefaultCGMinerPort
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(miner.Host, strconv.Itoa(port)))
	if err != nil {
		return classify(apiCmd, err)
	}
	defer conn.Close()

	request, _ := json.Marshal(map[string]string{"command": apiCmd, "parameter": ""})
	request = append(request, 0)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(request); err != nil {
		return classify(apiCmd, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxResponseSize))
	return nil
}
