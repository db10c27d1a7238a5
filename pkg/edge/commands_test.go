package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashstack/foreman/pkg/client"
	"github.com/hashstack/foreman/pkg/command"
	"github.com/hashstack/foreman/pkg/types"
)

// resultSink records result reports posted back to the control plane
type resultSink struct {
	mu      sync.Mutex
	reports []client.ResultReport
}

func (s *resultSink) handler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/result") {
		http.NotFound(w, r)
		return
	}
	var report client.ResultReport
	_ = json.NewDecoder(r.Body).Decode(&report)
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"id": "C1"})
}

func (s *resultSink) byMiner() map[string]client.ResultReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]client.ResultReport, len(s.reports))
	for _, r := range s.reports {
		out[r.MinerID] = r
	}
	return out
}

type execFixture struct {
	executor *Executor
	sink     *resultSink
	secret   []byte
	ran      *[]string
}

func newExecFixture(t *testing.T, withState bool) *execFixture {
	t.Helper()
	sink := &resultSink{}
	ts := httptest.NewServer(http.HandlerFunc(sink.handler))
	t.Cleanup(ts.Close)

	secret := []byte("0123456789abcdef0123456789abcdef")
	c := client.New(client.Options{BaseURL: ts.URL, CollectorKey: "hsc_k", DeviceID: "D1"})

	var state *State
	if withState {
		var err error
		state, err = OpenState(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = state.Close() })
	}

	miners := []MinerConfig{{ID: "M1", Host: "h1"}, {ID: "M2", Host: "h2"}}
	executor := NewExecutor(c, state, secret, miners)

	ran := &[]string{}
	executor.runner = func(_ context.Context, miner MinerConfig, cmd client.RemoteCommand) error {
		*ran = append(*ran, miner.ID)
		return nil
	}
	return &execFixture{executor: executor, sink: sink, secret: secret, ran: ran}
}

// signedCommand builds a command whose signature verifies under the
// fixture secret
func (f *execFixture) signedCommand(targets ...string) client.RemoteCommand {
	cmd := client.RemoteCommand{
		ID:            "C1",
		TenantID:      "T1",
		SiteID:        "S1",
		TargetScope:   types.TargetScopeMiner,
		TargetIDs:     targets,
		CommandType:   types.CommandReboot,
		Payload:       json.RawMessage(`{}`),
		Status:        types.CommandStatusRunning,
		DispatchNonce: "N1",
		ExpiresAt:     time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second),
	}
	cmd.Signature = command.Sign(f.secret, cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload)
	return cmd
}

func TestExecuteRunsAndReportsPerTarget(t *testing.T) {
	f := newExecFixture(t, false)

	f.executor.Execute(context.Background(), f.signedCommand("M1", "M2"))

	assert.ElementsMatch(t, []string{"M1", "M2"}, *f.ran)
	byMiner := f.sink.byMiner()
	require.Len(t, byMiner, 2)
	assert.Equal(t, types.ResultStatusSucceeded, byMiner["M1"].Status)
	assert.Equal(t, "N1", byMiner["M1"].DispatchNonce)
	assert.NotNil(t, byMiner["M1"].FinishedAt)
}

func TestExecuteRefusesBadSignature(t *testing.T) {
	f := newExecFixture(t, false)

	cmd := f.signedCommand("M1")
	cmd.Payload = json.RawMessage(`{"tampered":true}`)

	f.executor.Execute(context.Background(), cmd)

	assert.Empty(t, *f.ran, "nothing may run on an unverifiable command")
	byMiner := f.sink.byMiner()
	require.Len(t, byMiner, 1)
	report := byMiner[""]
	assert.Equal(t, types.ResultStatusFailed, report.Status)
	assert.Contains(t, report.Message, "signature")
}

func TestExecuteRefusesExpiredCommand(t *testing.T) {
	f := newExecFixture(t, false)

	cmd := f.signedCommand("M1")
	cmd.ExpiresAt = time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	cmd.Signature = command.Sign(f.secret, cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload)

	f.executor.Execute(context.Background(), cmd)

	assert.Empty(t, *f.ran)
	report := f.sink.byMiner()[""]
	assert.Equal(t, types.ResultStatusFailed, report.Status)
	assert.Contains(t, report.Message, "expired")
}

func TestExecuteSkipsRedelivery(t *testing.T) {
	f := newExecFixture(t, true)
	cmd := f.signedCommand("M1")

	f.executor.Execute(context.Background(), cmd)
	f.executor.Execute(context.Background(), cmd)

	assert.Equal(t, []string{"M1"}, *f.ran, "a redelivered command must not re-run")

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.reports, 2)
	assert.Equal(t, types.ResultStatusSucceeded, f.sink.reports[0].Status)
	assert.Equal(t, types.ResultStatusSkipped, f.sink.reports[1].Status)
}

func TestExecuteUnknownTargetFails(t *testing.T) {
	f := newExecFixture(t, false)

	f.executor.Execute(context.Background(), f.signedCommand("M1", "M9"))

	byMiner := f.sink.byMiner()
	assert.Equal(t, types.ResultStatusSucceeded, byMiner["M1"].Status)
	assert.Equal(t, types.ResultStatusFailed, byMiner["M9"].Status)
	assert.Contains(t, byMiner["M9"].Message, "not configured")
}

func TestExecuteSiteScopeCoversAllMiners(t *testing.T) {
	f := newExecFixture(t, false)

	cmd := f.signedCommand()
	cmd.TargetScope = types.TargetScopeSite
	cmd.Signature = command.Sign(f.secret, cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload)

	f.executor.Execute(context.Background(), cmd)
	assert.ElementsMatch(t, []string{"M1", "M2"}, *f.ran)
}

func TestUnsupportedCommandIsSkipped(t *testing.T) {
	f := newExecFixture(t, false)
	f.executor.runner = applyCommand

	cmd := f.signedCommand("M1")
	cmd.CommandType = types.CommandLED
	cmd.Signature = command.Sign(f.secret, cmd.ID, cmd.DispatchNonce, cmd.ExpiresAt, cmd.Payload)

	f.executor.Execute(context.Background(), cmd)

	report := f.sink.byMiner()["M1"]
	assert.Equal(t, types.ResultStatusSkipped, report.Status)
	assert.Contains(t, report.Message, "not supported")
}
