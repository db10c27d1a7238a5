package client

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashstack/foreman/pkg/types"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Options{
		BaseURL:      ts.URL,
		CollectorKey: "hsc_test-key",
		DeviceID:     "device-1",
	})
	return c, ts
}

func TestUploadSendsCredentials(t *testing.T) {
	var gotKey, gotDevice, gotEncoding string
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(collectorKeyHeader)
		gotDevice = r.Header.Get(edgeDeviceHeader)
		gotEncoding = r.Header.Get("Content-Encoding")

		var records []*types.TelemetryRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		require.Len(t, records, 1)

		json.NewEncoder(w).Encode(UploadResult{Processed: 1, Online: 1})
	})
	defer ts.Close()

	result, err := c.Upload(context.Background(), []*types.TelemetryRecord{{MinerID: "M1", Online: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, "hsc_test-key", gotKey)
	assert.Equal(t, "device-1", gotDevice)
	assert.Empty(t, gotEncoding, "small payloads go uncompressed")
}

func TestUploadCompressesLargePayloads(t *testing.T) {
	var decoded []*types.TelemetryRecord
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(gz).Decode(&decoded))
		json.NewEncoder(w).Encode(UploadResult{Processed: len(decoded)})
	})
	defer ts.Close()

	// Pad records past the compression threshold
	pool := strings.Repeat("stratum+tcp://pool.example.com/", 8)
	records := make([]*types.TelemetryRecord, 100)
	for i := range records {
		records[i] = &types.TelemetryRecord{MinerID: "M1", Online: true, PoolURL: pool}
	}

	result, err := c.Upload(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 100, result.Processed)
	assert.Len(t, decoded, 100)
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"success":false,"error":"rate_limited","detail":"upload rate exceeded"}`)
	})
	defer ts.Close()

	_, err := c.Upload(context.Background(), []*types.TelemetryRecord{{MinerID: "M1"}})
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "rate_limited", apiErr.Kind)
	assert.Equal(t, 7, int(apiErr.RetryAfter.Seconds()))
	assert.True(t, apiErr.Retryable())
	assert.False(t, apiErr.Rejected())
}

func TestRejectedClassification(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"success":false,"error":"validation","detail":"[0].hashrate_ghs: out of range"}`)
	})
	defer ts.Close()

	_, err := c.Upload(context.Background(), []*types.TelemetryRecord{{MinerID: "M1"}})
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.True(t, apiErr.Rejected())
	assert.False(t, apiErr.Retryable())
}

func TestPendingCommandsAndResult(t *testing.T) {
	c, ts := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/collector/commands/pending":
			assert.Equal(t, "8", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{
				"commands": []RemoteCommand{{ID: "C1", DispatchNonce: "N1", CommandType: types.CommandReboot}},
				"count":    1,
			})
		case strings.HasSuffix(r.URL.Path, "/result"):
			var report ResultReport
			require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
			assert.Equal(t, "N1", report.DispatchNonce)
			assert.Equal(t, types.ResultStatusSucceeded, report.Status)
			json.NewEncoder(w).Encode(map[string]any{"id": "C1", "status": "succeeded"})
		default:
			http.NotFound(w, r)
		}
	})
	defer ts.Close()

	commands, err := c.PendingCommands(context.Background(), 8)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "C1", commands[0].ID)

	err = c.ReportResult(context.Background(), "C1", ResultReport{
		DispatchNonce: "N1",
		MinerID:       "M1",
		Status:        types.ResultStatusSucceeded,
	})
	require.NoError(t, err)
}
