package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashstack/foreman/pkg/types"
)

const (
	collectorKeyHeader = "X-Collector-Key"
	edgeDeviceHeader   = "X-Edge-Device"

	// gzipThreshold is the payload size above which uploads are
	// compressed
	gzipThreshold = 16 << 10
)

// APIError is a non-2xx response from the control plane
type APIError struct {
	Status     int
	Kind       string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Kind, e.Detail)
	}
	return fmt.Sprintf("api error %d (%s)", e.Status, e.Kind)
}

// Retryable reports whether the request may succeed if repeated:
// rate limits and server-side failures are retryable, client-side
// rejections are not.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Rejected reports whether the server refused the payload itself, the
// signal for the uploader to start isolating poison records
func (e *APIError) Rejected() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusRequestEntityTooLarge
}

// Client talks to the control plane on behalf of one edge device
type Client struct {
	baseURL      string
	collectorKey string
	deviceID     string
	http         *http.Client
}

// Options configures the client
type Options struct {
	BaseURL      string
	CollectorKey string
	DeviceID     string

	// Timeout bounds one request including the server's long-poll
	// window; zero means 40s
	Timeout time.Duration
}

// New creates a control-plane client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 40 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		collectorKey: opts.CollectorKey,
		deviceID:     opts.DeviceID,
		http:         &http.Client{Timeout: opts.Timeout},
	}
}

// UploadResult summarizes an accepted telemetry batch
type UploadResult struct {
	Processed        int   `json:"processed"`
	Online           int   `json:"online"`
	Offline          int   `json:"offline"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Upload posts a telemetry batch, compressing large payloads
func (c *Client) Upload(ctx context.Context, records []*types.TelemetryRecord) (*UploadResult, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	var reader io.Reader = bytes.NewReader(body)
	encoding := ""
	if len(body) > gzipThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		reader = &buf
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collector/upload", reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	var result UploadResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoteCommand is a signed command handed down for execution
type RemoteCommand struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenant_id"`
	SiteID        string              `json:"site_id"`
	TargetScope   types.TargetScope   `json:"target_scope"`
	TargetIDs     []string            `json:"target_ids,omitempty"`
	CommandType   types.CommandType   `json:"command_type"`
	Payload       json.RawMessage     `json:"payload"`
	Status        types.CommandStatus `json:"status"`
	Priority      int                 `json:"priority"`
	DispatchNonce string              `json:"dispatch_nonce"`
	Signature     string              `json:"signature"`
	ExpiresAt     time.Time           `json:"expires_at"`
	CreatedAt     time.Time           `json:"created_at"`
}

// PendingCommands long-polls the command queue. The server holds the
// request until commands are claimable or its window elapses, so an
// empty slice is the normal idle outcome.
func (c *Client) PendingCommands(ctx context.Context, limit int) ([]RemoteCommand, error) {
	url := c.baseURL + "/collector/commands/pending"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Commands []RemoteCommand `json:"commands"`
		Count    int             `json:"count"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// ResultReport is one per-target outcome sent back for a command
type ResultReport struct {
	DispatchNonce string             `json:"dispatch_nonce"`
	MinerID       string             `json:"miner_id,omitempty"`
	Status        types.ResultStatus `json:"status"`
	Message       string             `json:"message,omitempty"`
	Metrics       json.RawMessage    `json:"metrics,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

// ReportResult posts one target's outcome for a command
func (c *Client) ReportResult(ctx context.Context, commandID string, report ResultReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/collector/commands/"+commandID+"/result", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// do executes a request with the edge credentials attached and decodes
// the response or the error envelope
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(collectorKeyHeader, c.collectorKey)
	if c.deviceID != "" {
		req.Header.Set(edgeDeviceHeader, c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil {
			apiErr.Kind = envelope.Error
			apiErr.Detail = envelope.Detail
		}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, parseErr := strconv.Atoi(after); parseErr == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AsAPIError unwraps an *APIError from err
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
