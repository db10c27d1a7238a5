package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultCGMinerPort is the conventional CGMiner API port
	DefaultCGMinerPort = 4028

	// maxResponseSize caps one API response; a miner streaming garbage
	// past this is treated as a parse failure
	maxResponseSize = 1 << 20

	dialTimeout  = 2 * time.Second
	writeTimeout = 1 * time.Second
	readTimeout  = 2 * time.Second

	pollAttempts    = 3
	pollBackoffBase = 500 * time.Millisecond
)

// allowedCommands is the closed set of CGMiner API commands the poller
// will issue; anything else never reaches the wire
var allowedCommands = map[string]struct{}{
	"summary": {},
	"stats":   {},
	"pools":   {},
	"devs":    {},
	"version": {},
}

// ErrClass classifies a poll failure
type ErrClass string

const (
	ErrClassTimeout    ErrClass = "timeout"
	ErrClassConnection ErrClass = "connection"
	ErrClassDNS        ErrClass = "dns"
	ErrClassParse      ErrClass = "parse"
)

// Retryable reports whether another attempt against the same miner
// makes sense in this cycle
func (c ErrClass) Retryable() bool {
	return c == ErrClassTimeout || c == ErrClassConnection
}

// PollError is a classified failure talking to one miner
type PollError struct {
	Class ErrClass
	Cmd   string
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("cgminer %s: %s: %v", e.Cmd, e.Class, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// classify maps a transport error to its class
func classify(cmd string, err error) *PollError {
	pe := &PollError{Class: ErrClassConnection, Cmd: cmd, Err: err}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		pe.Class = ErrClassTimeout
		return pe
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		pe.Class = ErrClassDNS
		return pe
	}
	return pe
}

// CGMinerClient polls one miner's CGMiner-compatible API
type CGMinerClient struct {
	addr   string
	dialer *net.Dialer
}

// NewCGMinerClient creates a client for one miner address
func NewCGMinerClient(host string, port int) *CGMinerClient {
	if port <= 0 {
		port = DefaultCGMinerPort
	}
	return &CGMinerClient{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		dialer: &net.Dialer{Timeout: dialTimeout},
	}
}

// Call issues one whitelisted API command and decodes the JSON
// response. Transient failures are retried with exponential backoff;
// DNS and parse failures are not.
func (c *CGMinerClient) Call(ctx context.Context, cmd string) (map[string]json.RawMessage, error) {
	if _, ok := allowedCommands[cmd]; !ok {
		return nil, fmt.Errorf("command %q is not allowed", cmd)
	}

	var lastErr *PollError
	for attempt := 0; attempt < pollAttempts; attempt++ {
		if attempt > 0 {
			backoff := pollBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/5+1)) - backoff/10
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.call(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !err.Class.Retryable() {
			break
		}
	}
	return nil, lastErr
}

func (c *CGMinerClient) call(ctx context.Context, cmd string) (map[string]json.RawMessage, *PollError) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, classify(cmd, err)
	}
	defer conn.Close()

	// Requests carry an empty parameter field and a NUL terminator,
	// matching what stock firmwares expect on the wire
	request, _ := json.Marshal(map[string]string{"command": cmd, "parameter": ""})
	request = append(request, 0)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(request); err != nil {
		return nil, classify(cmd, err)
	}

	// Responses are NUL terminated, but some firmwares just close the
	// connection instead
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	raw, err := io.ReadAll(io.LimitReader(conn, maxResponseSize+1))
	if err != nil && len(raw) == 0 {
		return nil, classify(cmd, err)
	}
	if len(raw) > maxResponseSize {
		return nil, &PollError{Class: ErrClassParse, Cmd: cmd, Err: errors.New("response exceeds size cap")}
	}
	raw = bytes.TrimRight(raw, "\x00")

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &PollError{Class: ErrClassParse, Cmd: cmd, Err: err}
	}
	return decoded, nil
}

// Snapshot gathers the full set of API sections the normalizer needs.
// A summary failure fails the snapshot; the remaining sections are
// best effort so a firmware missing one still reports.
func (c *CGMinerClient) Snapshot(ctx context.Context) (*RawSnapshot, error) {
	summary, err := c.Call(ctx, "summary")
	if err != nil {
		return nil, err
	}
	snap := &RawSnapshot{Summary: summary}
	if stats, err := c.Call(ctx, "stats"); err == nil {
		snap.Stats = stats
	}
	if pools, err := c.Call(ctx, "pools"); err == nil {
		snap.Pools = pools
	}
	if version, err := c.Call(ctx, "version"); err == nil {
		snap.Version = version
	}
	return snap, nil
}

// RawSnapshot holds the undecoded API sections of one poll
type RawSnapshot struct {
	Summary map[string]json.RawMessage
	Stats   map[string]json.RawMessage
	Pools   map[string]json.RawMessage
	Version map[string]json.RawMessage
}
