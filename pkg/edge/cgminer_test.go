package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMiner answers each connection with a fixed response
func fakeMiner(t *testing.T, response []byte) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				_ = c.SetReadDeadline(time.Now().Add(time.Second))
				_, _ = c.Read(buf)
				_, _ = c.Write(response)
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestCallDecodesNULTerminatedResponse(t *testing.T) {
	host, port := fakeMiner(t, []byte(`{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"GHS 5s":95000.5}]}`+"\x00"))

	c := NewCGMinerClient(host, port)
	resp, err := c.Call(context.Background(), "summary")
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(resp["SUMMARY"], &rows))
	assert.Equal(t, 95000.5, rows[0]["GHS 5s"])
}

func TestCallSendsTerminatedRequestFrame(t *testing.T) {
	received := make(chan []byte, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _ := conn.Read(buf)
		received <- buf[:n]
		_, _ = conn.Write([]byte(`{"STATUS":[{"STATUS":"S"}]}` + "\x00"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewCGMinerClient("127.0.0.1", addr.Port)
	_, err = c.Call(context.Background(), "summary")
	require.NoError(t, err)

	frame := <-received
	require.NotEmpty(t, frame)
	assert.Equal(t, byte(0), frame[len(frame)-1])

	var request map[string]string
	require.NoError(t, json.Unmarshal(frame[:len(frame)-1], &request))
	assert.Equal(t, "summary", request["command"])
	parameter, ok := request["parameter"]
	assert.True(t, ok)
	assert.Empty(t, parameter)
}

func TestCallAcceptsEOFWithoutTerminator(t *testing.T) {
	host, port := fakeMiner(t, []byte(`{"VERSION":[{"Type":"Antminer S19"}]}`))

	c := NewCGMinerClient(host, port)
	resp, err := c.Call(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, resp, "VERSION")
}

func TestCallRejectsUnknownCommand(t *testing.T) {
	c := NewCGMinerClient("127.0.0.1", 1)
	_, err := c.Call(context.Background(), "quit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestCallClassifiesParseFailure(t *testing.T) {
	host, port := fakeMiner(t, []byte("not json at all\x00"))

	c := NewCGMinerClient(host, port)
	_, err := c.Call(context.Background(), "summary")
	require.Error(t, err)

	var pollErr *PollError
	require.ErrorAs(t, err, &pollErr)
	assert.Equal(t, ErrClassParse, pollErr.Class)
	assert.False(t, pollErr.Class.Retryable())
}

func TestCallClassifiesConnectionFailure(t *testing.T) {
	// Grab a port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c := NewCGMinerClient("127.0.0.1", addr.Port)
	start := time.Now()
	_, err = c.Call(context.Background(), "summary")
	require.Error(t, err)

	var pollErr *PollError
	require.ErrorAs(t, err, &pollErr)
	assert.Equal(t, ErrClassConnection, pollErr.Class)
	// Connection failures are retried with backoff before giving up
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestSnapshotSurvivesMissingSections(t *testing.T) {
	// Firmware that only answers summary; stats/pools/version fail as
	// parse errors
	responses := map[string]string{
		"summary": `{"SUMMARY":[{"GHS 5s":1000}]}`,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				_ = c.SetReadDeadline(time.Now().Add(time.Second))
				n, _ := c.Read(buf)
				var req map[string]string
				_ = json.Unmarshal(bytes.TrimRight(buf[:n], "\x00"), &req)
				if resp, ok := responses[req["command"]]; ok {
					_, _ = c.Write(append([]byte(resp), 0))
				} else {
					_, _ = c.Write([]byte("E\x00"))
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewCGMinerClient("127.0.0.1", addr.Port)
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Summary)
	assert.Nil(t, snap.Stats)
	assert.Nil(t, snap.Pools)
}
