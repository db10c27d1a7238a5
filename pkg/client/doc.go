// Package client is the edge agent's HTTP client for the control
// plane: telemetry upload, long-polled command pickup, and result
// reporting, authenticated by collector key and device id.
package client
