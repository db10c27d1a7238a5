/*
Package metrics provides Prometheus metrics collection and exposition.

All metrics are defined as package-level collectors and registered with
the default registry at init, grouped by subsystem:

  - Outbox/CDC: backlog depth, oldest pending age, publish counters,
    publisher circuit state
  - Consumers: processed events by outcome, handler latency,
    write-to-visible latency
  - DLQ: depth, dead-lettered events by error kind, replays
  - Ingest: uploads by outcome, accepted miner records, processing
    latency, rate-limit rejections
  - Commands: created by type, status transitions, dispatch latency
  - API: request counts and latency by method

Counters and histograms are incremented inline by the owning packages.
Store-derived gauges (outbox backlog, DLQ depth) are sampled every 15
seconds by the Collector, which the server starts alongside the CDC
publisher.

The /metrics endpoint is served by Handler() from the API server.
*/
package metrics
