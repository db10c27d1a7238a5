/*
Package api is the control-plane HTTP surface.

Two authentication domains share one router. The edge surface under
/collector authenticates with a collector key: telemetry upload,
long-polled command pickup, and result reporting. The operator surface
authenticates with a bearer session token (or the static admin token)
and covers command management, dead-letter inspection and replay,
audit-chain verification, and key/device provisioning.

GET /health reports pipeline health with per-component thresholds:
database round trip, outbox backlog and age, consumer lag, unreplayed
dead letters, sampled write-to-visible latency, and derived-state
freshness. Warnings keep the endpoint at 200;
critical conditions return 503. GET /metrics exposes the Prometheus
registry.
*/
package api
