/*
Package ingest serves the collector telemetry upload endpoint.

An upload is a JSON array of per-miner telemetry records authenticated
by the X-Collector-Key header; only the SHA-256 of the presented
credential is compared against stored key hashes. Request handling
runs a fixed gauntlet:

 1. Key auth (missing, malformed, unknown, or revoked rejects).
 2. Per-key sliding-window rate limit with X-RateLimit response
    headers and Retry-After on rejection.
 3. Body read with gzip support; the decompressed size and the record
    count are capped.
 4. Closed schema validation: the first violation rejects the whole
    batch with its field path. Unknown fields are dropped silently,
    but a type mismatch, out-of-range value, over-length string,
    over-cardinality array, or duplicate miner_id fails everything —
    no partial acceptance.
 5. Site scoping: every miner in the batch must be registered to the
    key's site, otherwise the batch is forbidden.
 6. Persistence: live snapshot upsert and history append commit in
    one transaction, then an upload log row is written.

The rate limiter ships in two flavors: a process-local memory limiter
that sweeps stale windows, and a Redis-backed limiter shared across
server replicas.
*/
package ingest
