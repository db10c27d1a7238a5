/*
Package consumer runs named event consumers over the transport.

A Runtime subscribes one consumer group, routes each envelope to the
handler registered for its kind, and wraps every execution in the
idempotency and failure machinery the handlers should not have to
carry themselves:

  - Inbox dedupe: the (consumer, event_id) inbox row is inserted in the
    same transaction as the handler's writes, so a redelivered event is
    either fully applied once or skipped.
  - Entity locks: a per-key TTL lock serializes handlers touching the
    same entity within the process, on top of the transport's
    per-partition ordering.
  - Retry budget: transient failures are retried with exponential
    backoff and jitter. Permanent and poison failures skip the budget.
  - Dead-lettering: an exhausted or unprocessable event is parked in
    the DLQ and acknowledged, so one bad event never blocks the
    partition behind it. Only a failure to write the DLQ itself stalls
    delivery.

Handlers classify their failures with Transient, Permanent, and
Poison; unclassified errors count as transient.

The built-in portfolio consumer (RegisterPortfolioHandlers) maintains
the per-tenant miner count read model and the site miner registry from
miner.added and miner.removed events.
*/
package consumer
