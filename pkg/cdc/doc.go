/*
Package cdc publishes committed outbox rows to the transport.

The Publisher polls the outbox table on a fixed interval, publishes
pending events in creation order, and marks rows published only after
the transport acknowledges the write. Delivery is therefore
at-least-once: a crash between publish and mark causes a re-send, which
consumers absorb through their inbox.

A transport failure stalls the stream in place. The publisher backs off
exponentially with jitter, opens a circuit gauge after repeated
failures, and resumes from the oldest unpublished row once the broker
recovers. No path discards an event.
*/
package cdc
