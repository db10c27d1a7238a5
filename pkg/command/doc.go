/*
Package command implements the cloud-to-edge command queue.

Commands are durable, tenant-scoped rows moving through a forward-only
lifecycle: queued (or pending_approval first), running once an edge
device fetches them, and finally succeeded, failed, cancelled, or
expired. Terminal states are frozen by compare-and-set transitions.

Creation canonicalizes synonym command types, honors an idempotency
key unique per (tenant, requester, key), and signs the command with
HMAC-SHA256 over the command id, dispatch nonce, expiry, and payload
digest. The signing key is derived from the site device's shared
secret under a fixed context string, so the edge can verify a fetched
command before executing it and the server can detect a stored row
altered after signing.

Result reports must echo the dispatch nonce; a mismatched nonce or a
report against an already terminal command is rejected. Per-target
results aggregate onto the parent: any failure fails the command, a
complete set of successes succeeds it.

The Sweeper expires overdue commands and requeues commands whose
device fetched them and never reported, failing them once the refetch
limit is reached.
*/
package command
