/*
Package audit maintains per-tenant append-only hash chains of
security-relevant actions.

Each event stores the previous event's self hash (32 zero bytes for
the genesis row), a SHA-256 digest of its payload, and its own self
hash computed over previous hash, payload digest, creation time, and
actor. Appends run inside the caller's transaction so the audit row
commits atomically with the recorded action.

Verify walks a tenant's chain from genesis, recomputing every link,
and reports the first event whose stored hashes no longer match.
Tampering with any stored row, including deleting or reordering rows,
breaks verification from that point onward.
*/
package audit
