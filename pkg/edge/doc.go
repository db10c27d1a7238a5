/*
Package edge is the on-site agent.

A poller sweeps the site's miners over the CGMiner TCP API on a
jittered interval through a bounded worker pool, normalizes the
firmware-specific responses into telemetry records, and reports
unreachable miners as offline so every sweep covers the whole site.
The uploader delivers sweeps to the control plane, retrying transient
failures and bisecting rejected batches down to the poison record.

The executor long-polls the command queue, refuses any command whose
dispatch signature does not verify under the device secret, applies
the rest to the targeted miners, and reports per-target outcomes.
A bbolt state file remembers executed command ids so a redelivery is
reported, not re-run.
*/
package edge
