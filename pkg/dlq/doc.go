/*
Package dlq inspects and replays dead-lettered events.

Replay re-publishes matching unreplayed entries to their original
topics with the replayed marker set in the envelope, then records the
replay timestamp so an entry is never replayed twice. When the original
outbox row is still retained, replay restores the entity id and
creation time from it; otherwise the parked copy is used as-is.

Operators reach this package through the admin API and the dlq CLI
subcommands (stats, list, replay). Replay supports a dry-run mode that
reports what would be sent without publishing.
*/
package dlq
