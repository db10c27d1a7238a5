/*
Package transport provides the ordered, partitioned, at-least-once
message bus between the CDC publisher and consumer groups.

Two implementations ship behind the Transport interface:

  - Kafka: a franz-go client for Kafka or Redpanda clusters. Publishing
    is synchronous (the cluster acknowledges before Publish returns) and
    consuming uses manual offset commits so an offset only advances
    after the handler succeeds.
  - InMem: an in-memory partitioned broker for tests and single-process
    deployments. It retains published messages, so a group that
    subscribes late still receives the backlog.

Both implementations hash the message key to a partition, deliver each
partition serially, and redeliver a failed message in place. Messages
with equal keys on the same topic therefore arrive in publish order,
and a handler error never reorders a partition.

# Usage

	t, err := transport.NewKafka([]string{"localhost:9092"})
	if err != nil {
		return err
	}
	defer t.Close()

	sub, err := t.Subscribe("portfolio", []string{"events.miner"},
		func(ctx context.Context, msg transport.Message) error {
			return process(ctx, msg)
		})
	if err != nil {
		return err
	}
	defer sub.Stop()

Handlers should rarely return errors: the consumer runtime layered on
top owns retry budgets and dead-lettering, and reserves transport-level
redelivery for storage outages where blocking the partition is the
correct behavior.
*/
package transport
