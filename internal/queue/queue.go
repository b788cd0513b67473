package queue

import "context"

// Publisher publishes trigger messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg TriggerMessage) error
	Close() error
}

// MessageHandler handles a consumed trigger. A returned error dead-letters the message.
type MessageHandler func(ctx context.Context, msg TriggerMessage) error

// Consumer consumes trigger messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// TriggerQueue carries QUEUE_CHECK and RUN_BATCH triggers from the api to the runner.
	TriggerQueue = "pipeline.triggers"

	triggerRoutingKey = "pipeline.triggers"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.pipeline.triggers.
func DLQName(queue string) string {
	return "dlq." + queue
}
