// Package jobs defines the River job arguments used by the relay.
package jobs

// Queue names.
const (
	// QueueWebhooks carries webhook delivery attempts.
	QueueWebhooks = "webhooks"
)
