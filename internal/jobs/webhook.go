package jobs

import "github.com/riverqueue/river"

// WebhookDeliveryArgs is one queued webhook delivery. Body is kept as a string
// because River stores args as jsonb, which would reorder a nested object.
// The secret and target are re-read from the store when the job runs so they
// never sit in the jobs table.
type WebhookDeliveryArgs struct {
	DeliveryID string `json:"delivery_id"`
	ChatID     string `json:"chat_id"`
	EventType  string `json:"event_type"`
	Body       string `json:"body"`
}

// Kind returns the job kind for River queue
func (WebhookDeliveryArgs) Kind() string { return "webhook_delivery" }

// InsertOpts routes deliveries to the webhooks queue.
func (WebhookDeliveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueWebhooks}
}
