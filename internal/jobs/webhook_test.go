package jobs

import (
	"encoding/json"
	"testing"
)

func TestWebhookDeliveryArgsKind(t *testing.T) {
	args := WebhookDeliveryArgs{ChatID: "c1", Body: `{"test":"data"}`}

	if args.Kind() != "webhook_delivery" {
		t.Errorf("Expected Kind() to return 'webhook_delivery', got '%s'", args.Kind())
	}
	if q := args.InsertOpts().Queue; q != QueueWebhooks {
		t.Errorf("Expected queue %q, got %q", QueueWebhooks, q)
	}
}

func TestWebhookDeliveryArgsKeepBodyBytes(t *testing.T) {
	body := `{"timestamp":"2026-01-01T00:00:00Z","chatId":"c1","event":{"type":"message"}}`
	data, err := json.Marshal(WebhookDeliveryArgs{DeliveryID: "d1", ChatID: "c1", EventType: "message", Body: body})
	if err != nil {
		t.Fatal(err)
	}

	var decoded WebhookDeliveryArgs
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Body != body {
		t.Errorf("Body changed in transit: %s", decoded.Body)
	}
	if decoded.DeliveryID != "d1" || decoded.EventType != "message" {
		t.Errorf("Unexpected decoded args: %+v", decoded)
	}
}
