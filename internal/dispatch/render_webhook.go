package dispatch

import (
	"encoding/json"
	"time"
)

// buildWebhookPayload merges the stored payload template with the live event
// fields. Live fields win on key collision: the template customizes the
// shape, it never overrides what actually happened.
func buildWebhookPayload(template map[string]interface{}, event Event) ([]byte, error) {
	payload := make(map[string]interface{}, len(template)+8)

	for key, value := range template {
		payload[key] = value
	}

	payload["level"] = event.Level
	payload["title"] = event.Title
	payload["message"] = event.Message
	payload["server_id"] = event.ServerID
	payload["server_name"] = event.ServerName
	payload["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339)

	if event.ProbeID != nil {
		payload["probe_id"] = *event.ProbeID
		payload["probe_name"] = event.ProbeName
	}

	if len(event.Details) > 0 {
		payload["details"] = event.Details
	}

	return json.Marshal(payload)
}
