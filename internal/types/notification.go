package types

// EmailChannelConfig is the sub-config for notification configs of type
// "email". Recipients must be non-empty for dispatch to proceed.
type EmailChannelConfig struct {
	Recipients []string `json:"recipients"`
}

// WebhookChannelConfig is the sub-config for notification configs of type
// "webhook". Payload is a template merged with live event fields at dispatch
// time; live fields win on key collision.
type WebhookChannelConfig struct {
	URL     string                 `json:"url"`
	Headers map[string]string      `json:"headers,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type UserResponse struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
