package types

// HTTPProbeConfig is the sub-config for probes of type "http". ExpectedStatus
// and ExpectedKeyword are optional expectations; when unset they do not
// participate in status derivation.
type HTTPProbeConfig struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	ExpectedStatus  int               `json:"expected_status,omitempty"`
	ExpectedKeyword string            `json:"expected_keyword,omitempty"`
	Timeout         int               `json:"timeout"` // seconds
}

// WebhookProbeConfig is the sub-config for probes of type "webhook". The
// probe's token endpoint receives payloads out of band; ExpectedPayload is
// compared against the last received payload.
type WebhookProbeConfig struct {
	ExpectedPayload map[string]interface{} `json:"expected_payload,omitempty"`
}
