package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// WebhookPoster is the contract the dispatch engine invokes for webhook
// configs. The returned string is the endpoint's response body, kept as the
// adapter's raw success payload.
type WebhookPoster interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (string, error)
}

const maxWebhookResponse = 4 << 10

// HTTPPoster posts JSON payloads to arbitrary endpoints.
type HTTPPoster struct {
	client *http.Client
}

func NewHTTPPoster() *HTTPPoster {
	return &HTTPPoster{client: &http.Client{}}
}

func (p *HTTPPoster) Post(ctx context.Context, url string, headers map[string]string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))

	if resp.StatusCode >= 400 {
		return string(respBody), fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return string(respBody), nil
}
