// Package checks executes the network side of a probe and reports a raw
// outcome. Status derivation happens in the tracker, not here.
package checks

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/lookout-dev/lookout/internal/types"
)

// Result is one raw observation: whether the transport call succeeded and
// what was seen on the wire. Body carries the error text when Success is
// false.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
}

const maxBodySample = 64 << 10

// RunHTTP performs the HTTP call described by the probe config. Transport
// errors (timeout, connection refused, DNS) yield Success=false; any
// completed response is a transport success regardless of its status code.
func RunHTTP(ctx context.Context, cfg types.HTTPProbeConfig, defaultTimeout time.Duration) Result {
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
	if err != nil {
		return Result{Success: false, Body: err.Error()}
	}

	for key, value := range cfg.Headers {
		req.Header.Add(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Success: false, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySample))

	return Result{
		Success:    true,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
