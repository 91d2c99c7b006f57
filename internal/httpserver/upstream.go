package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/httputil"
)

// maxUpstreamBytes caps how much of an upstream response is read back.
const maxUpstreamBytes = 4 << 20

// upstreamClient posts JSON-RPC envelopes to the backend the gateway
// fronts.
type upstreamClient struct {
	url    string
	client *http.Client
}

// newUpstreamClient returns nil when no upstream URL is configured;
// callers treat a nil client as "answer with stubs".
func newUpstreamClient(cfg config.UpstreamConfig) *upstreamClient {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &upstreamClient{
		url:    cfg.URL,
		client: httputil.NewClient(timeout),
	}
}

// do posts the envelope and returns the response body. Any transport
// failure or non-2xx status is an error; JSON-RPC level errors inside
// a 200 response pass through untouched.
func (u *upstreamClient) do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return data, nil
}
