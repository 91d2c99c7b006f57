package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client for the gateway's outbound traffic.
// Its consumers (webhook delivery, upstream forwarding) each talk to a
// single fixed host, so idle connections are sized for the worker pool
// sharing the client rather than spread across many hosts.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
