package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Endpoint describes a known upstream provider.
type Endpoint struct {
	BaseURL  string
	ChatPath string
}

// Endpoints maps provider identity to its default base URL and request
// path. A configured target URL overrides the base URL, never the path.
var Endpoints = map[string]Endpoint{
	"openai": {
		BaseURL:  "https://api.openai.com/v1",
		ChatPath: "/chat/completions",
	},
	"anthropic": {
		BaseURL:  "https://api.anthropic.com/v1",
		ChatPath: "/messages",
	},
}

// forwardedHeaders is the allow-list of inbound headers relayed
// upstream. Everything else is dropped.
var forwardedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Anthropic-Version",
	"Content-Type",
}

// upstreamResult holds the response from a single upstream call.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// copyAllowedHeaders transfers only the allow-listed headers from the
// inbound request, defaulting Content-Type to JSON.
func copyAllowedHeaders(dst http.Header, src http.Header) {
	for _, name := range forwardedHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "application/json")
	}
}

// forward posts the original payload to the upstream service and reads
// the full response. A transport-level failure returns an error; a
// non-success status is returned in the result for the caller to relay.
func (s *Server) forward(ctx context.Context, inbound http.Header, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(s.targetURL + s.chatPath)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	copyAllowedHeaders(req.Header, inbound)

	resp, err := s.client.Do(req)
	if err != nil {
		upstreamErrors.Inc()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrors.Inc()
		return nil, fmt.Errorf("read response: %w", err)
	}

	upstreamRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}
