package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
)

// relayStream forwards a streaming request upstream and relays the SSE
// response to the client unchanged. Streaming requests never touch the
// cache: no fingerprint, no lookup, no store.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, body []byte) {
	streamedRequests.Inc()

	target, err := url.Parse(s.targetURL + s.chatPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid upstream URL")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create upstream request failed")
		return
	}
	copyAllowedHeaders(req.Header, r.Header)

	// The stream client bounds the wait for response headers but not
	// the body; an overall deadline would cut long generations
	// mid-stream.
	resp, err := s.streamClient.Do(req)
	if err != nil {
		upstreamErrors.Inc()
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	upstreamRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support flushing")
		return
	}

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)

		// Flush on blank lines (SSE event boundary)
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Msg("stream relay interrupted")
	}
}
