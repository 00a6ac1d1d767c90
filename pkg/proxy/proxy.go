// Package proxy implements the caching gateway: inbound generation
// requests are fingerprinted, looked up in the cache, and on a miss
// forwarded to the upstream provider with the successful response
// stored for next time.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	cachepkg "github.com/parrot-ai/parrot/pkg/cache/sqlite"
	"github.com/parrot-ai/parrot/pkg/config"
	"github.com/parrot-ai/parrot/pkg/fingerprint"
	"github.com/parrot-ai/parrot/pkg/models"
)

// Server is the parrot caching proxy.
type Server struct {
	cfg          *config.Config
	store        *cachepkg.Store
	client       *http.Client
	streamClient *http.Client
	targetURL    string
	chatPath     string
	log          zerolog.Logger
	mux          *http.ServeMux
}

// New creates a Server wired to the given store. The upstream base URL
// comes from the provider's default endpoint unless cfg.TargetURL
// overrides it; the request path always follows the provider.
func New(cfg *config.Config, store *cachepkg.Store, logger zerolog.Logger) (*Server, error) {
	ep, ok := Endpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	targetURL := ep.BaseURL
	if cfg.TargetURL != "" {
		targetURL = cfg.TargetURL
	}
	targetURL = strings.TrimRight(targetURL, "/")

	s := &Server{
		cfg:   cfg,
		store: store,
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
		},
		// The stream client must not deadline the response body (long
		// generations stream for minutes), but the wait for response
		// headers still honors the upstream timeout.
		streamClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.UpstreamTimeout,
			},
		},
		targetURL: targetURL,
		chatPath:  ep.ChatPath,
		log:       logger.With().Str("component", "proxy").Logger(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/chat/completions", s.handleCompletion)
	s.mux.HandleFunc("/v1/messages", s.handleCompletion)
	s.mux.HandleFunc("/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Str("provider", s.cfg.Provider).
			Str("upstream", s.targetURL+s.chatPath).Msg("parrot proxy listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// handleCompletion serves both /v1/chat/completions and /v1/messages.
// Streaming requests bypass the cache entirely; everything else is
// fingerprinted and served from the cache when possible.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	reqID := uuid.NewString()
	reqStart := time.Now()
	logger := s.log.With().Str("request_id", reqID).Str("path", r.URL.Path).Logger()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		logger.Debug().Str("model", req.Model).Msg("streaming request, cache bypassed")
		s.relayStream(w, r, body)
		return
	}

	key := s.fingerprintRequest(req)

	cached, hit, err := s.store.Get(r.Context(), key)
	if err != nil {
		logger.Error().Err(err).Msg("cache read failed")
		writeJSONError(w, http.StatusInternalServerError, "cache read failed")
		return
	}
	if hit {
		cacheHits.Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "HIT")
		w.Write(cached)
		logger.Info().Str("model", req.Model).Str("cache", "hit").
			Dur("latency", time.Since(reqStart)).Msg("request served")
		return
	}
	cacheMisses.Inc()

	result, err := s.forward(r.Context(), r.Header, body)
	if err != nil {
		logger.Error().Err(err).Msg("upstream request failed")
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	if result.statusCode == http.StatusOK {
		if err := s.store.Set(r.Context(), key, result.body, req.Model); err != nil {
			logger.Error().Err(err).Msg("cache write failed")
			writeJSONError(w, http.StatusInternalServerError, "cache write failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(http.StatusOK)
		w.Write(result.body)
		logger.Info().Str("model", req.Model).Str("cache", "miss").
			Int("status", result.statusCode).Dur("latency", time.Since(reqStart)).
			Msg("request served")
		return
	}

	// Upstream rejected the request: relay verbatim, never cache.
	for k, vals := range result.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.statusCode)
	w.Write(result.body)
	logger.Warn().Str("model", req.Model).Int("status", result.statusCode).
		Dur("latency", time.Since(reqStart)).Msg("upstream non-success relayed")
}

// fingerprintRequest derives the cache key from the cacheable fields.
func (s *Server) fingerprintRequest(req models.ChatRequest) string {
	params := fingerprint.Params{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		params["max_tokens"] = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		params["tools"] = req.Tools
	}
	return fingerprint.Chat(req.Messages, req.Model, params)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("cache stats failed")
		writeJSONError(w, http.StatusInternalServerError, "cache stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.store.Clear(r.Context(), 0); err != nil {
		s.log.Error().Err(err).Msg("cache clear failed")
		writeJSONError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	s.log.Info().Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"parrot_error","code":%d}}`, message, code)
}
