package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/config"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/engine"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/metrics"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/protocol"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/session"
)

// maxOneShotBody bounds the audio accepted by the one-shot REST endpoint.
const maxOneShotBody = 32 << 20

// statsProvider is implemented by engines that track request statistics.
type statsProvider interface {
	GetStats() engine.Stats
}

// HTTPServer hosts the WebSocket transport alongside the REST and
// monitoring API.
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	manager  *session.Manager
	engine   engine.Engine
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates the service's HTTP server.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger,
	manager *session.Manager, eng engine.Engine, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:  logger,
		config:  cfg,
		manager: manager,
		engine:  eng,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 0, // streaming connections stay open indefinitely
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Streaming transport
	mux.HandleFunc("/ws/transcribe", h.handleWebSocket)

	// One-shot transcription
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.handleTranscribe))

	// Monitoring endpoints
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// transcribeResponse is the one-shot transcription result.
type transcribeResponse struct {
	Text                string          `json:"text"`
	LanguageCode        string          `json:"language_code,omitempty"`
	LanguageProbability float64         `json:"language_probability,omitempty"`
	Confidence          float64         `json:"confidence"`
	DurationSeconds     float64         `json:"duration_seconds,omitempty"`
	Words               []protocol.Word `json:"words,omitempty"`
}

// handleTranscribe implements the POST /transcribe endpoint: transcribe one
// complete recording without a streaming session. The body is either a WAV
// file or raw little-endian PCM described by sample_rate and channels query
// parameters.
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOneShotBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	pcm, format, err := h.decodeOneShotAudio(r, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var duration float64
	if len(body) >= 4 && string(body[:4]) == "RIFF" {
		duration, _ = audio.WAVDuration(body)
	} else {
		duration = float64(len(pcm)/format.FrameSize()) / float64(format.SampleRate)
	}

	engineFormat := h.engineFormat()
	normalized, err := audio.Normalize(pcm, format, engineFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stream, err := h.engine.Open(r.Context(), engineFormat, engine.Options{
		Language: r.URL.Query().Get("language"),
	})
	if err != nil {
		h.logger.Error("One-shot transcription open failed",
			slog.String("error", err.Error()),
		)
		http.Error(w, "Transcription engine unavailable", http.StatusBadGateway)
		return
	}

	sendErr := stream.Send(r.Context(), normalized)
	_ = stream.Close()

	resp := transcribeResponse{DurationSeconds: duration}
	var texts []string
	for result := range stream.Results() {
		if !result.IsFinal {
			continue
		}
		texts = append(texts, result.Text)
		resp.Confidence = result.Confidence
		if result.LanguageProbability >= resp.LanguageProbability {
			resp.LanguageCode = result.LanguageCode
			resp.LanguageProbability = result.LanguageProbability
		}
		for _, word := range result.Words {
			resp.Words = append(resp.Words, protocol.Word{
				Text:  word.Text,
				Start: word.Start,
				End:   word.End,
				Type:  word.Type,
			})
		}
	}
	resp.Text = strings.Join(texts, " ")

	if sendErr != nil {
		h.logger.Error("One-shot transcription failed",
			slog.String("error", sendErr.Error()),
		)
		http.Error(w, "Transcription failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// decodeOneShotAudio extracts PCM and its format from a one-shot request.
func (h *HTTPServer) decodeOneShotAudio(r *http.Request, body []byte) ([]byte, audio.Format, error) {
	if len(body) >= 4 && string(body[:4]) == "RIFF" {
		return audio.DecodeWAV(body)
	}

	format := audio.Format{
		SampleRate: h.config.Audio.DefaultSampleRate,
		Channels:   h.config.Audio.DefaultChannels,
		Encoding:   h.config.Audio.DefaultEncoding,
	}
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &format.SampleRate); err != nil {
			return nil, audio.Format{}, fmt.Errorf("invalid sample_rate %q", v)
		}
	}
	if v := q.Get("channels"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &format.Channels); err != nil {
			return nil, audio.Format{}, fmt.Errorf("invalid channels %q", v)
		}
	}
	if err := format.Validate(); err != nil {
		return nil, audio.Format{}, err
	}
	return body, format, nil
}

func (h *HTTPServer) engineFormat() audio.Format {
	return audio.Format{
		SampleRate: h.config.Audio.EngineSampleRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "scribe-gateway",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.manager.ActiveSessionCount(),
			},
		},
	}

	if sp, ok := h.engine.(statsProvider); ok {
		stats := sp.GetStats()
		health["components"].(map[string]interface{})["engine"] = map[string]interface{}{
			"status":         "running",
			"total_requests": stats.TotalRequests,
			"success_rate":   stats.SuccessRate,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.manager.Snapshots()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/sessions/"):]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.manager.GetSession(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Snapshot())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":          h.config.Server.Port,
			"address":       h.config.Server.Address,
			"read_limit":    h.config.Server.ReadLimit,
			"write_timeout": h.config.Server.WriteTimeout,
			"max_sessions":  h.config.Server.MaxSessions,
		},
		"audio": map[string]interface{}{
			"default_sample_rate": h.config.Audio.DefaultSampleRate,
			"default_channels":    h.config.Audio.DefaultChannels,
			"default_encoding":    h.config.Audio.DefaultEncoding,
			"engine_sample_rate":  h.config.Audio.EngineSampleRate,
		},
		"context": map[string]interface{}{
			"max_prompt_tokens": h.config.Context.MaxPromptTokens,
		},
		"engine": map[string]interface{}{
			"type":           h.config.Engine.Type,
			"endpoint":       h.config.Engine.Endpoint,
			"model_id":       h.config.Engine.ModelID,
			"timeout":        h.config.Engine.Timeout,
			"open_timeout":   h.config.Engine.OpenTimeout,
			"max_retries":    h.config.Engine.MaxRetries,
			"max_concurrent": h.config.Engine.MaxConcurrent,
			// Note: API key is intentionally omitted for security
		},
		"session": map[string]interface{}{
			"idle_timeout":     h.config.Session.IdleTimeout,
			"cleanup_interval": h.config.Session.CleanupInterval,
			"inbox_size":       h.config.Session.InboxSize,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.manager.ActiveSessionCount(),
		},
	}

	if sp, ok := h.engine.(statsProvider); ok {
		stats["engine"] = sp.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Scribe Transcription Gateway",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"GET /ws/transcribe":          "WebSocket streaming transcription (envelope protocol)",
			"POST /transcribe":            "One-shot transcription of a WAV or raw PCM body",
			"GET /health":                 "Service health check",
			"GET /sessions":               "List all active sessions",
			"GET /sessions/{session_id}":  "Get detailed session information",
			"GET /config":                 "Get service configuration",
			"GET /stats":                  "Get service statistics",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
