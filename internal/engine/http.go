package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
)

// HTTPEngine transcribes audio by uploading WAV-wrapped chunks to a
// speech-to-text HTTP endpoint. Each Send performs one request; every
// result it produces is final (the HTTP API has no interim notion).
type HTTPEngine struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// httpResponse mirrors the engine's speech-to-text response body.
type httpResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Words               []Word  `json:"words"`
}

// NewHTTPEngine creates an HTTP engine client.
func NewHTTPEngine(config Config) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.Model == "" {
		config.Model = "scribe_v1"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Open starts a new recognition stream. The HTTP transport is connectionless,
// so Open only validates the target format and allocates the result channel.
func (e *HTTPEngine) Open(ctx context.Context, format audio.Format, opts Options) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if format.Channels != 1 {
		return nil, fmt.Errorf("HTTP engine requires mono audio, got %d channels", format.Channels)
	}
	if opts.Model == "" {
		opts.Model = e.config.Model
	}

	return &httpStream{
		engine:  e,
		format:  format,
		opts:    opts,
		results: make(chan Result, 16),
	}, nil
}

// httpStream is one logical recognition stream over per-chunk HTTP requests.
type httpStream struct {
	engine  *HTTPEngine
	format  audio.Format
	opts    Options
	results chan Result

	mu       sync.Mutex
	inflight sync.WaitGroup
	closed   bool
	err      error
}

// Send uploads one PCM chunk and delivers its transcription to the results
// channel. It blocks while the engine's concurrency limit is saturated and
// while the result channel is full, so no audio is ever dropped.
func (s *httpStream) Send(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream is closed")
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	result, err := s.engine.transcribe(ctx, pcm, s.format, s.opts)
	if err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		return err
	}

	select {
	case s.results <- *result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel of transcription updates.
func (s *httpStream) Results() <-chan Result {
	return s.results
}

// Err reports the failure that ended the stream, if any.
func (s *httpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close drains in-flight requests and closes the result channel. Safe to
// call more than once.
func (s *httpStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	close(s.results)
	return nil
}

// transcribe performs one transcription request with retry and backoff.
func (e *HTTPEngine) transcribe(ctx context.Context, pcm []byte, format audio.Format, opts Options) (*Result, error) {
	// Acquire semaphore to bound concurrent uploads.
	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff.
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := e.doRequest(ctx, pcm, format, opts)
		if err == nil {
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", e.config.MaxRetries+1, lastErr)
}

// doRequest performs a single upload to the speech-to-text endpoint.
func (e *HTTPEngine) doRequest(ctx context.Context, pcm []byte, format audio.Format, opts Options) (*Result, error) {
	body, contentType, err := e.createMultipartRequest(pcm, format, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("xi-api-key", e.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed httpResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	result := &Result{
		Text:                parsed.Text,
		IsFinal:             true,
		Confidence:          parsed.LanguageProbability,
		LanguageCode:        parsed.LanguageCode,
		LanguageProbability: parsed.LanguageProbability,
		Words:               parsed.Words,
	}
	if n := len(parsed.Words); n > 0 {
		result.Start = parsed.Words[0].Start
		result.End = parsed.Words[n-1].End
	}
	return result, nil
}

// createMultipartRequest builds the multipart/form-data request body.
func (e *HTTPEngine) createMultipartRequest(pcm []byte, format audio.Format, opts Options) (io.Reader, string, error) {
	wav, err := audio.EncodeWAV(pcm, format.SampleRate)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode WAV: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model_id": opts.Model,
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError determines if an error is worth retrying. Server errors,
// rate limiting, and transient network failures qualify.
func isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	if strings.Contains(errStr, "HTTP error 5") {
		return true
	}
	if strings.Contains(errStr, "HTTP error 429") {
		return true
	}
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Simple moving average
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current engine client statistics.
func (e *HTTPEngine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
	}
}
