package engine

import (
	"context"
	"time"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
)

// Word is a word-level recognition result with timing in seconds.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Type  string  `json:"type,omitempty"`
}

// Result is one transcription update from the engine. IsFinal distinguishes
// confirmed results from speculative interim ones.
type Result struct {
	Text                string  `json:"text"`
	IsFinal             bool    `json:"is_final"`
	Confidence          float64 `json:"confidence"`
	LanguageCode        string  `json:"language_code,omitempty"`
	LanguageProbability float64 `json:"language_probability,omitempty"`
	Start               float64 `json:"start"`
	End                 float64 `json:"end"`
	Words               []Word  `json:"words,omitempty"`
}

// Options carries per-stream transcription parameters.
type Options struct {
	Model    string
	Language string
	Prompt   string
}

// Stream is one live recognition stream. Send blocks when the engine cannot
// accept more data; it never drops audio. Results is closed when the stream
// ends; Err reports the failure that ended it, if any. Close is idempotent.
type Stream interface {
	Send(ctx context.Context, pcm []byte) error
	Results() <-chan Result
	Err() error
	Close() error
}

// Engine opens recognition streams against a remote speech-to-text service.
type Engine interface {
	Open(ctx context.Context, format audio.Format, opts Options) (Stream, error)
}

// Config contains engine client configuration shared by both implementations.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Stats tracks request outcomes for monitoring.
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}
