package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/engine"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/transcript"
)

// Bridge error kinds.
const (
	ErrKindConnectFailed = "connect_failed"
	ErrKindStreamFailed  = "stream_failed"
)

// Error describes a bridge-level failure with a stable kind.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Bridge opens recognition streams against an engine, seeding each stream
// with the session's context snapshot.
type Bridge struct {
	engine      engine.Engine
	openTimeout time.Duration
	logger      *slog.Logger
}

// New creates a bridge over the given engine. openTimeout bounds how long
// stream establishment may take before it is reported as a connect failure.
func New(eng engine.Engine, openTimeout time.Duration, logger *slog.Logger) *Bridge {
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &Bridge{engine: eng, openTimeout: openTimeout, logger: logger}
}

// Open establishes a recognition stream for the given audio format, applying
// the context store's current snapshot (prompt and detected language) to the
// request. Failure or timeout yields an Error with kind connect_failed; the
// caller reports it once and does not retry.
func (b *Bridge) Open(ctx context.Context, format audio.Format, languageHint string, store *transcript.Store) (*StreamHandle, error) {
	snapshot := store.Snapshot()

	opts := engine.Options{
		Language: snapshot.Language,
		Prompt:   snapshot.Prompt,
	}
	if opts.Language == "" {
		opts.Language = languageHint
	}

	openCtx, cancel := context.WithTimeout(ctx, b.openTimeout)
	defer cancel()

	stream, err := b.engine.Open(openCtx, format, opts)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnectFailed, Err: err}
	}

	h := &StreamHandle{
		stream:  stream,
		store:   store,
		logger:  b.logger,
		results: make(chan engine.Result, 16),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	go h.pump()

	return h, nil
}

// StreamHandle is one live recognition stream bound to a context store.
type StreamHandle struct {
	stream  engine.Stream
	store   *transcript.Store
	logger  *slog.Logger
	results chan engine.Result
	failed  chan error
	done    chan struct{}

	closeOnce   sync.Once
	abandonOnce sync.Once
	closeErr    error
}

// Send forwards one normalized chunk. It blocks under engine backpressure
// rather than dropping audio; cancel ctx to abandon the send.
func (h *StreamHandle) Send(ctx context.Context, pcm []byte) error {
	if err := h.stream.Send(ctx, pcm); err != nil {
		return &Error{Kind: ErrKindStreamFailed, Err: err}
	}
	return nil
}

// Results returns the stream of transcription updates. The channel closes
// when the underlying stream ends; check Failed for the terminating error.
func (h *StreamHandle) Results() <-chan engine.Result {
	return h.results
}

// Failed yields the error that terminated the stream, if any. It is
// buffered and receives at most one value, delivered before the results
// channel closes.
func (h *StreamHandle) Failed() <-chan error {
	return h.failed
}

// Close releases the underlying stream. Results already in flight keep
// draining to the Results channel, so a graceful stop still delivers the
// final flush. Exactly one close reaches the engine; further calls are
// no-ops.
func (h *StreamHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.stream.Close()
	})
	return h.closeErr
}

// Abandon closes the stream like Close and also cancels the pump. It is
// for callers with no consumer left on Results: undelivered results are
// discarded rather than parked on a channel nobody reads.
func (h *StreamHandle) Abandon() error {
	h.abandonOnce.Do(func() {
		close(h.done)
	})
	return h.Close()
}

// pump moves engine results to the handle's channel, folding final results
// into the context store first. It is the only writer to the store, which
// keeps context updates serialized with result delivery. Abandoning the
// handle stops the pump immediately, undelivered results included.
func (h *StreamHandle) pump() {
	defer close(h.results)

	for result := range h.stream.Results() {
		select {
		case <-h.done:
			return
		default:
		}
		if result.IsFinal {
			h.store.Append(transcript.Final{
				Text:           result.Text,
				Language:       result.LanguageCode,
				LanguageWeight: result.LanguageProbability,
				Confidence:     result.Confidence,
				Start:          result.Start,
				End:            result.End,
			})
		}
		select {
		case h.results <- result:
		case <-h.done:
			return
		}
	}

	if err := h.stream.Err(); err != nil {
		h.logger.Warn("Recognition stream ended with error",
			slog.String("error", err.Error()),
		)
		h.failed <- &Error{Kind: ErrKindStreamFailed, Err: err}
	}
}
