package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
)

// WSEngine streams audio to the engine over a WebSocket connection and
// receives interim and final results as they are produced.
type WSEngine struct {
	config Config
	logger *slog.Logger
	dialer *websocket.Dialer
}

// wsOpenMessage is the configuration frame sent immediately after dialing.
type wsOpenMessage struct {
	ModelID    string `json:"model_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

// wsResultMessage mirrors the engine's streaming result frames.
type wsResultMessage struct {
	Text                string  `json:"text"`
	IsFinal             bool    `json:"is_final"`
	Confidence          float64 `json:"confidence"`
	LanguageCode        string  `json:"language_code,omitempty"`
	LanguageProbability float64 `json:"language_probability,omitempty"`
	Start               float64 `json:"start"`
	End                 float64 `json:"end"`
	Words               []Word  `json:"words,omitempty"`
}

// NewWSEngine creates a WebSocket streaming engine client.
func NewWSEngine(config Config, logger *slog.Logger) (*WSEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Model == "" {
		config.Model = "scribe_v1"
	}

	return &WSEngine{
		config: config,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: config.Timeout},
	}, nil
}

// Open dials the engine, sends the stream configuration, and starts the
// result reader.
func (e *WSEngine) Open(ctx context.Context, format audio.Format, opts Options) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = e.config.Model
	}

	header := http.Header{"xi-api-key": []string{e.config.APIKey}}
	conn, _, err := e.dialer.DialContext(ctx, e.config.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial engine: %w", err)
	}

	open := wsOpenMessage{
		ModelID:    opts.Model,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Encoding:   format.Encoding,
		Language:   opts.Language,
		Prompt:     opts.Prompt,
	}
	if err := conn.WriteJSON(open); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send stream configuration: %w", err)
	}

	s := &wsStream{
		conn:    conn,
		logger:  e.logger,
		results: make(chan Result, 16),
	}
	go s.readLoop()

	return s, nil
}

// wsStream is one live WebSocket recognition stream.
type wsStream struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	results chan Result

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// Send forwards one PCM chunk as a binary frame. WebSocket writes block when
// the peer applies backpressure, so chunks are never dropped.
func (s *wsStream) Send(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		s.setErr(err)
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Results returns the channel of transcription updates.
func (s *wsStream) Results() <-chan Result {
	return s.results
}

// Err reports the failure that ended the stream, if any.
func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close signals end-of-stream to the engine and tears the connection down.
// The result channel closes once the reader drains the engine's remaining
// frames. Safe to call more than once.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of stream")
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			s.closeErr = err
		}
		s.writeMu.Unlock()

		s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	})
	return s.closeErr
}

// readLoop reads result frames until the connection ends, then closes the
// result channel.
func (s *wsStream) readLoop() {
	defer close(s.results)
	defer s.conn.Close()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(err)
			}
			return
		}

		var msg wsResultMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn("Failed to parse engine result frame",
				slog.String("error", err.Error()),
			)
			continue
		}

		s.results <- Result{
			Text:                msg.Text,
			IsFinal:             msg.IsFinal,
			Confidence:          msg.Confidence,
			LanguageCode:        msg.LanguageCode,
			LanguageProbability: msg.LanguageProbability,
			Start:               msg.Start,
			End:                 msg.End,
			Words:               msg.Words,
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
