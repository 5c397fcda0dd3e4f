package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/bridge"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/engine"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/protocol"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/transcript"
)

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateStreaming
	StateStopping
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state is absorbing. A terminal session
// processes no further envelopes.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Sink delivers outbound envelopes to the client transport. Push may block
// on transport backpressure; a Push error means the transport is gone and
// the envelope was dropped.
type Sink interface {
	Push(env *protocol.Envelope) error
}

// event is one unit of work for the session goroutine. Exactly one field
// group is set: an inbound envelope, an engine result, a transport-detected
// fault, end-of-results from the engine, or transport closure.
type event struct {
	env       *protocol.Envelope
	result    *engine.Result
	faultCode string
	faultMsg  string
	drained   bool
	streamErr error
	closed    bool
}

// Session is one client transcription session. All state below mu is owned
// by the run goroutine; the mutex exists only so inspection endpoints can
// read a consistent view.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.RWMutex
	state        State
	format       audio.Format
	languageHint string
	lastActivity time.Time

	// Sequence validation. The first AUDIO chunk fixes the base; every
	// subsequent chunk must carry exactly the previous sequence plus one.
	nextSeq uint64
	haveSeq bool

	store  *transcript.Store
	handle *bridge.StreamHandle
	sink   Sink

	inbox chan event
	done  chan struct{}

	mgr    *Manager
	logger *slog.Logger
}

// Info is a read-only snapshot of a session for inspection endpoints.
type Info struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Format       string    `json:"format,omitempty"`
	LanguageHint string    `json:"language_hint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Segments     int       `json:"segments"`
}

func newSession(mgr *Manager, id string, sink Sink) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		state:        StateIdle,
		lastActivity: now,
		store:        transcript.NewStore(mgr.cfg.MaxPromptTokens),
		sink:         sink,
		inbox:        make(chan event, mgr.cfg.InboxSize),
		done:         make(chan struct{}),
		mgr:          mgr,
		logger:       mgr.logger.With(slog.String("session_id", id)),
	}
	go s.run()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the session reaches a terminal state and its
// goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the session's inspection view.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:           s.ID,
		State:        s.state.String(),
		LanguageHint: s.languageHint,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Segments:     s.store.SegmentCount(),
	}
	if s.state != StateIdle {
		info.Format = s.format.String()
	}
	return info
}

func (s *Session) lastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// post enqueues an event for the run goroutine. It reports false once the
// session is terminal.
func (s *Session) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// run is the session goroutine. It is the sole writer of session state, so
// every transition, sequence check and outbound envelope is serialized here.
func (s *Session) run() {
	defer func() {
		close(s.done)
		s.mgr.removeSession(s)
	}()

	for {
		var ev event
		select {
		case ev = <-s.inbox:
		case <-s.mgr.ctx.Done():
			s.terminate(StateFailed)
			return
		}

		s.dispatch(ev)

		if s.State().Terminal() {
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	switch {
	case ev.closed:
		// Transport gone: nobody is listening, so no ERROR envelope.
		s.logger.Info("Transport closed, terminating session",
			slog.String("state", s.State().String()),
		)
		s.terminate(StateFailed)

	case ev.faultCode != "":
		s.fail(ev.faultCode, ev.faultMsg)

	case ev.result != nil:
		s.emitResult(ev.result)

	case ev.drained:
		s.handleDrained(ev.streamErr)

	case ev.env != nil:
		s.handleEnvelope(ev.env)
	}
}

func (s *Session) handleEnvelope(env *protocol.Envelope) {
	s.touch()
	s.mgr.metrics.RecordEnvelopeReceived(env.Kind)

	switch env.Kind {
	case protocol.KindInit:
		s.handleInit(env.Init)
	case protocol.KindStart:
		s.handleStart()
	case protocol.KindAudio:
		s.handleAudio(env.Audio)
	case protocol.KindStop:
		s.handleStop()
	default:
		// TRANSCRIPTION, ERROR and DONE flow server to client only.
		s.violation(fmt.Sprintf("clients must not send %s envelopes", env.Kind))
	}
}

func (s *Session) handleInit(p *protocol.InitPayload) {
	if s.State() != StateIdle {
		s.violation("INIT on an already initialized session")
		return
	}

	format := audio.Format{
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
		Encoding:   p.Encoding,
	}
	if format.SampleRate == 0 {
		format.SampleRate = s.mgr.cfg.DefaultFormat.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = s.mgr.cfg.DefaultFormat.Channels
	}
	if format.Encoding == "" {
		format.Encoding = s.mgr.cfg.DefaultFormat.Encoding
	}

	if err := format.Validate(); err != nil {
		s.fail(protocol.CodeUnsupportedFormat, err.Error())
		return
	}

	s.mu.Lock()
	s.format = format
	s.languageHint = p.LanguageHint
	s.state = StateInitialized
	s.mu.Unlock()

	s.logger.Info("Session initialized",
		slog.String("format", format.String()),
		slog.String("language_hint", p.LanguageHint),
	)
}

func (s *Session) handleStart() {
	if s.State() != StateInitialized {
		s.violation("START requires an initialized, non-streaming session")
		return
	}

	handle, err := s.mgr.bridge.Open(s.mgr.ctx, s.mgr.cfg.EngineFormat, s.languageHint, s.store)
	if err != nil {
		s.logger.Error("Failed to open recognition stream",
			slog.String("error", err.Error()),
		)
		s.fail(protocol.CodeConnectFailed, err.Error())
		return
	}

	s.mu.Lock()
	s.handle = handle
	s.state = StateStreaming
	s.mu.Unlock()

	go s.forwardResults(handle)

	s.logger.Info("Recognition stream opened")
}

func (s *Session) handleAudio(p *protocol.AudioPayload) {
	if s.State() != StateStreaming {
		s.violation("AUDIO requires a streaming session")
		return
	}

	if !s.haveSeq {
		s.haveSeq = true
		s.nextSeq = p.Sequence + 1
	} else if p.Sequence != s.nextSeq {
		s.violation(fmt.Sprintf("audio sequence %d, expected %d", p.Sequence, s.nextSeq))
		return
	} else {
		s.nextSeq++
	}

	s.mu.RLock()
	from := s.format
	s.mu.RUnlock()

	pcm, err := audio.Normalize(p.Data, from, s.mgr.cfg.EngineFormat)
	if err != nil {
		var nerr *audio.NormalizeError
		code := protocol.CodeUnsupportedFormat
		if errors.As(err, &nerr) && nerr.Kind == audio.ErrKindTruncated {
			code = protocol.CodeTruncated
		}
		s.fail(code, err.Error())
		return
	}

	s.mgr.metrics.RecordAudioChunk(len(p.Data))

	if err := s.handle.Send(s.mgr.ctx, pcm); err != nil {
		s.logger.Error("Failed to forward audio to engine",
			slog.String("error", err.Error()),
		)
		s.mgr.metrics.RecordEngineFailure()
		s.fail(protocol.CodeStreamFailed, err.Error())
		return
	}
	s.mgr.metrics.RecordEngineSend()
}

func (s *Session) handleStop() {
	switch s.State() {
	case StateStreaming:
		s.mu.Lock()
		s.state = StateStopping
		handle := s.handle
		s.mu.Unlock()

		// Closing the stream ends the engine side; remaining results drain
		// through forwardResults, which posts the drained event.
		go func() { _ = handle.Close() }()

		s.logger.Info("Session stopping, draining results")

	case StateIdle, StateInitialized:
		// Stopping before any streaming is a clean, empty session.
		s.finish()

	default:
		s.violation("duplicate STOP")
	}
}

// handleDrained fires when the engine's result channel has closed and all
// pending results were delivered.
func (s *Session) handleDrained(streamErr error) {
	state := s.State()

	if streamErr != nil {
		s.mgr.metrics.RecordEngineFailure()
		s.fail(protocol.CodeStreamFailed, streamErr.Error())
		return
	}

	if state == StateStopping {
		s.finish()
		return
	}

	// The engine ended the stream without being asked to.
	s.mgr.metrics.RecordEngineFailure()
	s.fail(protocol.CodeStreamFailed, "engine closed the recognition stream unexpectedly")
}

func (s *Session) emitResult(r *engine.Result) {
	words := make([]protocol.Word, 0, len(r.Words))
	for _, w := range r.Words {
		words = append(words, protocol.Word{
			Text:  w.Text,
			Start: w.Start,
			End:   w.End,
			Type:  w.Type,
		})
	}

	env := protocol.NewTranscriptionEnvelope(s.ID, &protocol.TranscriptionPayload{
		Text:           r.Text,
		IsFinal:        r.IsFinal,
		Confidence:     r.Confidence,
		Language:       r.LanguageCode,
		TimestampStart: r.Start,
		TimestampEnd:   r.End,
		Words:          words,
	})

	s.mgr.metrics.RecordResult(r.IsFinal, r.Confidence)
	s.emit(env)
}

// forwardResults moves engine results into the session inbox so the run
// goroutine stays the only writer of session state. After the result
// channel closes it reports the stream outcome exactly once.
func (s *Session) forwardResults(h *bridge.StreamHandle) {
	for result := range h.Results() {
		r := result
		if !s.post(event{result: &r}) {
			return
		}
	}

	var streamErr error
	select {
	case streamErr = <-h.Failed():
	default:
	}
	s.post(event{drained: true, streamErr: streamErr})
}

func (s *Session) violation(msg string) {
	s.mgr.metrics.RecordProtocolViolation()
	s.fail(protocol.CodeProtocolViolation, msg)
}

// fail reports the fault to the client and moves the session to Failed.
// The run loop exits on the first terminal transition, so at most one ERROR
// envelope is ever sent.
func (s *Session) fail(code, msg string) {
	s.logger.Warn("Session failed",
		slog.String("code", code),
		slog.String("message", msg),
	)
	s.emit(protocol.NewErrorEnvelope(s.ID, code, msg))
	s.terminate(StateFailed)
}

func (s *Session) finish() {
	s.emit(protocol.NewDoneEnvelope(s.ID))
	s.terminate(StateDone)
}

func (s *Session) terminate(final State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		// Nobody consumes results past this point; Abandon stops the pump
		// and may wait for an in-flight engine request, so do not hold up
		// session teardown on it.
		go func() { _ = handle.Abandon() }()
	}
	s.store.Reset()

	outcome := "failed"
	if final == StateDone {
		outcome = "done"
	}
	s.mgr.metrics.RecordSessionClosed(outcome, time.Since(s.CreatedAt).Seconds())

	s.logger.Info("Session terminated",
		slog.String("outcome", outcome),
		slog.Duration("lifetime", time.Since(s.CreatedAt)),
	)
}

func (s *Session) emit(env *protocol.Envelope) {
	if err := s.sink.Push(env); err != nil {
		s.logger.Warn("Failed to push envelope to client",
			slog.String("kind", env.Kind),
			slog.String("error", err.Error()),
		)
		return
	}
	s.mgr.metrics.RecordEnvelopeSent(env.Kind)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
