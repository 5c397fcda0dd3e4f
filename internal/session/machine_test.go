package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/audio"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/bridge"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/engine"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/metrics"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/protocol"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	results chan engine.Result
	err     error

	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan engine.Result, 16)}
}

func (f *fakeStream) Send(ctx context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeStream) Results() <-chan engine.Result { return f.results }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.results) })
	return nil
}

func (f *fakeStream) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.Close()
}

func (f *fakeStream) sentChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEngine struct {
	stream  *fakeStream
	openErr error
}

func (f *fakeEngine) Open(ctx context.Context, format audio.Format, opts engine.Options) (engine.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

type fakeSink struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (f *fakeSink) Push(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeSink) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.envs))
	for _, env := range f.envs {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func (f *fakeSink) firstOfKind(kind string) *protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.envs {
		if env.Kind == kind {
			return env
		}
	}
	return nil
}

func (f *fakeSink) countOfKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.envs {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, eng engine.Engine) *Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := bridge.New(eng, time.Second, logger)

	mgr := NewManager(logger, b, m, Config{
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
	})
	t.Cleanup(mgr.Stop)
	return mgr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func initEnvelope(id string) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:      protocol.KindInit,
		SessionID: id,
		Init: &protocol.InitPayload{
			SampleRate: 16000,
			Channels:   1,
			Encoding:   "pcm16",
		},
	}
}

func startEnvelope(id string) *protocol.Envelope {
	return &protocol.Envelope{Kind: protocol.KindStart, SessionID: id}
}

func audioEnvelope(id string, seq uint64) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:      protocol.KindAudio,
		SessionID: id,
		Audio:     &protocol.AudioPayload{Sequence: seq, Data: []byte{1, 0, 2, 0}},
	}
}

func stopEnvelope(id string) *protocol.Envelope {
	return &protocol.Envelope{Kind: protocol.KindStop, SessionID: id}
}

func TestSessionHappyPath(t *testing.T) {
	fs := newFakeStream()
	mgr := newTestManager(t, &fakeEngine{stream: fs})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", startEnvelope("s1"), sink)
	for seq := uint64(0); seq < 3; seq++ {
		mgr.HandleEnvelope("s1", audioEnvelope("s1", seq), sink)
	}

	waitFor(t, "audio to reach the engine", func() bool { return fs.sentChunks() == 3 })

	fs.results <- engine.Result{Text: "hello", IsFinal: false, Confidence: 0.5}
	fs.results <- engine.Result{Text: "hello world", IsFinal: true, Confidence: 0.9}

	mgr.HandleEnvelope("s1", stopEnvelope("s1"), sink)

	waitFor(t, "done envelope", func() bool {
		return sink.firstOfKind(protocol.KindDone) != nil
	})

	interim := sink.firstOfKind(protocol.KindTranscription)
	if interim == nil {
		t.Fatal("expected transcription envelopes before done")
	}
	if interim.Transcription.Text != "hello" || interim.Transcription.IsFinal {
		t.Errorf("unexpected first transcription: %+v", interim.Transcription)
	}
	if got := sink.countOfKind(protocol.KindTranscription); got != 2 {
		t.Errorf("expected 2 transcription envelopes, got %d", got)
	}
	if sink.firstOfKind(protocol.KindError) != nil {
		t.Errorf("unexpected error envelope: %v", sink.kinds())
	}

	waitFor(t, "session removal", func() bool { return mgr.ActiveSessionCount() == 0 })
}

func TestSessionSequenceGap(t *testing.T) {
	fs := newFakeStream()
	mgr := newTestManager(t, &fakeEngine{stream: fs})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", startEnvelope("s1"), sink)
	for _, seq := range []uint64{0, 1, 2, 4} {
		mgr.HandleEnvelope("s1", audioEnvelope("s1", seq), sink)
	}

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	errEnv := sink.firstOfKind(protocol.KindError)
	if errEnv.Error.Code != protocol.CodeProtocolViolation {
		t.Errorf("expected protocol_violation, got %q", errEnv.Error.Code)
	}
	if !strings.Contains(errEnv.Error.Message, "expected 3") {
		t.Errorf("expected message naming expected sequence, got %q", errEnv.Error.Message)
	}
	if fs.sentChunks() != 3 {
		t.Errorf("expected 3 chunks forwarded before the gap, got %d", fs.sentChunks())
	}
}

func TestSessionAudioBeforeStart(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", audioEnvelope("s1", 0), sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	errEnv := sink.firstOfKind(protocol.KindError)
	if errEnv.Error.Code != protocol.CodeProtocolViolation {
		t.Errorf("expected protocol_violation, got %q", errEnv.Error.Code)
	}
}

func TestSessionDoubleInit(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	if got := sink.firstOfKind(protocol.KindError).Error.Code; got != protocol.CodeProtocolViolation {
		t.Errorf("expected protocol_violation, got %q", got)
	}
}

func TestSessionUnsupportedFormat(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	env := initEnvelope("s1")
	env.Init.Encoding = "opus"
	mgr.HandleEnvelope("s1", env, sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	if got := sink.firstOfKind(protocol.KindError).Error.Code; got != protocol.CodeUnsupportedFormat {
		t.Errorf("expected unsupported_format, got %q", got)
	}
}

func TestSessionConnectFailed(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{openErr: errors.New("engine unavailable")})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", startEnvelope("s1"), sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	errEnv := sink.firstOfKind(protocol.KindError)
	if errEnv.Error.Code != protocol.CodeConnectFailed {
		t.Errorf("expected connect_failed, got %q", errEnv.Error.Code)
	}
	waitFor(t, "session removal", func() bool { return mgr.ActiveSessionCount() == 0 })
}

func TestSessionStopBeforeStreaming(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", stopEnvelope("s1"), sink)

	waitFor(t, "done envelope", func() bool {
		return sink.firstOfKind(protocol.KindDone) != nil
	})

	if sink.firstOfKind(protocol.KindTranscription) != nil {
		t.Error("expected no transcriptions for an empty session")
	}
	if sink.firstOfKind(protocol.KindError) != nil {
		t.Error("expected no error for stop before streaming")
	}
}

func TestSessionStreamFailure(t *testing.T) {
	fs := newFakeStream()
	mgr := newTestManager(t, &fakeEngine{stream: fs})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", startEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", audioEnvelope("s1", 0), sink)

	waitFor(t, "audio to reach the engine", func() bool { return fs.sentChunks() == 1 })

	fs.failWith(errors.New("connection reset"))

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	errEnv := sink.firstOfKind(protocol.KindError)
	if errEnv.Error.Code != protocol.CodeStreamFailed {
		t.Errorf("expected stream_failed, got %q", errEnv.Error.Code)
	}
	if got := sink.countOfKind(protocol.KindError); got != 1 {
		t.Errorf("expected exactly one error envelope, got %d", got)
	}
}

func TestSessionTransportClose(t *testing.T) {
	fs := newFakeStream()
	mgr := newTestManager(t, &fakeEngine{stream: fs})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", startEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", audioEnvelope("s1", 0), sink)

	waitFor(t, "audio to reach the engine", func() bool { return fs.sentChunks() == 1 })

	mgr.SessionClosed("s1")

	waitFor(t, "session removal", func() bool { return mgr.ActiveSessionCount() == 0 })

	// Nobody is listening on a dropped transport, so no ERROR is pushed.
	if sink.firstOfKind(protocol.KindError) != nil {
		t.Errorf("expected no error envelope after transport close, got %v", sink.kinds())
	}
	if sink.firstOfKind(protocol.KindDone) != nil {
		t.Errorf("expected no done envelope after transport close, got %v", sink.kinds())
	}
}

func TestSessionIgnoresEnvelopesAfterTerminal(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)

	waitFor(t, "session removal", func() bool { return mgr.ActiveSessionCount() == 0 })
	errCount := sink.countOfKind(protocol.KindError)

	// A late envelope racing the transport close must not resurrect the
	// ended session under the same ID.
	if s := mgr.HandleEnvelope("s1", initEnvelope("s1"), sink); s != nil {
		t.Error("expected late envelope for ended session to be dropped")
	}
	if n := mgr.ActiveSessionCount(); n != 0 {
		t.Errorf("expected 0 sessions after late envelope, got %d", n)
	}
	if got := sink.countOfKind(protocol.KindError); got != errCount {
		t.Errorf("expected no additional error envelopes, got %d extra", got-errCount)
	}
}

func TestSessionClientSentServerKind(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	env := &protocol.Envelope{
		Kind:          protocol.KindTranscription,
		SessionID:     "s1",
		Transcription: &protocol.TranscriptionPayload{Text: "spoofed"},
	}
	mgr.HandleEnvelope("s1", env, sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	if got := sink.firstOfKind(protocol.KindError).Error.Code; got != protocol.CodeProtocolViolation {
		t.Errorf("expected protocol_violation, got %q", got)
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := bridge.New(&fakeEngine{stream: newFakeStream()}, time.Second, logger)

	mgr := NewManager(logger, b, m, Config{
		IdleTimeout:     20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer mgr.Stop()

	sink := &fakeSink{}
	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)

	waitFor(t, "idle expiry", func() bool { return mgr.ActiveSessionCount() == 0 })
}

func TestMalformedOnEstablishedSession(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleEnvelope("s1", initEnvelope("s1"), sink)
	mgr.HandleMalformed("s1", &protocol.DecodeError{
		Code:    protocol.CodeMalformedEnvelope,
		Message: "invalid JSON",
	}, sink)

	waitFor(t, "error envelope", func() bool {
		return sink.firstOfKind(protocol.KindError) != nil
	})

	if got := sink.firstOfKind(protocol.KindError).Error.Code; got != protocol.CodeMalformedEnvelope {
		t.Errorf("expected malformed_envelope, got %q", got)
	}
	waitFor(t, "session removal", func() bool { return mgr.ActiveSessionCount() == 0 })
}

func TestMalformedOnUnknownSession(t *testing.T) {
	mgr := newTestManager(t, &fakeEngine{stream: newFakeStream()})
	sink := &fakeSink{}

	mgr.HandleMalformed("nope", &protocol.DecodeError{
		Code:    protocol.CodeMalformedEnvelope,
		Message: "invalid JSON",
	}, sink)

	errEnv := sink.firstOfKind(protocol.KindError)
	if errEnv == nil {
		t.Fatal("expected an error envelope pushed directly to the sink")
	}
	if errEnv.Error.Code != protocol.CodeMalformedEnvelope {
		t.Errorf("expected malformed_envelope, got %q", errEnv.Error.Code)
	}
	if mgr.ActiveSessionCount() != 0 {
		t.Error("malformed message must not create a session")
	}
}
