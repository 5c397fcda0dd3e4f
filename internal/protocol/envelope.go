package protocol

import "fmt"

// Envelope kinds carried in the "type" field of every message.
const (
	KindInit          = "init"
	KindStart         = "start"
	KindAudio         = "audio"
	KindTranscription = "transcription"
	KindError         = "error"
	KindStop          = "stop"
	KindDone          = "done"
)

// Stable error codes carried in ERROR envelopes.
const (
	CodeMalformedEnvelope = "malformed_envelope"
	CodeProtocolViolation = "protocol_violation"
	CodeUnsupportedFormat = "unsupported_format"
	CodeTruncated         = "truncated"
	CodeConnectFailed     = "connect_failed"
	CodeStreamFailed      = "stream_failed"
)

// Envelope is a single typed protocol message. Envelopes are treated as
// immutable once constructed; exactly one of the payload pointers is set,
// matching Kind (START, STOP and DONE carry no payload).
type Envelope struct {
	Kind      string
	SessionID string
	Sequence  uint64
	Timestamp float64

	Init          *InitPayload
	Audio         *AudioPayload
	Transcription *TranscriptionPayload
	Error         *ErrorPayload
}

// InitPayload declares the audio format and transcription configuration
// for a new session.
type InitPayload struct {
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	Encoding     string `json:"encoding"`
	LanguageHint string `json:"language_hint,omitempty"`
}

// AudioPayload carries one chunk of raw audio bytes. Sequence numbers are
// per-session and must strictly increase by one.
type AudioPayload struct {
	Sequence uint64 `json:"sequence"`
	Data     []byte `json:"data"`
}

// Word is a word-level transcription result with timing.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Type  string  `json:"type,omitempty"`
}

// TranscriptionPayload carries one transcription update. Interim results
// (IsFinal false) are speculative and may be superseded.
type TranscriptionPayload struct {
	Text           string  `json:"text"`
	IsFinal        bool    `json:"is_final"`
	Confidence     float64 `json:"confidence"`
	Language       string  `json:"language,omitempty"`
	TimestampStart float64 `json:"timestamp_start"`
	TimestampEnd   float64 `json:"timestamp_end"`
	Words          []Word  `json:"words,omitempty"`
}

// ErrorPayload reports a session-fatal fault to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEnvelope builds an ERROR envelope for the given session.
func NewErrorEnvelope(sessionID string, code, message string) *Envelope {
	return &Envelope{
		Kind:      KindError,
		SessionID: sessionID,
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

// NewTranscriptionEnvelope builds a TRANSCRIPTION envelope for the given session.
func NewTranscriptionEnvelope(sessionID string, p *TranscriptionPayload) *Envelope {
	return &Envelope{
		Kind:          KindTranscription,
		SessionID:     sessionID,
		Transcription: p,
	}
}

// NewDoneEnvelope builds a DONE envelope for the given session.
func NewDoneEnvelope(sessionID string) *Envelope {
	return &Envelope{Kind: KindDone, SessionID: sessionID}
}

// IsValidKind reports whether k is one of the seven known envelope kinds.
func IsValidKind(k string) bool {
	switch k {
	case KindInit, KindStart, KindAudio, KindTranscription, KindError, KindStop, KindDone:
		return true
	}
	return false
}

// String returns a human-readable representation of the envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{Kind:%s, SessionID:%s, Sequence:%d}", e.Kind, e.SessionID, e.Sequence)
}
