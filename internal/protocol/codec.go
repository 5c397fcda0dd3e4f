package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError describes a message that could not be decoded into a valid
// envelope. Code is always CodeMalformedEnvelope; Message explains the
// specific violation.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func malformed(format string, args ...interface{}) *DecodeError {
	return &DecodeError{
		Code:    CodeMalformedEnvelope,
		Message: fmt.Sprintf(format, args...),
	}
}

// wireEnvelope is the JSON wire form of an envelope.
type wireEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a wire message into an envelope. It validates that the kind
// is one of the seven known values and that the payload carries the fields
// the kind requires. Any violation returns a *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}

	if !IsValidKind(wire.Type) {
		return nil, malformed("unknown message type %q", wire.Type)
	}

	env := &Envelope{
		Kind:      wire.Type,
		SessionID: wire.SessionID,
		Sequence:  wire.Sequence,
		Timestamp: wire.Timestamp,
	}

	switch wire.Type {
	case KindInit:
		if len(wire.Payload) == 0 {
			return nil, malformed("init payload required")
		}
		var p InitPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, malformed("invalid init payload: %v", err)
		}
		// Zero values mean "use the server default"; only explicit
		// nonsense is rejected here.
		if p.SampleRate < 0 {
			return nil, malformed("init sample_rate cannot be negative, got %d", p.SampleRate)
		}
		if p.Channels < 0 {
			return nil, malformed("init channels cannot be negative, got %d", p.Channels)
		}
		env.Init = &p

	case KindAudio:
		if len(wire.Payload) == 0 {
			return nil, malformed("audio payload required")
		}
		var p AudioPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, malformed("invalid audio payload: %v", err)
		}
		if len(p.Data) == 0 {
			return nil, malformed("audio data cannot be empty")
		}
		env.Audio = &p

	case KindTranscription:
		if len(wire.Payload) == 0 {
			return nil, malformed("transcription payload required")
		}
		var p TranscriptionPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, malformed("invalid transcription payload: %v", err)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, malformed("transcription confidence must be in [0,1], got %f", p.Confidence)
		}
		env.Transcription = &p

	case KindError:
		if len(wire.Payload) == 0 {
			return nil, malformed("error payload required")
		}
		var p ErrorPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return nil, malformed("invalid error payload: %v", err)
		}
		if p.Code == "" {
			return nil, malformed("error code cannot be empty")
		}
		env.Error = &p

	case KindStart, KindStop, KindDone:
		// No payload. A present payload is tolerated and ignored so that
		// clients may attach diagnostic fields.
	}

	return env, nil
}

// Encode serializes an envelope into its JSON wire form. Encoding is total
// for well-formed envelopes: every envelope produced by Decode or by the
// New*Envelope constructors encodes without error.
func Encode(env *Envelope) ([]byte, error) {
	wire := wireEnvelope{
		Type:      env.Kind,
		SessionID: env.SessionID,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
	}

	var payload interface{}
	switch env.Kind {
	case KindInit:
		if env.Init == nil {
			return nil, fmt.Errorf("init envelope missing payload")
		}
		payload = env.Init
	case KindAudio:
		if env.Audio == nil {
			return nil, fmt.Errorf("audio envelope missing payload")
		}
		payload = env.Audio
	case KindTranscription:
		if env.Transcription == nil {
			return nil, fmt.Errorf("transcription envelope missing payload")
		}
		payload = env.Transcription
	case KindError:
		if env.Error == nil {
			return nil, fmt.Errorf("error envelope missing payload")
		}
		payload = env.Error
	case KindStart, KindStop, KindDone:
		// No payload.
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", env.Kind, err)
		}
		wire.Payload = raw
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}
