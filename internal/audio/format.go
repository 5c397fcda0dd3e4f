package audio

import "fmt"

// Encoding values accepted in session negotiation. Both describe 16-bit
// little-endian signed PCM.
const (
	EncodingPCM16 = "pcm16"
	EncodingPCM   = "pcm"
)

// Format describes a raw PCM audio stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   string
}

// FrameSize returns the size in bytes of one frame (one sample across all
// channels).
func (f Format) FrameSize() int {
	return 2 * f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// Validate checks that the format can be produced or consumed by the
// conversion path. It is called eagerly at session initialization so that
// unsupported formats fail before any remote connection is opened.
func (f Format) Validate() error {
	if f.Encoding != EncodingPCM16 && f.Encoding != EncodingPCM {
		return &NormalizeError{
			Kind:    ErrKindUnsupportedFormat,
			Message: fmt.Sprintf("unsupported encoding %q (supported: pcm16, pcm)", f.Encoding),
		}
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return &NormalizeError{
			Kind:    ErrKindUnsupportedFormat,
			Message: fmt.Sprintf("sample rate %d outside supported range 8000-48000", f.SampleRate),
		}
	}
	if f.Channels < 1 || f.Channels > 2 {
		return &NormalizeError{
			Kind:    ErrKindUnsupportedFormat,
			Message: fmt.Sprintf("channel count %d outside supported range 1-2", f.Channels),
		}
	}
	return nil
}
