package audio

import "fmt"

// NormalizeError kinds.
const (
	ErrKindUnsupportedFormat = "unsupported_format"
	ErrKindTruncated         = "truncated"
)

// NormalizeError describes an audio chunk that could not be converted to the
// target format.
type NormalizeError struct {
	Kind    string
	Message string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Normalize validates a raw PCM chunk declared as `from` and converts it to
// the `to` format. The returned buffer is freshly allocated; the input is
// never retained. Chunks whose length is not a whole multiple of the input
// frame size fail with a truncated error; formats with no conversion path
// fail with an unsupported_format error.
func Normalize(data []byte, from, to Format) ([]byte, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	if len(data)%from.FrameSize() != 0 {
		return nil, &NormalizeError{
			Kind: ErrKindTruncated,
			Message: fmt.Sprintf("chunk length %d is not a multiple of frame size %d",
				len(data), from.FrameSize()),
		}
	}

	samples := bytesToSamples(data)

	if from.Channels != to.Channels {
		if from.Channels == 2 && to.Channels == 1 {
			samples = downmixStereo(samples)
		} else {
			return nil, &NormalizeError{
				Kind: ErrKindUnsupportedFormat,
				Message: fmt.Sprintf("no conversion path from %d to %d channels",
					from.Channels, to.Channels),
			}
		}
	}

	if from.SampleRate != to.SampleRate {
		samples = resampleInterleaved(samples, to.Channels, from.SampleRate, to.SampleRate)
	}

	return samplesToBytes(samples), nil
}

// downmixStereo averages interleaved stereo samples into mono.
func downmixStereo(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[2*i])
		right := int32(samples[2*i+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// resampleInterleaved resamples an interleaved multi-channel stream one
// channel at a time, so interpolation never crosses channel boundaries.
func resampleInterleaved(samples []int16, channels, fromRate, toRate int) []int16 {
	if channels <= 1 {
		return resample(samples, fromRate, toRate)
	}

	frames := len(samples) / channels
	planes := make([][]int16, channels)
	for c := range planes {
		plane := make([]int16, frames)
		for i := 0; i < frames; i++ {
			plane[i] = samples[i*channels+c]
		}
		planes[c] = resample(plane, fromRate, toRate)
	}

	out := make([]int16, len(planes[0])*channels)
	for c, plane := range planes {
		for i, s := range plane {
			out[i*channels+c] = s
		}
	}
	return out
}

// resample converts mono PCM samples between sample rates using linear
// interpolation. Quality is sufficient for speech recognition input.
func resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		outLen = 1
	}

	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// bytesToSamples converts little-endian PCM-16 bytes to samples.
func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// samplesToBytes converts samples to little-endian PCM-16 bytes.
func samplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(s >> 8)
	}
	return data
}
