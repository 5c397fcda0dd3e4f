package audio

import (
	"strings"
	"testing"
)

func pcmBytes(samples ...int16) []byte {
	return samplesToBytes(samples)
}

func TestNormalizePassthrough(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}
	input := pcmBytes(100, -200, 300, -400)

	out, err := Normalize(input, format, format)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if len(out) != len(input) {
		t.Fatalf("Expected %d bytes, got %d", len(input), len(out))
	}
	for i := range input {
		if out[i] != input[i] {
			t.Fatalf("Byte %d mismatch: expected %d, got %d", i, input[i], out[i])
		}
	}
}

func TestNormalizeTruncated(t *testing.T) {
	mono := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}
	stereo := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingPCM16}

	tests := []struct {
		name string
		data []byte
		from Format
	}{
		{"odd byte count mono", []byte{0x01, 0x02, 0x03}, mono},
		{"incomplete stereo frame", pcmBytes(1, 2, 3), stereo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.data, tt.from, mono)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			nerr, ok := err.(*NormalizeError)
			if !ok {
				t.Fatalf("Expected *NormalizeError, got %T", err)
			}
			if nerr.Kind != ErrKindTruncated {
				t.Errorf("Expected kind %q, got %q", ErrKindTruncated, nerr.Kind)
			}
		})
	}
}

func TestNormalizeUnsupportedFormat(t *testing.T) {
	target := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}

	tests := []struct {
		name string
		from Format
		msg  string
	}{
		{"unknown encoding", Format{SampleRate: 16000, Channels: 1, Encoding: "opus"}, "unsupported encoding"},
		{"sample rate too low", Format{SampleRate: 4000, Channels: 1, Encoding: EncodingPCM16}, "outside supported range"},
		{"too many channels", Format{SampleRate: 16000, Channels: 6, Encoding: EncodingPCM16}, "channel count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(pcmBytes(1, 2), tt.from, target)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			nerr, ok := err.(*NormalizeError)
			if !ok {
				t.Fatalf("Expected *NormalizeError, got %T", err)
			}
			if nerr.Kind != ErrKindUnsupportedFormat {
				t.Errorf("Expected kind %q, got %q", ErrKindUnsupportedFormat, nerr.Kind)
			}
			if !strings.Contains(nerr.Message, tt.msg) {
				t.Errorf("Expected message to contain %q, got %q", tt.msg, nerr.Message)
			}
		})
	}
}

func TestNormalizeDownmix(t *testing.T) {
	stereo := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingPCM16}
	mono := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}

	// Two stereo frames: (1000, 2000) and (-500, 500).
	input := pcmBytes(1000, 2000, -500, 500)

	out, err := Normalize(input, stereo, mono)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	samples := bytesToSamples(out)
	if len(samples) != 2 {
		t.Fatalf("Expected 2 mono samples, got %d", len(samples))
	}
	if samples[0] != 1500 {
		t.Errorf("Expected first sample 1500, got %d", samples[0])
	}
	if samples[1] != 0 {
		t.Errorf("Expected second sample 0, got %d", samples[1])
	}
}

func TestNormalizeResample(t *testing.T) {
	from := Format{SampleRate: 8000, Channels: 1, Encoding: EncodingPCM16}
	to := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}

	// 80 samples at 8kHz should become ~160 samples at 16kHz.
	input := make([]int16, 80)
	for i := range input {
		input[i] = int16(i * 100)
	}

	out, err := Normalize(samplesToBytes(input), from, to)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	samples := bytesToSamples(out)
	if len(samples) != 160 {
		t.Fatalf("Expected 160 samples, got %d", len(samples))
	}

	// Upsampled signal must stay monotonically non-decreasing like the input.
	for i := 1; i < len(samples); i++ {
		if samples[i] < samples[i-1] {
			t.Fatalf("Sample %d decreased: %d < %d", i, samples[i], samples[i-1])
		}
	}
}

func TestNormalizeStereoResampleKeepsChannelsSeparate(t *testing.T) {
	from := Format{SampleRate: 8000, Channels: 2, Encoding: EncodingPCM16}
	to := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingPCM16}

	// Constant but distinct channels: interpolating across the interleave
	// boundary would bleed one into the other.
	input := make([]int16, 80)
	for i := 0; i < len(input); i += 2 {
		input[i] = 1000
		input[i+1] = -1000
	}

	out, err := Normalize(samplesToBytes(input), from, to)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	samples := bytesToSamples(out)
	if len(samples) != 160 {
		t.Fatalf("Expected 160 samples, got %d", len(samples))
	}
	for i := 0; i < len(samples); i += 2 {
		if samples[i] != 1000 {
			t.Fatalf("Left sample %d bled across channels: got %d", i/2, samples[i])
		}
		if samples[i+1] != -1000 {
			t.Fatalf("Right sample %d bled across channels: got %d", i/2, samples[i+1])
		}
	}
}

func TestNormalizeDownsample(t *testing.T) {
	from := Format{SampleRate: 48000, Channels: 1, Encoding: EncodingPCM16}
	to := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16}

	input := make([]int16, 480)
	out, err := Normalize(samplesToBytes(input), from, to)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	samples := bytesToSamples(out)
	if len(samples) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(samples))
	}
}
