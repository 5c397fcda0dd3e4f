package transcript

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxPromptTokens caps the recognition prompt built from prior
	// segments, matching the engine's context window.
	DefaultMaxPromptTokens = 1000

	// confidenceSmoothing is the EWMA weight of the newest final result.
	// A single low-confidence result shifts the trend but never erases it.
	confidenceSmoothing = 0.3
)

// Segment is one finalized transcription result retained as context.
type Segment struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// Context is a read-only snapshot of the accumulated session context.
type Context struct {
	Segments           []Segment     `json:"segments"`
	Prompt             string        `json:"prompt"`
	Language           string        `json:"language,omitempty"`
	LanguageConfidence float64       `json:"language_confidence"`
	ConfidenceTrend    float64       `json:"confidence_trend"`
	AudioDuration      time.Duration `json:"audio_duration"`
}

// Final is a finalized transcription result to be folded into context.
type Final struct {
	Text            string
	Language        string
	LanguageWeight  float64
	Confidence      float64
	Start           float64
	End             float64
}

// Store holds accumulated transcription context for one session. Append is
// the only mutator and is called once per finalized result; interim results
// are never folded in. Context only shrinks on Reset.
type Store struct {
	mu sync.RWMutex

	segments        []Segment
	language        string
	languageWeight  float64
	confidenceTrend float64
	haveTrend       bool
	audioDuration   time.Duration

	maxPromptTokens int
}

// NewStore creates an empty context store. maxPromptTokens caps the prompt
// assembled from prior segments; zero or negative selects the default.
func NewStore(maxPromptTokens int) *Store {
	if maxPromptTokens <= 0 {
		maxPromptTokens = DefaultMaxPromptTokens
	}
	return &Store{maxPromptTokens: maxPromptTokens}
}

// Append folds one finalized result into the context. Results with empty
// text still contribute to the confidence trend and audio duration.
func (s *Store) Append(r Final) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Text != "" {
		s.segments = append(s.segments, Segment{
			Text:       r.Text,
			Language:   r.Language,
			Confidence: r.Confidence,
			Start:      r.Start,
			End:        r.End,
		})
	}

	if r.Language != "" && r.LanguageWeight > s.languageWeight {
		s.language = r.Language
		s.languageWeight = r.LanguageWeight
	}

	if s.haveTrend {
		s.confidenceTrend = (1-confidenceSmoothing)*s.confidenceTrend + confidenceSmoothing*r.Confidence
	} else {
		s.confidenceTrend = r.Confidence
		s.haveTrend = true
	}

	if r.End > r.Start {
		s.audioDuration += time.Duration((r.End - r.Start) * float64(time.Second))
	}
}

// Snapshot returns a copy of the accumulated context. The returned value
// does not alias internal state.
func (s *Store) Snapshot() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := make([]Segment, len(s.segments))
	copy(segments, s.segments)

	return Context{
		Segments:           segments,
		Prompt:             s.buildPrompt(),
		Language:           s.language,
		LanguageConfidence: s.languageWeight,
		ConfidenceTrend:    s.confidenceTrend,
		AudioDuration:      s.audioDuration,
	}
}

// Reset clears all accumulated state. Invoked only on session teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = nil
	s.language = ""
	s.languageWeight = 0
	s.confidenceTrend = 0
	s.haveTrend = false
	s.audioDuration = 0
}

// SegmentCount returns the number of retained segments.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// buildPrompt joins the most recent segments into a recognition prompt,
// dropping oldest segments first once the token cap is exceeded.
// Caller must hold s.mu.
func (s *Store) buildPrompt() string {
	if len(s.segments) == 0 {
		return ""
	}

	tokens := 0
	start := len(s.segments)
	for i := len(s.segments) - 1; i >= 0; i-- {
		n := len(strings.Fields(s.segments[i].Text))
		if tokens+n > s.maxPromptTokens && start < len(s.segments) {
			break
		}
		tokens += n
		start = i
		if tokens >= s.maxPromptTokens {
			break
		}
	}

	parts := make([]string, 0, len(s.segments)-start)
	for _, seg := range s.segments[start:] {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
