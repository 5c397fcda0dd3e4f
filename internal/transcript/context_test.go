package transcript

import (
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestAppendAccumulates(t *testing.T) {
	store := NewStore(0)

	store.Append(Final{Text: "hello there", Language: "en", LanguageWeight: 0.9, Confidence: 0.8, Start: 0, End: 1.5})
	store.Append(Final{Text: "general kenobi", Language: "en", LanguageWeight: 0.95, Confidence: 0.9, Start: 1.5, End: 3.0})

	snap := store.Snapshot()

	if len(snap.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(snap.Segments))
	}
	if snap.Prompt != "hello there general kenobi" {
		t.Errorf("Unexpected prompt: %q", snap.Prompt)
	}
	if snap.Language != "en" {
		t.Errorf("Expected language 'en', got %q", snap.Language)
	}
	if snap.AudioDuration != 3*time.Second {
		t.Errorf("Expected 3s duration, got %v", snap.AudioDuration)
	}
}

func TestAppendDeterministic(t *testing.T) {
	results := []Final{
		{Text: "one", Language: "en", LanguageWeight: 0.8, Confidence: 0.7, Start: 0, End: 1},
		{Text: "two", Language: "uk", LanguageWeight: 0.9, Confidence: 0.85, Start: 1, End: 2},
		{Text: "three", Language: "en", LanguageWeight: 0.6, Confidence: 0.9, Start: 2, End: 3},
	}

	store := NewStore(0)
	for _, r := range results {
		store.Append(r)
	}
	first := store.Snapshot()

	store.Reset()
	for _, r := range results {
		store.Append(r)
	}
	second := store.Snapshot()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Replay after reset diverged:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestConfidenceTrendSmoothing(t *testing.T) {
	store := NewStore(0)

	// Build up a high-confidence trend.
	for i := 0; i < 5; i++ {
		store.Append(Final{Text: "seg", Confidence: 0.9, Start: float64(i), End: float64(i + 1)})
	}
	before := store.Snapshot().ConfidenceTrend

	// One bad result must lower the trend but not discard it.
	store.Append(Final{Text: "noise", Confidence: 0.1, Start: 5, End: 6})
	after := store.Snapshot().ConfidenceTrend

	if after >= before {
		t.Errorf("Trend should decrease after low-confidence result: before=%f after=%f", before, after)
	}
	if after < 0.5 {
		t.Errorf("Single low-confidence result collapsed the trend: %f", after)
	}

	expected := (1-confidenceSmoothing)*before + confidenceSmoothing*0.1
	if math.Abs(after-expected) > 1e-9 {
		t.Errorf("Expected trend %f, got %f", expected, after)
	}
}

func TestLanguageBestGuess(t *testing.T) {
	store := NewStore(0)

	store.Append(Final{Text: "a", Language: "en", LanguageWeight: 0.7, Confidence: 0.8})
	store.Append(Final{Text: "b", Language: "uk", LanguageWeight: 0.95, Confidence: 0.8})
	store.Append(Final{Text: "c", Language: "de", LanguageWeight: 0.5, Confidence: 0.8})

	snap := store.Snapshot()
	if snap.Language != "uk" {
		t.Errorf("Expected best-guess language 'uk', got %q", snap.Language)
	}
	if snap.LanguageConfidence != 0.95 {
		t.Errorf("Expected language confidence 0.95, got %f", snap.LanguageConfidence)
	}
}

func TestPromptTokenCap(t *testing.T) {
	store := NewStore(4)

	for i := 0; i < 5; i++ {
		store.Append(Final{Text: fmt.Sprintf("word%d word%d", i, i), Confidence: 0.9})
	}

	snap := store.Snapshot()

	// All five segments are retained; only the prompt is capped.
	if len(snap.Segments) != 5 {
		t.Errorf("Expected 5 segments retained, got %d", len(snap.Segments))
	}
	if snap.Prompt != "word3 word3 word4 word4" {
		t.Errorf("Expected prompt capped to newest segments, got %q", snap.Prompt)
	}
}

func TestReset(t *testing.T) {
	store := NewStore(0)
	store.Append(Final{Text: "data", Language: "en", LanguageWeight: 0.9, Confidence: 0.8, Start: 0, End: 2})

	store.Reset()
	snap := store.Snapshot()

	if len(snap.Segments) != 0 || snap.Prompt != "" || snap.Language != "" ||
		snap.ConfidenceTrend != 0 || snap.AudioDuration != 0 {
		t.Errorf("Reset did not clear state: %+v", snap)
	}
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	store := NewStore(0)
	store.Append(Final{Text: "original", Confidence: 0.9})

	snap := store.Snapshot()
	snap.Segments[0].Text = "mutated"

	if store.Snapshot().Segments[0].Text != "original" {
		t.Error("Snapshot mutation leaked into store")
	}
}
