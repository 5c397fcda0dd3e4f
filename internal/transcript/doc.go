// Package transcript accumulates per-session transcription context.
// Finalized segments, the detected language, and a smoothed confidence
// trend are carried across audio chunks to improve recognition continuity.
package transcript
