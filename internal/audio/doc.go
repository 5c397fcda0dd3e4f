// Package audio handles audio format validation and conversion.
// It normalizes incoming PCM chunks to the sample rate and channel count
// required by the transcription engine and wraps raw PCM into WAV
// containers for upload.
package audio
