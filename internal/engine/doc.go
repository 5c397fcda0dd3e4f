// Package engine provides clients for the remote speech-to-text engine.
// Two implementations are available: an HTTP client that uploads WAV-wrapped
// chunks per request, and a WebSocket client that streams audio continuously
// and receives interim and final results.
package engine
