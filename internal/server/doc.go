// Package server hosts the service's single HTTP listener: the streaming
// WebSocket endpoint that speaks the envelope protocol, a one-shot REST
// transcription endpoint, and the monitoring API.
package server
