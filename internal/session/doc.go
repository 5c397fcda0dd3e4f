// Package session implements the transcription session state machine and
// the registry of live sessions. Each session is driven by a single
// goroutine that owns all session state; inbound envelopes and asynchronous
// engine results are serialized through the same inbox so ordering and
// state invariants hold under concurrency.
package session
