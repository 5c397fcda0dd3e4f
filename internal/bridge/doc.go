// Package bridge mediates between a session and the remote transcription
// engine. It opens the recognition stream with the session's accumulated
// context, forwards normalized audio, folds final results back into the
// context store, and guarantees the stream is released exactly once.
package bridge
