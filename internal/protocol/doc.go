// Package protocol implements the session message codec.
// It defines the seven envelope kinds exchanged with clients, validates
// kind-specific payloads, and converts envelopes to and from their JSON
// wire form.
package protocol
