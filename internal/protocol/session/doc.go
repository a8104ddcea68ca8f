// Package session owns host<->guest session transport helpers.
//
// Ownership boundary:
// - registration control messages
// - action/call/reply frame envelopes
// - ordered point-to-point channels (stream and websocket)
// - retry/backoff and transport security policy
//
// A channel is at-least-once while connected and loses everything in flight
// on disconnect. Nothing here retries a frame.
package session
