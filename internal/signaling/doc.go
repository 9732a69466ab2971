// Package signaling serves the WebSocket side of the relay: it registers each
// connection with the matchmaker, turns queue requests into matches, and
// forwards opaque offer/answer/candidate payloads between paired clients.
package signaling
