// Package bridge implements session.Backend.
//
// WSBackend keeps one websocket per user to the bridge sidecar, which owns the real messaging
// client and its browser profile. SimBackend is an in-process stand-in for local development.
package bridge
