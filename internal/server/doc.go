// Package server is the real-time layer of the dictionary: a WebSocket hub
// that tracks connections, their topic subscriptions and room memberships, a
// dispatcher that routes client frames to handlers, the bridge that turns
// event log appends into entry_updated frames, and the HTTP routes for the
// socket, health checks and the management API.
//
// Every Hub is self-contained. Tests build as many as they need.
package server
