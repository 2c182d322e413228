// ABOUTME: Package documentation for the HTTP control surface
// ABOUTME: Describes routes, the event feed and the metrics endpoint
// Package api exposes the speaker manager over HTTP.
//
// JSON routes mirror manager operations (list, add, connect, volume, device
// selection). GET /api/events upgrades to a WebSocket that streams manager
// events as JSON text messages, and GET /metrics serves the Prometheus
// registry.
package api
