// ABOUTME: Package speaker implements per-endpoint streaming sessions
// ABOUTME: Each Session owns one TCP data connection to a receiver
// Package speaker streams captured audio to a single remote receiver.
//
// A Session moves between UnConnected, Connecting and Connected. Connect
// resolves the endpoint (through an ADB tunnel for USB devices), performs the
// handshake and subscribes to the shared capture source. Frames are written
// single-flight: a buffer that arrives while a write is outstanding is
// dropped. A failed write is retried once against the same endpoint.
package speaker
