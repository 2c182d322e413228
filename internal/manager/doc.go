// ABOUTME: Speaker session coordination
// ABOUTME: Package documentation for the manager package
// Package manager owns the set of speaker sessions and the capture source.
//
// All mutations run on one coordination goroutine started by Run. Public
// methods enqueue work on it and wait for the result; session callbacks
// enqueue without waiting. Network I/O (connects, control requests, ADB)
// happens off the loop.
//
// Status changes are debounced before the connected count is recomputed,
// newly connected speakers get the current volume and every connected
// speaker gets a SyncTime. Volume changes are debounced before being
// broadcast.
package manager
