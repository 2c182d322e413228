// ABOUTME: Package audio provides the shared capture source
// ABOUTME: One capture device feeds every connected speaker session
// Package audio owns the single capture device shared by all speaker
// sessions. Subscribers register for a channel; the source starts capture
// for the first subscriber and stops it after the last one leaves.
package audio
