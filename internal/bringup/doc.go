// ABOUTME: Package bringup prepares remote devices before streaming
// ABOUTME: ADB for USB-attached phones, a TCP reachability check for network speakers
package bringup
