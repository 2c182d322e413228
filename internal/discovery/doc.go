// ABOUTME: Package discovery finds IP-mode speakers on the local network
// ABOUTME: UDP broadcast announcements plus mDNS browsing
// Package discovery locates receivers that are reachable over IP.
//
// Receivers broadcast "picapico-audio-share@<port>" to every port in
// [58261, 58271) while idle. The host binds the first free port of that
// range and registers "<senderIP>:<port>" for each valid datagram. Receivers
// may also advertise _audioshare._tcp over mDNS.
package discovery
