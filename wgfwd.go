// Package wgfwd implements a user-space port forwarder that tunnels
// TCP and UDP traffic to a WireGuard peer.
//
// Unlike a kernel WireGuard interface, wgfwd speaks the WireGuard wire
// protocol directly over a plain UDP socket and terminates forwarded
// connections on a small built-in virtual TCP/IP stack. No tunnel
// device and no elevated privileges are required.
//
// A forward rule listens on a local port and carries each connection to
// a destination reachable through the peer. An expose rule does the
// inverse: it makes a local service reachable on a virtual port inside
// the tunnel.
package wgfwd
