// Package socks5 implements the SOCKS5 handshake used by socksfarm.
//
// The server side is a strict, byte-exact state machine: greeting, mandatory
// username/password subnegotiation (RFC 1929), and a CONNECT request. Every
// protocol violation maps to exactly one sentinel error and at most one reply
// frame, so per-port listeners in internal/proxy stay free of wire details.
//
// Reply and client frames are built with github.com/txthinking/socks5. Inbound
// frames are parsed here rather than by the library because the farm's clients
// depend on the precise reply (or silence) sent for each malformed input.
package socks5
