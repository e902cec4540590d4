// Package dialer provides the outbound connect step of the relay.
//
// Dialers implement a small interface (DialContext) and are used by the
// per-port SOCKS5 listeners to reach CONNECT targets either directly or
// through an egress SOCKS5 proxy.
package dialer
