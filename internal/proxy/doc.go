// Package proxy is the relay engine of socksfarm.
//
// One SOCKS5Server runs per pool port, each gated by that port's credential.
// Manager owns the port -> listener collection so ports can be added, removed
// or re-keyed while the process runs. After a successful CONNECT the client
// and upstream are joined by CopyBidirectional until either side ends.
package proxy
