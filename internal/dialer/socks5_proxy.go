package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/socksfarm/internal/socks5"
)

// SOCKS5ProxyDialer reaches targets through an egress SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	// Unblock the handshake if ctx is canceled mid-negotiation.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if d.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	if err := socks5.ClientDial(conn, d.auth, address); err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}
