package proxy

import (
	"net"
	"time"

	"github.com/die-net/socksfarm/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds the handshake up to the CONNECT reply.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// Verbose enables per-connection error logging.
	Verbose bool
}
