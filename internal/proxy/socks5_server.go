package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/socks5"
)

// Credential is the username/password that gates one pool port.
type Credential struct {
	Username string
	Password string
}

// SOCKS5Server serves one pool port. Its credential is fixed for the life of
// the server; a re-keyed port gets a new server.
type SOCKS5Server struct {
	ctx  context.Context
	cfg  Config
	auth socks5.Auth
	log  zerolog.Logger
}

// NewSOCKS5Server returns a server requiring cred. Established relays are
// torn down when ctx is canceled.
func NewSOCKS5Server(ctx context.Context, cfg Config, cred Credential, log zerolog.Logger) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{
		ctx:  ctx,
		cfg:  cfg,
		auth: socks5.Auth{Username: cred.Username, Password: cred.Password},
		log:  log,
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Serve accepts connections on ln until it is closed or the server's context
// ends. Other accept errors, such as running out of file descriptors, are
// retried with a doubling delay so the port stays up.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")

			t := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return fmt.Errorf("accept: %w", s.ctx.Err())
			case <-t.C:
			}
			continue
		}
		delay = 0

		go func() {
			if err := s.handle(c); err != nil && s.cfg.Verbose {
				s.log.Debug().Err(err).Stringer("remote", c.RemoteAddr()).Msg("socks5 connection error")
			}
		}()
	}
}

func (s *SOCKS5Server) handle(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerNegotiate(conn, s.auth); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		socks5.WriteConnectionRefusedReply(conn)
		return err
	}

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		socks5.WriteConnectionRefusedReply(conn)
		return err
	}
	defer up.Close()

	if err := socks5.WriteSuccessReply(conn); err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	if err := CopyBidirectional(ctx, conn, up); err != nil {
		return fmt.Errorf("relay %s: %w", req.Address(), err)
	}
	return nil
}
