package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial runs the client side of a SOCKS5 handshake on conn and asks the
// server to CONNECT to address. A refused CONNECT comes back as a *ReplyError.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

// ClientNegotiate offers exactly one method: username/password when auth
// carries a username, otherwise no authentication. A server that picks
// anything else is an error.
func ClientNegotiate(conn net.Conn, auth Auth) error {
	offer := txsocks5.MethodNone
	if auth.Username != "" {
		offer = MethodUserPass
	}

	if _, err := txsocks5.NewNegotiationRequest([]byte{offer}).WriteTo(conn); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}

	switch {
	case neg.Method == methodNoAcceptable:
		return ErrNoAcceptableMethods
	case neg.Method != offer:
		return fmt.Errorf("socks5: server selected unoffered method 0x%02x", neg.Method)
	case offer == txsocks5.MethodNone:
		return nil
	}

	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("send credentials: %w", err)
	}
	status, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if status.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

// ClientConnect sends a CONNECT for address on an already negotiated conn and
// reads the reply. The bound address in the reply is ignored.
func ClientConnect(conn net.Conn, address string) error {
	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: bad target %q: %w", address, err)
	}
	// ParseAddress length-prefixes domains; Request.WriteTo adds its own.
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}

	if _, err := txsocks5.NewRequest(CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}
