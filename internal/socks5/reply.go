package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	// MethodUserPass is the RFC 1929 username/password method.
	MethodUserPass = txsocks5.MethodUsernamePassword

	version     byte = 0x05
	authVersion byte = 0x01

	methodNoAcceptable byte = 0xff

	repNotAllowed          byte = 0x02
	repNetworkUnreachable  byte = 0x03
	repHostUnreachable     byte = 0x04
	repConnectionRefused   byte = 0x05
	repTTLExpired          byte = 0x06
	repCommandNotSupported byte = 0x07
	repAddressNotSupported byte = 0x08
)

var (
	ErrVersion             = errors.New("socks5: unsupported protocol version")
	ErrNoAcceptableMethods = errors.New("socks5: client offered no username/password method")
	ErrAuthVersion         = errors.New("socks5: unsupported auth subnegotiation version")
	ErrAuthFailed          = errors.New("socks5: authentication failed")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	ErrBadDomain           = errors.New("socks5: malformed domain name")
	ErrEmptyHost           = errors.New("socks5: empty destination host")

	ErrConnectFailed      = errors.New("socks5: connect failed")
	ErrNotAllowed         = errors.New("socks5: connection not allowed by ruleset")
	ErrNetworkUnreachable = errors.New("socks5: network unreachable")
	ErrHostUnreachable    = errors.New("socks5: host unreachable")
	ErrConnectionRefused  = errors.New("socks5: connection refused")
	ErrTTLExpired         = errors.New("socks5: TTL expired")
)

// ReplyError is a non-success CONNECT reply received by a client. It matches
// the sentinel for its reply code with errors.Is, and always ErrConnectFailed.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v (reply 0x%02x)", e.sentinel(), e.Rep)
}

func (e *ReplyError) Is(target error) bool {
	return target == ErrConnectFailed || target == e.sentinel()
}

func (e *ReplyError) sentinel() error {
	switch e.Rep {
	case repNotAllowed:
		return ErrNotAllowed
	case repNetworkUnreachable:
		return ErrNetworkUnreachable
	case repHostUnreachable:
		return ErrHostUnreachable
	case repConnectionRefused:
		return ErrConnectionRefused
	case repTTLExpired:
		return ErrTTLExpired
	case repCommandNotSupported:
		return ErrCommandNotSupported
	case repAddressNotSupported:
		return ErrAddressNotSupported
	default:
		return ErrConnectFailed
	}
}

// Auth is the username/password pair a listener expects.
type Auth struct {
	Username string
	Password string
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(repCommandNotSupported).WriteTo(conn)
}

// WriteAddressNotSupportedReply writes a SOCKS5 reply indicating that the
// address type is not supported.
func WriteAddressNotSupportedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(repAddressNotSupported).WriteTo(conn)
}

// WriteHostUnreachableReply writes a SOCKS5 reply indicating that the target
// host could not be named.
func WriteHostUnreachableReply(conn net.Conn) {
	_, _ = newZeroAddrReply(repHostUnreachable).WriteTo(conn)
}

// WriteConnectionRefusedReply writes a SOCKS5 reply indicating that the
// destination connection failed.
func WriteConnectionRefusedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(repConnectionRefused).WriteTo(conn)
}

// WriteSuccessReply writes a SOCKS5 success reply. The bound address fields
// are always zero-filled IPv4.
func WriteSuccessReply(conn net.Conn) error {
	if _, err := newZeroAddrReply(txsocks5.RepSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(conn)
}

func writeAuthStatus(conn net.Conn, status byte) error {
	_, err := txsocks5.NewUserPassNegotiationReply(status).WriteTo(conn)
	return err
}
