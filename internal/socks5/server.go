package socks5

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"unicode/utf8"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/net/idna"
)

// domainProfile accepts what a stub resolver would: lookup mapping and label
// validation, without the hostname-only (STD3) character restriction or the
// hyphen placement rules. CDN names like r4---sn-x.googlevideo.com are real.
var domainProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false), idna.CheckHyphens(false))

// Request is a parsed CONNECT request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16
}

// Validate reports ErrEmptyHost for a request that parsed but has no host.
// The caller answers it the way it answers a failed connect.
func (r *Request) Validate() error {
	if r.Host == "" {
		return ErrEmptyHost
	}
	return nil
}

// Address returns the request target as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ServerNegotiate runs the greeting and username/password subnegotiation on
// conn, requiring the credential in auth.
//
// Truncated frames and a wrong greeting version close silently (no reply is
// written). A greeting without method 0x02 gets 05 FF; a wrong auth version or
// a credential mismatch gets 01 01. On success 05 02 and 01 00 have been sent.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if hdr[0] != version {
		return ErrVersion
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("greeting methods: %w", err)
	}

	if !slices.Contains(methods, MethodUserPass) {
		writeNoAcceptableMethods(conn)
		return ErrNoAcceptableMethods
	}
	if _, err := txsocks5.NewNegotiationReply(MethodUserPass).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("userpass header: %w", err)
	}
	if hdr[0] != authVersion {
		_ = writeAuthStatus(conn, txsocks5.UserPassStatusFailure)
		return ErrAuthVersion
	}
	uname := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, uname); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	if _, err := io.ReadFull(conn, hdr[:1]); err != nil {
		return fmt.Errorf("password length: %w", err)
	}
	passwd := make([]byte, int(hdr[0]))
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return fmt.Errorf("password: %w", err)
	}

	if !credentialEqual(uname, auth.Username) || !credentialEqual(passwd, auth.Password) {
		_ = writeAuthStatus(conn, txsocks5.UserPassStatusFailure)
		return ErrAuthFailed
	}
	if err := writeAuthStatus(conn, txsocks5.UserPassStatusSuccess); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads a CONNECT request from conn. Unsupported commands,
// address types and undecodable domain names are answered with their reply
// code before the error is returned; truncation returns without a reply.
// A zero-length domain is not a parse error: it yields an empty Host, which
// Request.Validate rejects.
func ServerReadRequest(conn net.Conn) (*Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if hdr[0] != version || hdr[1] != CmdConnect {
		WriteCommandNotSupportedReply(conn)
		return nil, ErrCommandNotSupported
	}

	req := &Request{Cmd: hdr[1], Atyp: hdr[3]}
	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, fmt.Errorf("ipv4 address: %w", err)
		}
		req.Host = net.IP(b).String()
	case txsocks5.ATYPDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return nil, fmt.Errorf("domain length: %w", err)
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, fmt.Errorf("domain: %w", err)
		}
		host, err := decodeDomain(b)
		if err != nil {
			WriteHostUnreachableReply(conn)
			return nil, err
		}
		req.Host = host
	case txsocks5.ATYPIPv6:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, b); err != nil {
			return nil, fmt.Errorf("ipv6 address: %w", err)
		}
		req.Host = net.IP(b).String()
	default:
		WriteAddressNotSupportedReply(conn)
		return nil, ErrAddressNotSupported
	}

	pb := make([]byte, 2)
	if _, err := io.ReadFull(conn, pb); err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(pb)

	return req, nil
}

func decodeDomain(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return "", ErrBadDomain
		}
	}
	host, err := domainProfile.ToASCII(string(b))
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadDomain, b)
	}
	return host, nil
}

func credentialEqual(got []byte, want string) bool {
	return subtle.ConstantTimeCompare(got, []byte(want)) == 1
}
