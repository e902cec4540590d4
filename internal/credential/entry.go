// Package credential generates and persists the fixed universe of
// (port, username, password) triples that make up the proxy pool.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Entry is one leasable pool port and the credential that gates it.
type Entry struct {
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

const passwordBytes = 8

var (
	ErrRange     = errors.New("credential: invalid port range")
	ErrDuplicate = errors.New("credential: duplicate port")
	ErrMalformed = errors.New("credential: malformed entry")
)

// Generate returns fresh random credentials for every port in [start, end].
func Generate(start, end int) ([]Entry, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, end-start+1)
	for port := start; port <= end; port++ {
		pw, err := randomPassword()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Port:     port,
			Username: "u" + strconv.Itoa(port),
			Password: pw,
		})
	}
	return entries, nil
}

// Compatible reports whether entries describe exactly the ports in
// [start, end], each once and with a usable credential.
func Compatible(entries []Entry, start, end int) bool {
	if checkRange(start, end) != nil || len(entries) != end-start+1 {
		return false
	}
	if Validate(entries) != nil {
		return false
	}
	for _, e := range entries {
		if e.Port < start || e.Port > end {
			return false
		}
	}
	return true
}

// Validate checks every entry for a valid port and non-blank credential and
// rejects duplicate ports.
func Validate(entries []Entry) error {
	seen := make(map[int]struct{}, len(entries))
	for i, e := range entries {
		if e.Port < 1 || e.Port > 65535 {
			return fmt.Errorf("entry %d: port %d: %w", i, e.Port, ErrMalformed)
		}
		if strings.TrimSpace(e.Username) == "" || strings.TrimSpace(e.Password) == "" {
			return fmt.Errorf("entry %d: port %d: empty credential: %w", i, e.Port, ErrMalformed)
		}
		// SOCKS5 username/password fields carry a one-byte length.
		if len(e.Username) > 255 || len(e.Password) > 255 {
			return fmt.Errorf("entry %d: port %d: credential too long: %w", i, e.Port, ErrMalformed)
		}
		if _, ok := seen[e.Port]; ok {
			return fmt.Errorf("port %d: %w", e.Port, ErrDuplicate)
		}
		seen[e.Port] = struct{}{}
	}
	return nil
}

func checkRange(start, end int) error {
	if start < 1 || end > 65535 || start > end {
		return fmt.Errorf("%d-%d: %w", start, end, ErrRange)
	}
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, passwordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
