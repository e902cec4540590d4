//go:build linux || darwin

package proxy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseOpenFileLimit lifts the soft RLIMIT_NOFILE to the hard limit, since
// every pool port holds a listening socket on top of two sockets per relay.
// It returns the resulting soft limit.
func RaiseOpenFileLimit() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	if rl.Cur >= rl.Max {
		return rl.Cur, nil
	}

	want := rl
	want.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		return rl.Cur, fmt.Errorf("setrlimit %d: %w", want.Cur, err)
	}
	return want.Cur, nil
}
