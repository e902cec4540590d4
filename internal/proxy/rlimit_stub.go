//go:build !linux && !darwin

package proxy

// RaiseOpenFileLimit is a no-op on this platform.
func RaiseOpenFileLimit() (uint64, error) {
	return 0, nil
}
