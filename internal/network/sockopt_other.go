//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package network

import "syscall"

// Only one node per host can bind the discovery port on these platforms.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
