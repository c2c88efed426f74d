//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddrFrom converts an address/port pair into the kernel sockaddr for
// the socket's family.  IPv4 addresses on an IPv6 socket are v4-mapped.
func sockaddrFrom(family int, ap netip.AddrPort) unix.Sockaddr {
	if family == unix.AF_INET6 {
		return &unix.SockaddrInet6{
			Port: int(ap.Port()),
			Addr: ap.Addr().As16(),
		}
	}
	return &unix.SockaddrInet4{
		Port: int(ap.Port()),
		Addr: ap.Addr().Unmap().As4(),
	}
}

// addrPortOf converts a kernel sockaddr back into an address/port pair.
// Unknown families yield the zero AddrPort.
func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	}
	return netip.AddrPort{}
}

// softError reports the non-fatal returns of the network syscalls: the
// operation should simply be retried later.
func softError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
