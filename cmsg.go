//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"net/netip"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Scratch space for the control messages a datagram receive can carry:
// IPv6 per-packet info plus the kernel receive timestamp.
var cmsgScratchSize = unix.CmsgSpace(unix.SizeofInet6Pktinfo) +
	unix.CmsgSpace(int(unsafe.Sizeof(unix.Timeval{})))

// decodeCmsg pulls the interesting bits out of the control data returned by
// recvmsg: truncation flags, IPv6 packet info and the receive timestamp.
func decodeCmsg(oob []byte, recvflags int, ev *Event) {
	if recvflags&unix.MSG_TRUNC != 0 {
		ev.Attr |= AttrTruncated
	}
	if recvflags&unix.MSG_CTRUNC != 0 {
		ev.Attr |= AttrCtrlTruncated
	}

	if len(oob) == 0 {
		return
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		log.WithError(err).Debug("malformed control message")
		return
	}

	for _, c := range cmsgs {
		switch {
		case c.Header.Level == unix.IPPROTO_IPV6 && c.Header.Type == unix.IPV6_PKTINFO:
			if len(c.Data) < unix.SizeofInet6Pktinfo {
				continue
			}
			pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&c.Data[0]))
			ev.PktInfo = PktInfo{
				Addr:    netip.AddrFrom16(pi.Addr),
				Ifindex: uint32(pi.Ifindex),
			}
			ev.Attr |= AttrPktInfo

		case c.Header.Level == unix.SOL_SOCKET && c.Header.Type == unix.SCM_TIMESTAMP:
			if uintptr(len(c.Data)) < unsafe.Sizeof(unix.Timeval{}) {
				continue
			}
			tv := (*unix.Timeval)(unsafe.Pointer(&c.Data[0]))
			ev.Timestamp = time.Unix(int64(tv.Sec), int64(tv.Usec)*1000)
			ev.Attr |= AttrTimestamp
		}
	}
}

// encodePktInfo writes a single IPV6_PKTINFO control message into scratch
// and returns the slice to hand to sendmsg.
func encodePktInfo(scratch []byte, pi PktInfo) []byte {
	space := unix.CmsgSpace(unix.SizeofInet6Pktinfo)
	insist(len(scratch) >= space, "cmsg scratch too small")

	b := scratch[:space]
	for i := range b {
		b[i] = 0
	}

	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = unix.IPPROTO_IPV6
	h.Type = unix.IPV6_PKTINFO
	h.SetLen(unix.CmsgLen(unix.SizeofInet6Pktinfo))

	data := (*unix.Inet6Pktinfo)(unsafe.Pointer(&b[unix.CmsgLen(0)]))
	data.Addr = pi.Addr.As16()
	data.Ifindex = pi.Ifindex

	return b
}
