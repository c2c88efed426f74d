//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"golang.org/x/sys/unix"
)

// Outcomes of one kernel I/O attempt.
const (
	doioSuccess    = iota // i/o ok, event sent
	doioSoft              // i/o ok, soft error, no event sent
	doioHard              // i/o error, event sent
	doioEOF               // EOF, no event sent
	doioUnexpected        // bad stuff, no event sent
)

// buildRecvVectors assembles the scatter list for a receive: the unfilled
// tail of the region, or the available spans of the buffer list, capped by
// the iovec budget.  Datagram receives reserve one slot for the overflow
// byte so an oversize packet shows up as "read more than capacity".
// Returns the vectors and the capacity they expose, overflow excluded.
func (s *Socket) buildRecvVectors(ev *Event) ([][]byte, int) {
	maxiov := maxScatterGather
	if s.typ == Datagram {
		maxiov--
	}

	var bufs [][]byte
	var capacity int
	if ev.Buffers == nil {
		tail := ev.Region[ev.N:]
		bufs = append(bufs, tail)
		capacity = len(tail)
	} else {
		for _, b := range ev.Buffers {
			avail := b.Available()
			if len(avail) == 0 {
				continue
			}
			bufs = append(bufs, avail)
			capacity += len(avail)
			if len(bufs) == maxiov {
				break
			}
		}
	}

	if s.typ == Datagram {
		bufs = append(bufs, s.overflow[:])
	} else {
		ev.Address = s.address
	}
	return bufs, capacity
}

// buildSendVectors assembles the gather list for a send: the unsent tail of
// the region, or the used spans of the buffer list with the first ev.N
// bytes skipped.
func (s *Socket) buildSendVectors(ev *Event) ([][]byte, int) {
	if ev.Buffers == nil {
		tail := ev.Region[ev.N:]
		return [][]byte{tail}, len(tail)
	}

	var bufs [][]byte
	var count int
	skip := ev.N
	for _, b := range ev.Buffers {
		used := b.Used()
		if skip >= len(used) {
			skip -= len(used)
			continue
		}
		seg := used[skip:]
		skip = 0
		bufs = append(bufs, seg)
		count += len(seg)
		if len(bufs) == maxScatterGather {
			break
		}
	}
	return bufs, count
}

// recvHardErr applies the connected-socket policy to a mapped receive
// errno: hard on a connected socket (and sticky when it is a stream),
// soft on a socket that is not connected.
func (s *Socket) recvHardErr(ev *Event, r Result) int {
	if s.connected {
		if s.typ == Stream {
			s.recvResult = r
		}
		s.sendRecvDone(ev, r)
		return doioHard
	}
	return doioSoft
}

// doioRecv performs one non-blocking receive for ev and classifies the
// outcome.  Caller must hold the socket lock.
func (s *Socket) doioRecv(ev *Event) int {
	bufs, capacity := s.buildRecvVectors(ev)

	var oob []byte
	if s.typ == Datagram {
		oob = s.cmsg
	}

	n, oobn, recvflags, from, err := unix.RecvmsgBuffers(s.fd, bufs, oob, 0)
	if err != nil {
		if softError(err) {
			return doioSoft
		}

		switch err {
		case unix.ECONNREFUSED:
			return s.recvHardErr(ev, ConnRefused)
		case unix.ENETUNREACH:
			return s.recvHardErr(ev, NetUnreach)
		case unix.EHOSTUNREACH:
			return s.recvHardErr(ev, HostUnreach)
		case unix.ENOBUFS:
			// Might not be permanent.
			s.sendRecvDone(ev, NoResources)
			return doioHard
		}

		s.manager.logger(s.fd, "recv").WithError(err).Error("recvmsg failed")
		s.recvResult = Unexpected
		s.sendRecvDone(ev, Unexpected)
		return doioSuccess
	}

	// On streams a zero-length read is EOF; on datagrams it is a valid,
	// if strange, packet.
	if s.typ == Stream && n == 0 {
		s.recvResult = EOF
		return doioEOF
	}

	if s.typ == Datagram {
		if from != nil {
			ev.Address = addrPortOf(from)
			s.address = ev.Address
		}
		// Overflow detection: reading more than the declared capacity
		// means the datagram spilled into the spare byte.
		if n > capacity {
			ev.Attr |= AttrTruncated
			n--
		}
		decodeCmsg(oob[:oobn], recvflags, ev)
	}

	ev.N += n

	// Advance the buffer list write offsets past what just landed.
	remain := n
	for _, b := range ev.Buffers {
		if remain == 0 {
			break
		}
		avail := len(b.Available())
		if avail <= remain {
			b.Add(avail)
			remain -= avail
		} else {
			b.Add(remain)
			remain = 0
		}
	}

	// A short read below the minimum stays queued for more.
	if n != capacity && ev.N < ev.minimum {
		return doioSoft
	}

	s.sendRecvDone(ev, Success)
	return doioSuccess
}

// sendHardErr is the send-side twin of recvHardErr.
func (s *Socket) sendHardErr(ev *Event, r Result) int {
	if s.connected {
		if s.typ == Stream {
			s.sendResult = r
		}
		s.sendSendDone(ev, r)
		return doioHard
	}
	return doioSoft
}

// doioSend performs one non-blocking send for ev and classifies the
// outcome.  Caller must hold the socket lock.
func (s *Socket) doioSend(ev *Event) int {
	bufs, count := s.buildSendVectors(ev)

	var to unix.Sockaddr
	var oob []byte
	if s.typ == Datagram {
		to = sockaddrFrom(s.family, ev.Address)
		if ev.Attr&AttrPktInfo != 0 {
			oob = encodePktInfo(s.cmsg, ev.PktInfo)
		}
	}

	n, err := unix.SendmsgBuffers(s.fd, bufs, oob, to, 0)
	if err != nil {
		if softError(err) {
			return doioSoft
		}

		switch err {
		case unix.ECONNREFUSED:
			return s.sendHardErr(ev, ConnRefused)
		case unix.ENETUNREACH:
			return s.sendHardErr(ev, NetUnreach)
		case unix.EHOSTUNREACH:
			return s.sendHardErr(ev, HostUnreach)
		case unix.ENOBUFS:
			s.sendSendDone(ev, NoResources)
			return doioHard
		}

		s.manager.logger(s.fd, "send").WithError(err).Error("sendmsg failed")
		s.sendResult = Unexpected
		s.sendSendDone(ev, Unexpected)
		return doioHard
	}

	if n == 0 {
		s.manager.logger(s.fd, "send").Warn("sendmsg wrote 0 bytes")
	}

	ev.N += n
	if n != count {
		return doioSoft
	}

	s.sendSendDone(ev, Success)
	return doioSuccess
}
