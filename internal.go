//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"golang.org/x/sys/unix"
)

// The dispatch functions run on the watcher with the manager and socket
// locks held.  Each posts one internal event to the task of the first
// queued request, taking a reference that the internal handler drops.  A
// stale readiness bit (queue drained by cancel, dispatch still in flight)
// is a no-op.

func (s *Socket) dispatchRecv() {
	head := s.recvList.Front()
	if head == nil || s.pendingRecv {
		return
	}
	s.pendingRecv = true
	s.references++
	head.Value.(*Event).task.Send(s.internalRecv)
}

func (s *Socket) dispatchSend() {
	head := s.sendList.Front()
	if head == nil || s.pendingSend {
		return
	}
	s.pendingSend = true
	s.references++
	head.Value.(*Event).task.Send(s.internalSend)
}

func (s *Socket) dispatchAccept() {
	head := s.acceptList.Front()
	if head == nil || s.pendingAccept {
		return
	}
	s.pendingAccept = true
	s.references++
	head.Value.(*Event).task.Send(s.internalAccept)
}

func (s *Socket) dispatchConnect() {
	if s.connectEv == nil || s.pendingConnect {
		return
	}
	insist(s.connecting, "connect dispatch without connecting")
	s.pendingConnect = true
	s.references++
	s.connectEv.task.Send(s.internalConnect)
}

// internalRecv runs on the consumer task when the descriptor turned
// readable.  It drains the receive queue as far as the kernel allows and
// re-arms the watcher if work remains.
func (s *Socket) internalRecv() {
	s.mu.Lock()
	insist(s.pendingRecv, "internal recv without dispatch")
	s.pendingRecv = false

	insist(s.references > 0, "internal recv on dead socket")
	s.references--
	if s.references == 0 {
		s.mu.Unlock()
		s.destroy()
		return
	}

	for e := s.recvList.Front(); e != nil; e = s.recvList.Front() {
		ev := e.Value.(*Event)

		if ev.Type == EventRecvMark {
			s.sendRecvDone(ev, s.recvResult)
			continue
		}
		if s.recvResult != Success {
			s.sendRecvDone(ev, s.recvResult)
			continue
		}

		switch s.doioRecv(ev) {
		case doioSoft:
			goto poke

		case doioEOF:
			// The remote end closed.  Complete the whole queue,
			// markers included, with EOF.
			for e := s.recvList.Front(); e != nil; e = s.recvList.Front() {
				s.sendRecvDone(e.Value.(*Event), EOF)
			}
			goto poke

		case doioSuccess, doioHard, doioUnexpected:
			// Completion already posted; on to the next entry.
		}
	}

poke:
	if s.recvList.Len() > 0 {
		s.manager.poke(s.fd)
	}
	s.mu.Unlock()
}

// internalSend is the writable-side twin of internalRecv.
func (s *Socket) internalSend() {
	s.mu.Lock()
	insist(s.pendingSend, "internal send without dispatch")
	s.pendingSend = false

	insist(s.references > 0, "internal send on dead socket")
	s.references--
	if s.references == 0 {
		s.mu.Unlock()
		s.destroy()
		return
	}

	for e := s.sendList.Front(); e != nil; e = s.sendList.Front() {
		ev := e.Value.(*Event)

		if ev.Type == EventSendMark {
			s.sendSendDone(ev, s.sendResult)
			continue
		}
		if s.sendResult != Success {
			s.sendSendDone(ev, s.sendResult)
			continue
		}

		switch s.doioSend(ev) {
		case doioSoft:
			goto poke

		case doioSuccess, doioHard, doioUnexpected:
		}
	}

poke:
	if s.sendList.Len() > 0 {
		s.manager.poke(s.fd)
	}
	s.mu.Unlock()
}

// internalAccept runs on the consumer task when the listener turned
// readable.  Soft accept failures re-arm the watcher and keep the request
// queued; anything else completes the head request.
func (s *Socket) internalAccept() {
	s.mu.Lock()
	insist(s.listener, "internal accept on non-listener")
	insist(s.pendingAccept, "internal accept without dispatch")
	s.pendingAccept = false

	insist(s.references > 0, "internal accept on dead socket")
	s.references--
	if s.references == 0 {
		s.mu.Unlock()
		s.destroy()
		return
	}

	e := s.acceptList.Front()
	if e == nil {
		s.mu.Unlock()
		return
	}
	ev := e.Value.(*Event)

	result := Success
	nfd, sa, err := unix.Accept(s.fd)
	if err != nil {
		if softError(err) {
			s.manager.poke(s.fd)
			s.mu.Unlock()
			return
		}
		s.manager.logger(s.fd, "accept").WithError(err).Error("accept failed")
		nfd = -1
		result = Unexpected
	}

	s.acceptList.Remove(ev.elem)
	ev.elem = nil
	if s.acceptList.Len() > 0 {
		s.manager.poke(s.fd)
	}
	s.mu.Unlock()

	if nfd >= 0 {
		if nfd >= fdSetSize {
			unix.Close(nfd)
			nfd = -1
			result = NoResources
		} else if err := unix.SetNonblock(nfd, true); err != nil {
			s.manager.logger(nfd, "accept").WithError(err).Error("fcntl() failed")
			unix.Close(nfd)
			nfd = -1
			result = Unexpected
		}
	}

	ns := ev.NewSocket
	if nfd >= 0 {
		ns.fd = nfd
		ns.address = addrPortOf(sa)
		ns.connected = true
		ev.Address = ns.address

		m := s.manager
		m.mu.Lock()
		m.registerLocked(ns)
		m.mu.Unlock()
	} else {
		// The new socket never happened.
		ns.references--
		ev.NewSocket = nil
	}

	ev.Result = result
	ev.Socket = s
	task := ev.task
	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}

// internalConnect runs on the consumer task when a connecting descriptor
// turned writable and resolves the pending connect from SO_ERROR.
func (s *Socket) internalConnect() {
	s.mu.Lock()
	insist(s.pendingConnect, "internal connect without dispatch")
	s.pendingConnect = false

	insist(s.references > 0, "internal connect on dead socket")
	s.references--
	if s.references == 0 {
		s.mu.Unlock()
		s.destroy()
		return
	}

	ev := s.connectEv
	if ev == nil {
		// Cancelled while the internal event was in flight.
		insist(!s.connecting, "connecting without connect event")
		s.mu.Unlock()
		return
	}
	insist(s.connecting, "connect event without connecting")
	s.connecting = false

	var errno error
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		errno = err
	} else if soerr != 0 {
		errno = unix.Errno(soerr)
	}

	if errno != nil {
		if softError(errno) || errno == unix.EINPROGRESS {
			// Not done yet; re-arm and wait for the next wake-up.
			s.connecting = true
			s.manager.poke(s.fd)
			s.mu.Unlock()
			return
		}
		switch errno {
		case unix.ETIMEDOUT:
			ev.Result = TimedOut
		case unix.ECONNREFUSED:
			ev.Result = ConnRefused
		case unix.ENETUNREACH:
			ev.Result = NetUnreach
		default:
			ev.Result = Unexpected
			s.manager.logger(s.fd, "connect").WithError(errno).Error("connect failed")
		}
	} else {
		s.connected = true
		ev.Result = Success
	}

	s.connectEv = nil
	ev.Socket = s
	task := ev.task
	s.mu.Unlock()

	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}
