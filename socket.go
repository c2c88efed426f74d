//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"container/list"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Socket is one managed descriptor: its request queues, sticky results and
// dispatch state.  All fields below mu are protected by it; the manager
// lock is never acquired while a socket lock is held.
type Socket struct {
	manager *Manager
	family  int
	typ     SocketType

	mu         sync.Mutex
	references int
	fd         int

	// Sticky terminal status per direction.  Once non-Success on a
	// stream socket every later request in that direction completes
	// with it without touching the kernel.
	recvResult Result
	sendResult Result

	recvList   list.List // queued *Event, FIFO
	sendList   list.List
	acceptList list.List
	connectEv  *Event // at most one outstanding connect

	pendingRecv    bool
	pendingSend    bool
	pendingAccept  bool
	pendingConnect bool

	listener   bool
	connected  bool
	connecting bool

	// Peer address: set by connect and accept on streams, tracks the
	// last peer on datagrams and doubles as the default destination.
	address netip.AddrPort

	// One spare byte so an oversize datagram is detectable even when
	// the kernel hides MSG_TRUNC from us.
	overflow [1]byte

	// Control-message scratch, datagram sockets only.
	cmsg []byte
}

func allocSocket(m *Manager, family int, typ SocketType) *Socket {
	s := &Socket{
		manager:    m,
		family:     family,
		typ:        typ,
		fd:         -1,
		recvResult: Success,
		sendResult: Success,
	}
	if typ == Datagram {
		s.cmsg = make([]byte, cmsgScratchSize)
	}
	return s
}

// Type returns the socket's transport.
func (s *Socket) Type() SocketType { return s.typ }

// Attach takes an additional reference.  Every Attach needs a matching
// Detach before the manager can shut down.
func (s *Socket) Attach() {
	s.mu.Lock()
	s.references++
	s.mu.Unlock()
}

// Detach drops a reference.  Dropping the last one completes whatever is
// still queued with Cancelled and hands the descriptor to the watcher for
// closing.
func (s *Socket) Detach() {
	s.mu.Lock()
	insist(s.references > 0, "detach of dead socket")
	s.references--
	kill := s.references == 0
	s.mu.Unlock()

	if kill {
		s.destroy()
	}
}

// destroy runs once the reference count has reached zero.  An in-flight
// internal event holds a reference, so no dispatch can be pending here.
func (s *Socket) destroy() {
	s.mu.Lock()
	insist(s.references == 0, "destroy of live socket")
	insist(!s.pendingRecv && !s.pendingSend && !s.pendingAccept && !s.pendingConnect,
		"destroy with internal event pending")

	// Complete anything still queued; nothing will ever drain it now.
	s.cancelLocked(nil, CancelAll)

	fd := s.fd
	s.fd = -1
	s.mu.Unlock()

	if fd >= 0 {
		s.manager.unregister(fd)
	}
}

// Bind binds the socket to a local address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		// Press on.
		s.manager.logger(s.fd, "bind").WithError(err).Warn("setsockopt(SO_REUSEADDR) failed")
	}

	if err := unix.Bind(s.fd, sockaddrFrom(s.family, addr)); err != nil {
		switch err {
		case unix.EACCES:
			return NoPerm
		case unix.EADDRNOTAVAIL:
			return AddrNotAvail
		case unix.EADDRINUSE:
			return AddrInUse
		case unix.EINVAL:
			return Bound
		}
		s.manager.logger(s.fd, "bind").WithError(err).Error("bind failed")
		return errors.Wrap(Unexpected, "bind: "+err.Error())
	}
	return nil
}

// Listen puts a stream socket into listening mode.  A backlog of 0 selects
// the OS default.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insist(s.typ == Stream, "listen on non-stream socket")
	insist(!s.listener, "listen on listening socket")

	if backlog == 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		s.manager.logger(s.fd, "listen").WithError(err).Error("listen failed")
		return errors.Wrap(Unexpected, "listen: "+err.Error())
	}

	s.listener = true
	return nil
}

// Accept posts an accept request.  The completion event carries the new
// Socket, owned by the receiver, with the peer address filled in.  Accept
// errors are reported through the event, never synchronously.
func (s *Socket) Accept(task Task, action Action, arg interface{}) error {
	ev := newEvent(EventNewConn, task, action, arg)

	s.mu.Lock()
	insist(s.listener, "accept on non-listener")

	ns := allocSocket(s.manager, s.family, s.typ)
	ns.references = 1
	ev.NewSocket = ns

	task.Attach()
	ev.Attr |= AttrAttached

	wasEmpty := s.acceptList.Len() == 0
	ev.elem = s.acceptList.PushBack(ev)
	if wasEmpty {
		s.manager.poke(s.fd)
	}
	s.mu.Unlock()
	return nil
}

// Connect starts connecting a socket to a peer.  At most one connect may be
// outstanding.  Refused and network-unreachable outcomes of the inline
// attempt are reported through the completion event; any other failure of
// the attempt returns Unexpected here and posts no event.
func (s *Socket) Connect(addr netip.AddrPort, task Task, action Action, arg interface{}) error {
	ev := newEvent(EventConnectDone, task, action, arg)

	s.mu.Lock()
	insist(!s.connecting, "second connect outstanding")

	s.address = addr
	err := unix.Connect(s.fd, sockaddrFrom(s.family, addr))
	if err != nil && !softError(err) && err != unix.EINPROGRESS {
		switch err {
		case unix.ECONNREFUSED:
			ev.Result = ConnRefused
		case unix.ENETUNREACH:
			ev.Result = NetUnreach
		default:
			s.connected = false
			s.mu.Unlock()
			s.manager.logger(s.fd, "connect").WithError(err).Error("connect failed")
			return errors.Wrap(Unexpected, "connect: "+err.Error())
		}

		s.connected = false
		ev.Socket = s
		task.Send(ev.run)
		s.mu.Unlock()
		return nil
	}

	if err == nil {
		// Completed immediately.
		s.connected = true
		ev.Socket = s
		ev.Result = Success
		task.Send(ev.run)
		s.mu.Unlock()
		return nil
	}

	// In progress: park the request and let the watcher finish it.
	task.Attach()
	ev.Attr |= AttrAttached
	s.connecting = true
	if s.connectEv == nil {
		s.manager.poke(s.fd)
	}
	s.connectEv = ev

	s.mu.Unlock()
	return nil
}

// Recv posts a receive into a contiguous region.  For datagram sockets a
// single datagram always completes the request; for stream sockets a
// minimum of 0 means "fill the region".
func (s *Socket) Recv(region []byte, minimum int, task Task, action Action, arg interface{}) error {
	insist(len(region) > 0, "empty recv region")
	insist(minimum <= len(region), "minimum exceeds region")

	ev := newEvent(EventRecvDone, task, action, arg)
	ev.Region = region

	s.mu.Lock()
	s.startRecv(ev, minimum, len(region))
	s.mu.Unlock()
	return nil
}

// RecvV posts a receive into the available regions of a buffer list.
func (s *Socket) RecvV(bufs []*Buffer, minimum int, task Task, action Action, arg interface{}) error {
	capacity := availableCount(bufs)
	insist(capacity > 0, "no available buffer space")
	insist(minimum <= capacity, "minimum exceeds buffer space")

	ev := newEvent(EventRecvDone, task, action, arg)
	ev.Buffers = bufs

	s.mu.Lock()
	s.startRecv(ev, minimum, capacity)
	s.mu.Unlock()
	return nil
}

// startRecv tries the receive inline when the queue is idle, else parks it.
// Caller must hold the socket lock.
func (s *Socket) startRecv(ev *Event, minimum, capacity int) {
	if s.typ == Datagram {
		ev.minimum = 1
	} else if minimum == 0 {
		ev.minimum = capacity
	} else {
		ev.minimum = minimum
	}

	wasEmpty := s.recvList.Len() == 0
	if wasEmpty {
		if s.recvResult != Success {
			s.sendRecvDone(ev, s.recvResult)
			return
		}
		switch s.doioRecv(ev) {
		case doioSoft:
			// fall through to queue
		case doioEOF:
			s.sendRecvDone(ev, EOF)
			return
		default:
			// Completion already posted.
			return
		}
	}

	ev.task.Attach()
	ev.Attr |= AttrAttached
	ev.elem = s.recvList.PushBack(ev)
	if wasEmpty {
		s.manager.poke(s.fd)
	}
}

// Send posts a send of a contiguous region.
func (s *Socket) Send(region []byte, task Task, action Action, arg interface{}) error {
	return s.SendTo(region, nil, nil, task, action, arg)
}

// SendTo posts a send of a contiguous region.  On datagram sockets addr
// overrides the default destination and pktinfo, when non-nil, selects the
// source address and interface of the outgoing packet.
func (s *Socket) SendTo(region []byte, addr *netip.AddrPort, pktinfo *PktInfo, task Task, action Action, arg interface{}) error {
	insist(len(region) > 0, "empty send region")

	ev := newEvent(EventSendDone, task, action, arg)
	ev.Region = region

	s.mu.Lock()
	s.startSend(ev, addr, pktinfo)
	s.mu.Unlock()
	return nil
}

// SendV posts a send of the used regions of a buffer list.
func (s *Socket) SendV(bufs []*Buffer, task Task, action Action, arg interface{}) error {
	return s.SendToV(bufs, nil, nil, task, action, arg)
}

// SendToV is SendTo over a buffer list.
func (s *Socket) SendToV(bufs []*Buffer, addr *netip.AddrPort, pktinfo *PktInfo, task Task, action Action, arg interface{}) error {
	insist(usedCount(bufs) > 0, "no used buffer data")

	ev := newEvent(EventSendDone, task, action, arg)
	ev.Buffers = bufs

	s.mu.Lock()
	s.startSend(ev, addr, pktinfo)
	s.mu.Unlock()
	return nil
}

// startSend tries the send inline when the queue is idle, else parks it.
// Caller must hold the socket lock.
func (s *Socket) startSend(ev *Event, addr *netip.AddrPort, pktinfo *PktInfo) {
	insist(addr == nil || s.typ == Datagram, "explicit address on stream send")
	insist(pktinfo == nil || s.typ == Datagram, "pktinfo on stream send")

	if addr != nil {
		ev.Address = *addr
	} else {
		ev.Address = s.address
	}
	if pktinfo != nil {
		ev.PktInfo = *pktinfo
		ev.Attr |= AttrPktInfo
	}

	wasEmpty := s.sendList.Len() == 0
	if wasEmpty {
		if s.sendResult != Success {
			s.sendSendDone(ev, s.sendResult)
			return
		}
		switch s.doioSend(ev) {
		case doioSoft:
			// fall through to queue
		default:
			return
		}
	}

	ev.task.Attach()
	ev.Attr |= AttrAttached
	ev.elem = s.sendList.PushBack(ev)
	if wasEmpty {
		s.manager.poke(s.fd)
	}
}

// RecvMark enqueues a receive-side marker: it performs no I/O and completes
// with the current sticky receive status once every receive queued before
// it has completed.
func (s *Socket) RecvMark(task Task, action Action, arg interface{}) error {
	ev := newEvent(EventRecvMark, task, action, arg)
	ev.Result = Success

	s.mu.Lock()
	if s.recvList.Len() == 0 {
		s.sendRecvDone(ev, s.recvResult)
		s.mu.Unlock()
		return nil
	}
	ev.task.Attach()
	ev.Attr |= AttrAttached
	ev.elem = s.recvList.PushBack(ev)
	s.mu.Unlock()
	return nil
}

// SendMark is the send-side marker.
func (s *Socket) SendMark(task Task, action Action, arg interface{}) error {
	ev := newEvent(EventSendMark, task, action, arg)
	ev.Result = Success

	s.mu.Lock()
	if s.sendList.Len() == 0 {
		s.sendSendDone(ev, s.sendResult)
		s.mu.Unlock()
		return nil
	}
	ev.task.Attach()
	ev.Attr |= AttrAttached
	ev.elem = s.sendList.PushBack(ev)
	s.mu.Unlock()
	return nil
}

// Cancel completes every selected request posted by task with Cancelled; a
// nil task selects every request.  An event already handed to the scheduler
// still runs with whatever status it carries.
func (s *Socket) Cancel(task Task, how CancelFlag) {
	if how == 0 {
		return
	}

	s.mu.Lock()
	s.cancelLocked(task, how)
	s.manager.poke(s.fd)
	s.mu.Unlock()
}

// cancelLocked is Cancel without the trailing poke, for use from destroy.
// Caller must hold the socket lock.
func (s *Socket) cancelLocked(task Task, how CancelFlag) {
	if how&CancelRecv != 0 {
		var next *list.Element
		for e := s.recvList.Front(); e != nil; e = next {
			next = e.Next()
			ev := e.Value.(*Event)
			if task == nil || ev.task == task {
				s.sendRecvDone(ev, Cancelled)
			}
		}
	}

	if how&CancelSend != 0 {
		var next *list.Element
		for e := s.sendList.Front(); e != nil; e = next {
			next = e.Next()
			ev := e.Value.(*Event)
			if task == nil || ev.task == task {
				s.sendSendDone(ev, Cancelled)
			}
		}
	}

	if how&CancelAccept != 0 {
		var next *list.Element
		for e := s.acceptList.Front(); e != nil; e = next {
			next = e.Next()
			ev := e.Value.(*Event)
			if task == nil || ev.task == task {
				// The nascent socket never saw an fd; drop its
				// only reference.
				ev.NewSocket.references--
				insist(ev.NewSocket.references == 0, "cancelled accept socket still referenced")
				ev.NewSocket = nil
				s.sendAcceptDone(ev, Cancelled)
			}
		}
	}

	if how&CancelConnect != 0 && s.connectEv != nil {
		insist(s.connecting, "connect event without connecting")
		ev := s.connectEv
		if task == nil || ev.task == task {
			s.connecting = false
			s.connectEv = nil
			s.sendConnectDone(ev, Cancelled)
		}
	}
}

// PeerName returns the peer address recorded by connect or accept, or the
// last datagram peer.
func (s *Socket) PeerName() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, nil
}

// SockName returns the local address from the kernel.
func (s *Socket) SockName() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		s.manager.logger(s.fd, "sockname").WithError(err).Error("getsockname failed")
		return netip.AddrPort{}, errors.Wrap(Unexpected, "getsockname: "+err.Error())
	}
	return addrPortOf(sa), nil
}

// sendRecvDone dequeues ev (if queued), stamps the result and delivers the
// completion to its task.  Caller must hold the socket lock.
func (s *Socket) sendRecvDone(ev *Event, r Result) {
	task := ev.task
	ev.Result = r
	ev.Socket = s
	if ev.elem != nil {
		s.recvList.Remove(ev.elem)
		ev.elem = nil
	}
	if s.recvResult != Success {
		ev.Attr |= AttrFatalError
	}
	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}

// sendSendDone is the send-side twin of sendRecvDone.
func (s *Socket) sendSendDone(ev *Event, r Result) {
	task := ev.task
	ev.Result = r
	ev.Socket = s
	if ev.elem != nil {
		s.sendList.Remove(ev.elem)
		ev.elem = nil
	}
	if s.sendResult != Success {
		ev.Attr |= AttrFatalError
	}
	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}

// sendAcceptDone completes an accept request.  Caller must hold the socket
// lock.
func (s *Socket) sendAcceptDone(ev *Event, r Result) {
	task := ev.task
	ev.Result = r
	ev.Socket = s
	if ev.elem != nil {
		s.acceptList.Remove(ev.elem)
		ev.elem = nil
	}
	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}

// sendConnectDone completes the connect request.  Caller must hold the
// socket lock.
func (s *Socket) sendConnectDone(ev *Event, r Result) {
	task := ev.task
	ev.Result = r
	ev.Socket = s
	if ev.Attr&AttrAttached != 0 {
		task.SendAndDetach(ev.run)
	} else {
		task.Send(ev.run)
	}
}
