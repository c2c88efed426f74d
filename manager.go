//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Per-fd lifecycle states.  fdClosed must be the zero value.
const (
	fdClosed = iota
	fdManaged
	fdClosePending
)

// Control-pipe messages.  Anything >= 0 is an fd to re-examine.
const (
	pokeShutdown = -1
	pokeNothing  = -2
)

// fdSetSize is the capacity of unix.FdSet on every supported platform and
// the inherited ceiling on managed descriptors.
const fdSetSize = 1024

// Manager owns the fd table, the readiness sets and the watcher goroutine.
// A Manager multiplexes every Socket created from it over one readiness
// wait; user-facing calls reach the watcher only through the control pipe.
type Manager struct {
	mu         sync.Mutex
	shutdownOK *sync.Cond // signalled when nsockets drops to zero

	// Locked by mu.
	fds      [fdSetSize]*Socket
	fdstate  [fdSetSize]int
	readSet  unix.FdSet
	writeSet unix.FdSet
	maxfd    int
	nsockets int

	// The control pipe never changes after creation.
	pipeRd, pipeWr int

	watcherDone chan struct{}
}

// NewManager creates the manager state and its self-pipe and starts the
// watcher goroutine.  The caller must Close the Manager after detaching
// every Socket created from it.
func NewManager() (*Manager, error) {
	m := &Manager{watcherDone: make(chan struct{})}
	m.shutdownOK = sync.NewCond(&m.mu)

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, errors.Wrap(Unexpected, "pipe: "+err.Error())
	}
	m.pipeRd, m.pipeWr = pipe[0], pipe[1]

	for _, fd := range pipe {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(m.pipeRd)
			unix.Close(m.pipeWr)
			return nil, errors.Wrap(Unexpected, "fcntl: "+err.Error())
		}
	}

	m.readSet.Set(m.pipeRd)
	m.maxfd = m.pipeRd

	go m.watch()
	return m, nil
}

// Close waits for every Socket to be detached, shuts the watcher down and
// releases the manager's resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	for m.nsockets != 0 {
		m.shutdownOK.Wait()
	}
	m.mu.Unlock()

	m.poke(pokeShutdown)
	<-m.watcherDone

	unix.Close(m.pipeRd)
	unix.Close(m.pipeWr)

	// The watcher may have exited before performing pending closes.
	for fd := 0; fd < fdSetSize; fd++ {
		if m.fdstate[fd] == fdClosePending {
			m.fdstate[fd] = fdClosed
			unix.Close(fd)
		}
	}
	return nil
}

// poke wakes the watcher with a small integer message.  The self-pipe is
// the only channel into the readiness wait, so this must never fail; a
// dead pipe is unrecoverable.
func (m *Manager) poke(msg int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(msg)))
	for {
		_, err := unix.Write(m.pipeWr, b[:])
		if err == nil {
			return
		}
		if !softError(err) {
			log.WithError(err).Panic("write failed during watcher poke")
		}
	}
}

// readMsg drains one message from the control pipe, or pokeNothing when
// the pipe is empty.  Writes of one message are atomic, so a short read
// cannot happen.
func (m *Manager) readMsg() int {
	var b [4]byte
	n, err := unix.Read(m.pipeRd, b[:])
	if err != nil {
		if softError(err) {
			return pokeNothing
		}
		log.WithError(err).Panic("read failed during watcher poke")
	}
	if n < len(b) {
		return pokeNothing
	}
	return int(int32(binary.LittleEndian.Uint32(b[:])))
}

// NewSocket opens a non-blocking OS socket of the given family (unix.AF_INET
// or unix.AF_INET6) and type, registers it with the manager and returns it
// holding one reference.
func (m *Manager) NewSocket(family int, typ SocketType) (*Socket, error) {
	sock := allocSocket(m, family, typ)

	var fd int
	var err error
	switch typ {
	case Datagram:
		fd, err = unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	case Stream:
		fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	default:
		insist(false, "bad socket type")
	}
	if err != nil {
		switch err {
		case unix.EMFILE, unix.ENFILE, unix.ENOBUFS:
			return nil, NoResources
		}
		log.WithError(err).WithField("family", family).Error("socket() failed")
		return nil, errors.Wrap(Unexpected, "socket: "+err.Error())
	}

	if fd >= fdSetSize {
		unix.Close(fd)
		return nil, NoResources
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		log.WithError(err).WithField("fd", fd).Error("fcntl() failed")
		return nil, errors.Wrap(Unexpected, "fcntl: "+err.Error())
	}

	if typ == Datagram {
		// Ask the kernel to timestamp inbound packets, and on IPv6 to
		// report each packet's destination.  Press on if either option
		// is refused.
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1); err != nil {
			log.WithError(err).WithField("fd", fd).Warn("setsockopt(SO_TIMESTAMP) failed")
		}
		if family == unix.AF_INET6 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
				log.WithError(err).WithField("fd", fd).Warn("setsockopt(IPV6_RECVPKTINFO) failed")
			}
		}
	}

	sock.fd = fd
	sock.references = 1

	m.mu.Lock()
	m.registerLocked(sock)
	m.mu.Unlock()

	return sock, nil
}

// registerLocked adds a socket with a live fd to the manager table.
// Caller must hold the manager lock.
func (m *Manager) registerLocked(sock *Socket) {
	m.fds[sock.fd] = sock
	m.fdstate[sock.fd] = fdManaged
	m.nsockets++
	if m.maxfd < sock.fd {
		m.maxfd = sock.fd
	}
}

// unregister marks a dead socket's fd close-pending and pokes the watcher,
// which performs the actual close.  Called with no locks held, only once
// the socket's reference count has reached zero.
func (m *Manager) unregister(fd int) {
	m.mu.Lock()
	m.fds[fd] = nil
	m.fdstate[fd] = fdClosePending
	// Poke before the shutdown signal: once nsockets reaches zero the
	// manager may tear the control pipe down.
	m.poke(fd)
	m.nsockets--
	if m.nsockets == 0 {
		m.shutdownOK.Broadcast()
	}
	m.mu.Unlock()
}

func (m *Manager) logger(fd int, op string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"fd": fd, "op": op})
}
