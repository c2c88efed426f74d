//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"golang.org/x/sys/unix"
)

// watch is the goroutine that loops in the readiness wait until the
// shutdown message arrives on the control pipe.  When a
// descriptor turns ready it hands the socket's work to the task of the
// first queued request and clears the readiness bit, so each wake-up
// dispatches at most one internal event per direction.
func (m *Manager) watch() {
	defer close(m.watcherDone)

	m.mu.Lock()
	ctlfd := m.pipeRd

	done := false
	for !done {
		var readfds, writefds unix.FdSet
		var nfds int

		// Snapshot the sets under the lock, wait outside it.  Soft
		// interrupts just restart the wait.
		for {
			readfds = m.readSet
			writefds = m.writeSet
			nfds = m.maxfd + 1
			m.mu.Unlock()

			_, err := unix.Select(nfds, &readfds, &writefds, nil, nil)

			m.mu.Lock()
			if err == nil {
				break
			}
			if !softError(err) {
				log.WithError(err).Panic("select failed")
			}
		}

		// Drain the control pipe first so watch-bit updates are seen
		// before the fd scan below.
		if readfds.IsSet(ctlfd) {
			for {
				msg := m.readMsg()
				if msg == pokeNothing {
					break
				}
				if msg == pokeShutdown {
					done = true
					break
				}
				if msg >= 0 && msg < fdSetSize {
					m.updateWatch(msg)
				}
			}
		}

		for fd := 0; fd < nfds; fd++ {
			if fd == m.pipeRd || fd == m.pipeWr {
				continue
			}

			if m.fdstate[fd] == fdClosePending {
				m.fdstate[fd] = fdClosed
				m.readSet.Clear(fd)
				m.writeSet.Clear(fd)
				unix.Close(fd)
				continue
			}

			sock := m.fds[fd]
			locked := false
			if readfds.IsSet(fd) {
				if sock == nil {
					m.readSet.Clear(fd)
				} else {
					sock.mu.Lock()
					locked = true
					if sock.references > 0 {
						if sock.listener {
							sock.dispatchAccept()
						} else {
							sock.dispatchRecv()
						}
					}
					m.readSet.Clear(fd)
				}
			}
			if writefds.IsSet(fd) {
				if sock == nil {
					m.writeSet.Clear(fd)
				} else {
					if !locked {
						sock.mu.Lock()
						locked = true
					}
					if sock.references > 0 {
						if sock.connecting {
							sock.dispatchConnect()
						} else {
							sock.dispatchSend()
						}
					}
					m.writeSet.Clear(fd)
				}
			}
			if locked {
				sock.mu.Unlock()
			}
		}
	}

	m.mu.Unlock()
	log.Debug("watcher exiting")
}

// updateWatch recomputes an fd's watch bits after a poke: watch a direction
// only while work is queued there and no internal event is in flight for
// its slot.  Caller must hold the manager lock.
func (m *Manager) updateWatch(fd int) {
	if m.fdstate[fd] == fdClosePending {
		m.fdstate[fd] = fdClosed
		m.readSet.Clear(fd)
		m.writeSet.Clear(fd)
		unix.Close(fd)
		return
	}
	if m.fdstate[fd] != fdManaged {
		return
	}

	sock := m.fds[fd]
	sock.mu.Lock()

	wantRead := (sock.recvList.Len() > 0 || sock.acceptList.Len() > 0) &&
		!sock.pendingRecv && !sock.pendingAccept
	if wantRead {
		m.readSet.Set(fd)
	} else {
		m.readSet.Clear(fd)
	}

	wantWrite := (sock.sendList.Len() > 0 || sock.connecting) &&
		!sock.pendingSend && !sock.pendingConnect
	if wantWrite {
		m.writeSet.Set(fd)
	} else {
		m.writeSet.Clear(fd)
	}

	sock.mu.Unlock()
}
