// Package sockio is an asynchronous socket-I/O subsystem for Go.
//
// sockio acts in proactor mode, https://en.wikipedia.org/wiki/Proactor_pattern.
// Callers post receive, send, accept and connect requests on a Socket and a
// completion action runs later on the task the request named.  A single
// watcher goroutine owned by the Manager blocks in a level-triggered
// readiness wait and hands per-socket work to the consumer tasks; no caller
// ever blocks on socket I/O.
package sockio

import (
	"github.com/sirupsen/logrus"
)

// SocketType selects the transport of a Socket.
type SocketType int

const (
	// Stream is a connection-oriented (TCP-like) socket.
	Stream SocketType = iota
	// Datagram is a message-oriented (UDP-like) socket.
	Datagram
)

func (t SocketType) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	}
	return "unknown"
}

// CancelFlag selects which request categories Socket.Cancel applies to.
type CancelFlag uint8

const (
	CancelRecv CancelFlag = 1 << iota
	CancelSend
	CancelAccept
	CancelConnect

	CancelAll = CancelRecv | CancelSend | CancelAccept | CancelConnect
)

// send() and recv() iovec budget per transaction.
const maxScatterGather = 8

var log = logrus.StandardLogger().WithField("subsystem", "sockio")

// insist is the internal consistency check; contract violations are
// programmer errors, not run-time errors.
func insist(cond bool, msg string) {
	if !cond {
		panic("sockio: " + msg)
	}
}
