package sockio

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

// EventType discriminates the completion events a Socket can deliver.
type EventType int

const (
	EventRecvDone EventType = iota
	EventSendDone
	EventNewConn
	EventConnectDone
	EventRecvMark
	EventSendMark
)

// Attr is a bitmask of per-event attributes.
type Attr uint8

const (
	// AttrAttached marks a queued request holding a task reference; its
	// completion is delivered with SendAndDetach.
	AttrAttached Attr = 1 << iota
	// AttrTruncated is set when a datagram exceeded the request capacity.
	AttrTruncated
	// AttrCtrlTruncated is set when the control-message buffer overflowed.
	AttrCtrlTruncated
	// AttrPktInfo is set when PktInfo carries the packet's destination.
	AttrPktInfo
	// AttrTimestamp is set when Timestamp carries the kernel receive time.
	AttrTimestamp
	// AttrFatalError marks a completion delivered under a sticky error.
	AttrFatalError
)

// PktInfo is IPv6 per-packet information: the destination address of an
// inbound datagram and the interface it arrived on, or the source address
// and interface to use for an outbound one.
type PktInfo struct {
	Addr    netip.Addr
	Ifindex uint32
}

// Action is the completion callback bound to a request.  It runs on the
// task the request named, in submission order per socket and direction.
type Action func(ev *Event)

// Task is the contract required from the external event scheduler.  Send
// enqueues work in FIFO order; SendAndDetach additionally releases the
// caller's reference to the task.  Attach and Detach reference-count the
// task itself.
type Task interface {
	Send(run func())
	SendAndDetach(run func())
	Attach()
	Detach()
}

// Event carries one posted operation from submission to completion.  It is
// owned by the Socket's queue until the completion action runs; the event
// and its fields are valid only until the action returns.
type Event struct {
	Type   EventType
	Socket *Socket
	Result Result

	// N is the running byte count transferred so far.
	N int

	// Region is the contiguous payload of Recv/Send; Buffers the
	// scatter/gather payload of RecvV/SendV.  Exactly one is set.
	Region  []byte
	Buffers []*Buffer

	// Address is the peer address: the source of a datagram receive, the
	// destination of a datagram send, the remote end of a new connection.
	Address netip.AddrPort

	// NewSocket is the accepted Socket on EventNewConn, owned by the
	// receiver of the event.
	NewSocket *Socket

	PktInfo   PktInfo
	Timestamp time.Time
	Attr      Attr

	// Arg is the user argument passed at submission, returned untouched.
	Arg interface{}

	task    Task
	action  Action
	minimum int
	elem    *list.Element
}

var eventPool = sync.Pool{New: func() interface{} { return new(Event) }}

func newEvent(typ EventType, task Task, action Action, arg interface{}) *Event {
	insist(task != nil, "nil task")
	insist(action != nil, "nil action")
	ev := eventPool.Get().(*Event)
	*ev = Event{Type: typ, Result: Unexpected, task: task, action: action, Arg: arg}
	return ev
}

// run delivers the completion on the consumer task and recycles the event.
func (ev *Event) run() {
	action := ev.action
	action(ev)
	*ev = Event{}
	eventPool.Put(ev)
}
