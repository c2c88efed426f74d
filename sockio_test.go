//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package sockio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/socket515/sockio/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// completion is a snapshot of an Event; events are recycled after the
// action returns, so tests copy what they assert on.
type completion struct {
	typ  EventType
	res  Result
	n    int
	data []byte
	addr netip.AddrPort
	ns   *Socket
	attr Attr
	ts   time.Time
	arg  interface{}
}

func collector(ch chan completion) Action {
	return func(ev *Event) {
		c := completion{
			typ:  ev.Type,
			res:  ev.Result,
			n:    ev.N,
			addr: ev.Address,
			ns:   ev.NewSocket,
			attr: ev.Attr,
			ts:   ev.Timestamp,
			arg:  ev.Arg,
		}
		if ev.Region != nil && ev.N <= len(ev.Region) {
			c.data = append([]byte(nil), ev.Region[:ev.N]...)
		}
		ch <- c
	}
}

func waitDone(t *testing.T, ch chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func mustAddr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func newTask(t *testing.T, name string) *task.Task {
	tk := task.New(name)
	t.Cleanup(func() {
		tk.Detach()
		tk.Join()
	})
	return tk
}

func TestDatagramLoopback(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "dgram")

	a, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)
	b, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)

	require.NoError(t, a.Bind(mustAddr("127.0.0.1:0")))
	local, err := a.SockName()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", local.Addr().String())
	require.Greater(t, local.Port(), uint16(0))

	recvCh := make(chan completion, 1)
	sendCh := make(chan completion, 1)
	require.NoError(t, a.Recv(make([]byte, 32), 1, tk, collector(recvCh), nil))
	require.NoError(t, b.SendTo([]byte("hello"), &local, nil, tk, collector(sendCh), nil))

	sc := waitDone(t, sendCh)
	require.Equal(t, Success, sc.res)
	require.Equal(t, 5, sc.n)

	rc := waitDone(t, recvCh)
	require.Equal(t, Success, rc.res)
	require.Equal(t, 5, rc.n)
	require.Equal(t, "hello", string(rc.data))
	require.Greater(t, rc.addr.Port(), uint16(0))

	// SO_TIMESTAMP is best-effort; when the kernel delivered one it
	// should be recent.
	if rc.attr&AttrTimestamp != 0 {
		assert.WithinDuration(t, time.Now(), rc.ts, time.Minute)
	}

	a.Detach()
	b.Detach()
	require.NoError(t, m.Close())
}

// streamPair connects a fresh client to an accepted peer over loopback and
// hands both back, the listener already detached.
func streamPair(t *testing.T, m *Manager, tk *task.Task) (client, server *Socket) {
	t.Helper()

	l, err := m.NewSocket(unix.AF_INET, Stream)
	require.NoError(t, err)
	require.NoError(t, l.Bind(mustAddr("127.0.0.1:0")))
	require.NoError(t, l.Listen(1))
	laddr, err := l.SockName()
	require.NoError(t, err)

	acceptCh := make(chan completion, 1)
	require.NoError(t, l.Accept(tk, collector(acceptCh), nil))

	c, err := m.NewSocket(unix.AF_INET, Stream)
	require.NoError(t, err)
	connCh := make(chan completion, 1)
	require.NoError(t, c.Connect(laddr, tk, collector(connCh), nil))

	cc := waitDone(t, connCh)
	require.Equal(t, EventConnectDone, cc.typ)
	require.Equal(t, Success, cc.res)

	ac := waitDone(t, acceptCh)
	require.Equal(t, EventNewConn, ac.typ)
	require.Equal(t, Success, ac.res)
	require.NotNil(t, ac.ns)

	cname, err := c.SockName()
	require.NoError(t, err)
	require.Equal(t, cname, ac.addr)

	l.Detach()
	return c, ac.ns
}

func TestStreamAcceptConnect(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "stream")

	c, n := streamPair(t, m, tk)

	sendCh := make(chan completion, 1)
	recvCh := make(chan completion, 1)
	require.NoError(t, n.Recv(make([]byte, 4), 4, tk, collector(recvCh), nil))
	require.NoError(t, c.Send([]byte("ping"), tk, collector(sendCh), nil))

	sc := waitDone(t, sendCh)
	require.Equal(t, Success, sc.res)
	require.Equal(t, 4, sc.n)

	rc := waitDone(t, recvCh)
	require.Equal(t, Success, rc.res)
	require.Equal(t, 4, rc.n)
	require.Equal(t, "ping", string(rc.data))

	c.Detach()
	n.Detach()
	require.NoError(t, m.Close())
}

func TestStreamEOFCascade(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "eof")

	c, n := streamPair(t, m, tk)

	ch := make(chan completion, 4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, c.Recv(make([]byte, 8), 1, tk, collector(ch), i))
	}

	// Closing the peer delivers EOF to every queued receive, in
	// submission order.
	n.Detach()

	for i := 1; i <= 3; i++ {
		rc := waitDone(t, ch)
		require.Equal(t, EOF, rc.res)
		require.Equal(t, i, rc.arg)
		require.NotZero(t, rc.attr&AttrFatalError)
	}

	// The result is sticky: a marker posted now reports it immediately.
	require.NoError(t, c.RecvMark(tk, collector(ch), nil))
	rc := waitDone(t, ch)
	require.Equal(t, EventRecvMark, rc.typ)
	require.Equal(t, EOF, rc.res)

	c.Detach()
	require.NoError(t, m.Close())
}

func TestConnectRefused(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "refused")

	c, err := m.NewSocket(unix.AF_INET, Stream)
	require.NoError(t, err)

	ch := make(chan completion, 1)
	require.NoError(t, c.Connect(mustAddr("127.0.0.1:1"), tk, collector(ch), nil))

	cc := waitDone(t, ch)
	require.Equal(t, EventConnectDone, cc.typ)
	require.Equal(t, ConnRefused, cc.res)

	select {
	case extra := <-ch:
		t.Fatalf("spurious second connect completion: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	c.Detach()
	require.NoError(t, m.Close())
}

func TestCancelSelectsTask(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "io")
	t1 := newTask(t, "t1")
	t2 := newTask(t, "t2")

	c, n := streamPair(t, m, tk)

	ch1 := make(chan completion, 1)
	ch2 := make(chan completion, 1)
	require.NoError(t, c.Recv(make([]byte, 4), 1, t1, collector(ch1), nil))
	require.NoError(t, c.Recv(make([]byte, 4), 1, t2, collector(ch2), nil))

	c.Cancel(t1, CancelRecv)

	r1 := waitDone(t, ch1)
	require.Equal(t, Cancelled, r1.res)

	// The survivor completes normally once data shows up.
	sendCh := make(chan completion, 1)
	require.NoError(t, n.Send([]byte("x"), tk, collector(sendCh), nil))
	require.Equal(t, Success, waitDone(t, sendCh).res)

	r2 := waitDone(t, ch2)
	require.Equal(t, Success, r2.res)
	require.Equal(t, 1, r2.n)
	require.Equal(t, "x", string(r2.data))

	c.Detach()
	n.Detach()
	require.NoError(t, m.Close())
}

func TestShutdownWithPendingWork(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "shutdown")

	c, n := streamPair(t, m, tk)
	d, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)
	require.NoError(t, d.Bind(mustAddr("127.0.0.1:0")))

	ch := make(chan completion, 2)
	require.NoError(t, c.Recv(make([]byte, 8), 1, tk, collector(ch), "stream"))
	require.NoError(t, d.Recv(make([]byte, 8), 1, tk, collector(ch), "dgram"))

	// Detaching completes the leftovers; Close blocks until the last
	// socket is gone and the watcher has been joined.
	n.Detach()
	c.Detach()
	d.Detach()
	require.NoError(t, m.Close())

	seen := map[interface{}]Result{}
	for i := 0; i < 2; i++ {
		rc := waitDone(t, ch)
		seen[rc.arg] = rc.res
	}
	// The stream receive may observe EOF (peer detached first) or be
	// cancelled by its own detach; the datagram receive can only be
	// cancelled.
	require.Contains(t, []Result{EOF, Cancelled}, seen["stream"])
	require.Equal(t, Cancelled, seen["dgram"])
}

func TestCreateDetachClosesFd(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	s, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)
	fd := s.fd
	s.Detach()

	require.NoError(t, m.Close())

	// After shutdown the watcher (or Close itself) has closed the fd.
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.Equal(t, unix.EBADF, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Zero(t, m.nsockets)
	require.Equal(t, fdClosed, m.fdstate[fd])
}

func TestMarksOnIdleSocket(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "marks")

	s, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)

	ch := make(chan completion, 2)
	require.NoError(t, s.RecvMark(tk, collector(ch), nil))
	require.NoError(t, s.SendMark(tk, collector(ch), nil))

	require.Equal(t, Success, waitDone(t, ch).res)
	require.Equal(t, Success, waitDone(t, ch).res)

	s.Detach()
	require.NoError(t, m.Close())
}

func TestVectoredDatagram(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "vec")

	a, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)
	require.NoError(t, a.Bind(mustAddr("127.0.0.1:0")))
	local, err := a.SockName()
	require.NoError(t, err)

	b, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)

	r1, r2 := NewBuffer(2), NewBuffer(30)
	recvCh := make(chan completion, 1)
	require.NoError(t, a.RecvV([]*Buffer{r1, r2}, 1, tk, collector(recvCh), nil))

	sendCh := make(chan completion, 1)
	payload := []*Buffer{WrapBuffer([]byte("he")), WrapBuffer([]byte("llo"))}
	require.NoError(t, b.SendToV(payload, &local, nil, tk, collector(sendCh), nil))

	sc := waitDone(t, sendCh)
	require.Equal(t, Success, sc.res)
	require.Equal(t, 5, sc.n)

	rc := waitDone(t, recvCh)
	require.Equal(t, Success, rc.res)
	require.Equal(t, 5, rc.n)
	require.Equal(t, "he", string(r1.Used()))
	require.Equal(t, "llo", string(r2.Used()))

	a.Detach()
	b.Detach()
	require.NoError(t, m.Close())
}

func TestOversizeDatagramTruncates(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "trunc")

	a, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)
	require.NoError(t, a.Bind(mustAddr("127.0.0.1:0")))
	local, err := a.SockName()
	require.NoError(t, err)

	b, err := m.NewSocket(unix.AF_INET, Datagram)
	require.NoError(t, err)

	recvCh := make(chan completion, 1)
	require.NoError(t, a.Recv(make([]byte, 4), 1, tk, collector(recvCh), nil))

	sendCh := make(chan completion, 1)
	require.NoError(t, b.SendTo([]byte("overflowing"), &local, nil, tk, collector(sendCh), nil))
	require.Equal(t, Success, waitDone(t, sendCh).res)

	rc := waitDone(t, recvCh)
	require.Equal(t, Success, rc.res)
	require.Equal(t, 4, rc.n)
	require.Equal(t, "over", string(rc.data))
	require.NotZero(t, rc.attr&AttrTruncated)

	a.Detach()
	b.Detach()
	require.NoError(t, m.Close())
}

func TestCompletionOrderPerDirection(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	tk := newTask(t, "order")

	c, n := streamPair(t, m, tk)

	const nreq = 5
	ch := make(chan completion, nreq)
	for i := 0; i < nreq; i++ {
		require.NoError(t, c.Recv(make([]byte, 1), 1, tk, collector(ch), i))
	}

	sendCh := make(chan completion, 1)
	require.NoError(t, n.Send([]byte("abcde"), tk, collector(sendCh), nil))
	require.Equal(t, Success, waitDone(t, sendCh).res)

	for i := 0; i < nreq; i++ {
		rc := waitDone(t, ch)
		require.Equal(t, Success, rc.res)
		require.Equal(t, i, rc.arg)
		require.Equal(t, string(rune('a'+i)), string(rc.data))
	}

	c.Detach()
	n.Detach()
	require.NoError(t, m.Close())
}

func TestSocketAtRestInvariants(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	s, err := m.NewSocket(unix.AF_INET, Stream)
	require.NoError(t, err)

	s.mu.Lock()
	require.Equal(t, 1, s.references)
	require.Zero(t, s.recvList.Len())
	require.Zero(t, s.sendList.Len())
	require.Zero(t, s.acceptList.Len())
	require.Nil(t, s.connectEv)
	require.False(t, s.pendingRecv || s.pendingSend || s.pendingAccept || s.pendingConnect)
	require.Equal(t, Stream, s.Type())
	s.mu.Unlock()

	s.Detach()
	require.NoError(t, m.Close())
}
