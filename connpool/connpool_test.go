package connpool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

const testTimeout = 5 * time.Second

// nopConn is a minimal MsgConn for plumbing tests.
type nopConn struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newNopConn() *nopConn {
	return &nopConn{closed: make(chan struct{})}
}

func (c *nopConn) SendMessage(b []byte) error { return nil }

func (c *nopConn) ReceiveMessage() ([]byte, error) {
	<-c.closed
	return nil, fmt.Errorf("conn closed")
}

func (c *nopConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *nopConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestConnectIteratesRelaySet(t *testing.T) {
	t.Parallel()

	var friendPK crypto.PublicKey
	friendPK[0] = 0xaa

	attempts := make(chan cswire.RelayAddress, 16)
	dial := func(addr cswire.RelayAddress,
		pk crypto.PublicKey) (MsgConn, error) {

		if pk != friendPK {
			t.Errorf("dialing the wrong friend: %v", pk)
		}
		attempts <- addr
		if addr == "good:9000" {
			return newNopConn(), nil
		}
		return nil, fmt.Errorf("relay unreachable")
	}

	pool := NewConnectPool(friendPK, dial, ticker.NewForce(time.Hour))
	defer pool.Stop()

	pool.SetAddresses([]cswire.RelayAddress{"bad:9000", "good:9000"})

	conn, err := pool.Connect()
	if err != nil {
		t.Fatalf("unable to connect: %v", err)
	}
	defer conn.Close()

	// The pool walked the relay set in order until one worked.
	if addr := <-attempts; addr != "bad:9000" {
		t.Fatalf("expected bad relay first, got %v", addr)
	}
	if addr := <-attempts; addr != "good:9000" {
		t.Fatalf("expected good relay second, got %v", addr)
	}
}

func TestConnectBackoffAndConfigOverride(t *testing.T) {
	t.Parallel()

	var friendPK crypto.PublicKey
	friendPK[0] = 0xbb

	attempts := make(chan cswire.RelayAddress, 16)
	dial := func(addr cswire.RelayAddress,
		pk crypto.PublicKey) (MsgConn, error) {

		attempts <- addr
		if addr == "fresh:9000" {
			return newNopConn(), nil
		}
		return nil, fmt.Errorf("relay unreachable")
	}

	force := ticker.NewForce(time.Hour)
	pool := NewConnectPool(friendPK, dial, force)
	defer pool.Stop()

	pool.SetAddresses([]cswire.RelayAddress{"stale:9000"})

	connChan := make(chan MsgConn, 1)
	go func() {
		conn, err := pool.Connect()
		if err != nil {
			return
		}
		connChan <- conn
	}()

	// First pass fails, the pool backs off.
	expectAttempt := func(expected cswire.RelayAddress) {
		t.Helper()
		select {
		case addr := <-attempts:
			if addr != expected {
				t.Fatalf("expected attempt on %v, got %v",
					expected, addr)
			}
		case <-time.After(testTimeout):
			t.Fatalf("no dial attempt on %v", expected)
		}
	}
	expectAttempt("stale:9000")

	// One backoff tick buys the second pass.
	force.Force <- time.Now()
	expectAttempt("stale:9000")

	// Mid-backoff, a fresh configuration overrides the stale relay set
	// and is retried immediately, without waiting out the backoff.
	pool.SetAddresses([]cswire.RelayAddress{"fresh:9000"})
	expectAttempt("fresh:9000")

	select {
	case conn := <-connChan:
		conn.Close()
	case <-time.After(testTimeout):
		t.Fatalf("connect did not resolve")
	}
}

func TestConnectStopUnblocks(t *testing.T) {
	t.Parallel()

	var friendPK crypto.PublicKey
	dial := func(addr cswire.RelayAddress,
		pk crypto.PublicKey) (MsgConn, error) {

		return nil, fmt.Errorf("relay unreachable")
	}

	pool := NewConnectPool(friendPK, dial, ticker.NewForce(time.Hour))

	errChan := make(chan error, 1)
	go func() {
		_, err := pool.Connect()
		errChan <- err
	}()

	// Give the Connect call a moment to register, then stop the pool.
	time.Sleep(10 * time.Millisecond)
	pool.Stop()

	select {
	case err := <-errChan:
		if err != ErrPoolStopped {
			t.Fatalf("expected ErrPoolStopped, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("connect did not unblock on stop")
	}
}

// scriptedListener hands out connections pushed by the test.
type acceptedConn struct {
	pk   crypto.PublicKey
	conn MsgConn
}

type scriptedListener struct {
	addr  cswire.RelayAddress
	conns chan *acceptedConn

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedListener(addr cswire.RelayAddress) *scriptedListener {
	return &scriptedListener{
		addr:   addr,
		conns:  make(chan *acceptedConn),
		closed: make(chan struct{}),
	}
}

func (l *scriptedListener) Accept() (crypto.PublicKey, MsgConn, error) {
	select {
	case accepted := <-l.conns:
		return accepted.pk, accepted.conn, nil
	case <-l.closed:
		return crypto.PublicKey{}, nil, fmt.Errorf("listener closed")
	}
}

func (l *scriptedListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// listenerRegistry tracks the listeners a ListenPool opened.
type listenerRegistry struct {
	mtx       sync.Mutex
	listeners map[cswire.RelayAddress]*scriptedListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		listeners: make(map[cswire.RelayAddress]*scriptedListener),
	}
}

func (r *listenerRegistry) acceptor(
	addr cswire.RelayAddress) (Listener, error) {

	r.mtx.Lock()
	defer r.mtx.Unlock()
	listener := newScriptedListener(addr)
	r.listeners[addr] = listener
	return listener, nil
}

func (r *listenerRegistry) get(
	addr cswire.RelayAddress) *scriptedListener {

	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.listeners[addr]
}

func TestListenPoolAccessControl(t *testing.T) {
	t.Parallel()

	registry := newListenerRegistry()
	lp := NewListenPool(registry.acceptor)
	defer lp.Stop()

	lp.SetLocalAddresses([]cswire.RelayAddress{"local:9000"})

	authorizedPK := crypto.PublicKey{0x0a}
	strangerPK := crypto.PublicKey{0x0b}
	lp.UpdateFriend(authorizedPK, nil)

	listener := registry.get("local:9000")
	if listener == nil {
		t.Fatalf("no listener on the local address")
	}

	// A stranger's connection is dropped without being forwarded.
	strangerConn := newNopConn()
	listener.conns <- &acceptedConn{pk: strangerPK, conn: strangerConn}

	// An authorized friend's connection is forwarded.
	friendConn := newNopConn()
	listener.conns <- &acceptedConn{pk: authorizedPK, conn: friendConn}

	select {
	case incoming := <-lp.IncomingConns():
		if incoming.FriendPK != authorizedPK {
			t.Fatalf("forwarded the wrong peer: %v",
				incoming.FriendPK)
		}
	case <-time.After(testTimeout):
		t.Fatalf("authorized connection was not forwarded")
	}

	if !strangerConn.isClosed() {
		t.Fatalf("unauthorized connection should be closed")
	}
	if friendConn.isClosed() {
		t.Fatalf("authorized connection should stay open")
	}

	// Revoked friends lose access.
	lp.RemoveFriend(authorizedPK)
	revokedConn := newNopConn()
	listener.conns <- &acceptedConn{pk: authorizedPK, conn: revokedConn}

	select {
	case incoming := <-lp.IncomingConns():
		t.Fatalf("revoked friend should not be forwarded: %v",
			incoming.FriendPK)
	case <-time.After(100 * time.Millisecond):
	}
	if !revokedConn.isClosed() {
		t.Fatalf("revoked friend's connection should be closed")
	}
}

func TestListenPoolFollowsAddressConfig(t *testing.T) {
	t.Parallel()

	registry := newListenerRegistry()
	lp := NewListenPool(registry.acceptor)
	defer lp.Stop()

	friendPK := crypto.PublicKey{0x0c}
	lp.SetLocalAddresses([]cswire.RelayAddress{"one:9000"})
	lp.UpdateFriend(friendPK, []cswire.RelayAddress{"two:9000"})

	if registry.get("one:9000") == nil {
		t.Fatalf("local address listener missing")
	}
	if registry.get("two:9000") == nil {
		t.Fatalf("friend relay listener missing")
	}

	// Replacing the local addresses closes the dropped listener but
	// keeps the friend's relay alive.
	lp.SetLocalAddresses([]cswire.RelayAddress{"three:9000"})
	if !registry.get("one:9000").isClosed() {
		t.Fatalf("dropped local listener should be closed")
	}
	if registry.get("three:9000") == nil {
		t.Fatalf("fresh local listener missing")
	}
	if registry.get("two:9000").isClosed() {
		t.Fatalf("friend relay listener should stay open")
	}

	// Removing the friend closes its relay listener.
	lp.RemoveFriend(friendPK)
	if !registry.get("two:9000").isClosed() {
		t.Fatalf("removed friend's relay listener should be closed")
	}
}
