package channeler

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

const testTimeout = 5 * time.Second

// testConn is an in-memory MsgConn. In gated mode each send first
// announces itself on attempts and then waits for one gate token, so
// tests can simulate a stalled peer and observe which messages were
// picked up.
type testConn struct {
	gated    bool
	gate     chan struct{}
	attempts chan []byte
	wireOut  chan []byte
	wireIn   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestConn(gated bool) *testConn {
	return &testConn{
		gated:    gated,
		gate:     make(chan struct{}),
		attempts: make(chan []byte, 16),
		wireOut:  make(chan []byte, 16),
		wireIn:   make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *testConn) SendMessage(b []byte) error {
	if c.gated {
		c.attempts <- b
		select {
		case <-c.gate:
		case <-c.closed:
			return fmt.Errorf("conn closed")
		}
	}
	select {
	case c.wireOut <- b:
		return nil
	case <-c.closed:
		return fmt.Errorf("conn closed")
	}
}

func (c *testConn) ReceiveMessage() ([]byte, error) {
	select {
	case b := <-c.wireIn:
		return b, nil
	case <-c.closed:
		return nil, fmt.Errorf("conn closed")
	}
}

func (c *testConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *testConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// testConnectPool hands out scripted connections and records activity.
type testConnectPool struct {
	addrCalls    chan []cswire.RelayAddress
	connectCalls chan struct{}
	conns        chan MsgConn
	quit         chan struct{}
	stopOnce     sync.Once
}

func newTestConnectPool() *testConnectPool {
	return &testConnectPool{
		addrCalls:    make(chan []cswire.RelayAddress, 16),
		connectCalls: make(chan struct{}, 16),
		conns:        make(chan MsgConn),
		quit:         make(chan struct{}),
	}
}

func (p *testConnectPool) SetAddresses(addrs []cswire.RelayAddress) error {
	p.addrCalls <- addrs
	return nil
}

func (p *testConnectPool) Connect() (MsgConn, error) {
	p.connectCalls <- struct{}{}
	select {
	case conn := <-p.conns:
		return conn, nil
	case <-p.quit:
		return nil, fmt.Errorf("pool stopped")
	}
}

func (p *testConnectPool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

// testListenPool records configuration calls.
type friendUpdate struct {
	pk    crypto.PublicKey
	addrs []cswire.RelayAddress
}

type testListenPool struct {
	setLocal chan []cswire.RelayAddress
	updates  chan friendUpdate
	removes  chan crypto.PublicKey
}

func newTestListenPool() *testListenPool {
	return &testListenPool{
		setLocal: make(chan []cswire.RelayAddress, 16),
		updates:  make(chan friendUpdate, 16),
		removes:  make(chan crypto.PublicKey, 16),
	}
}

func (p *testListenPool) SetLocalAddresses(addrs []cswire.RelayAddress) error {
	p.setLocal <- addrs
	return nil
}

func (p *testListenPool) UpdateFriend(pk crypto.PublicKey,
	addrs []cswire.RelayAddress) error {

	p.updates <- friendUpdate{pk: pk, addrs: addrs}
	return nil
}

func (p *testListenPool) RemoveFriend(pk crypto.PublicKey) error {
	p.removes <- pk
	return nil
}

// testHarness wires a Channeler to scripted collaborators.
type testHarness struct {
	t *testing.T

	localPK    crypto.PublicKey
	listenPool *testListenPool

	poolMtx sync.Mutex
	pools   map[crypto.PublicKey]*testConnectPool

	commands   chan Command
	incoming   chan *IncomingConn
	events     chan Event
	funderDone chan struct{}

	channeler *Channeler
	runErr    chan error
}

func newTestHarness(t *testing.T, localPK crypto.PublicKey) *testHarness {
	h := &testHarness{
		t:          t,
		localPK:    localPK,
		listenPool: newTestListenPool(),
		pools:      make(map[crypto.PublicKey]*testConnectPool),
		commands:   make(chan Command),
		incoming:   make(chan *IncomingConn),
		events:     make(chan Event, 16),
		funderDone: make(chan struct{}),
		runErr:     make(chan error, 1),
	}

	h.channeler = New(&Config{
		LocalPK: localPK,
		NewConnectPool: func(pk crypto.PublicKey) ConnectPool {
			pool := newTestConnectPool()
			h.poolMtx.Lock()
			h.pools[pk] = pool
			h.poolMtx.Unlock()
			return pool
		},
		ListenPool:    h.listenPool,
		IncomingConns: h.incoming,
		Commands:      h.commands,
		Events:        h.events,
		FunderDone:    h.funderDone,
	})

	go func() {
		h.runErr <- h.channeler.Run()
	}()
	t.Cleanup(h.channeler.Stop)

	return h
}

func (h *testHarness) pool(pk crypto.PublicKey) *testConnectPool {
	h.poolMtx.Lock()
	defer h.poolMtx.Unlock()
	return h.pools[pk]
}

// waitPool returns the connect pool of pk once the channeler has built it.
// The command channel is unbuffered, so sendCommand returns when the loop
// takes the command, which can be before the pool exists.
func (h *testHarness) waitPool(pk crypto.PublicKey) *testConnectPool {
	deadline := time.Now().Add(testTimeout)
	for {
		if pool := h.pool(pk); pool != nil {
			return pool
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("no connect pool for friend %x", pk[:4])
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *testHarness) sendCommand(cmd Command) {
	select {
	case h.commands <- cmd:
	case <-time.After(testTimeout):
		h.t.Fatalf("channeler did not accept command")
	}
}

func (h *testHarness) expectEvent() Event {
	select {
	case event := <-h.events:
		return event
	case <-time.After(testTimeout):
		h.t.Fatalf("no event from channeler")
		return nil
	}
}

func pkWithByte(b byte) crypto.PublicKey {
	var pk crypto.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// TestTieBreakListener checks that a friend with a higher public key is
// handled in listen mode: no dial attempt, listener access configured.
func TestTieBreakListener(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x01))
	remotePK := pkWithByte(0x02)

	h.sendCommand(&UpdateFriendCmd{
		FriendPK: remotePK,
		LocalRelays: [][]cswire.RelayAddress{
			{"relay1:9000"}, {"relay2:9000", "relay3:9000"},
		},
	})

	// The listen pool learns the flattened local relay list.
	select {
	case update := <-h.listenPool.updates:
		if update.pk != remotePK {
			t.Fatalf("wrong friend authorized: %v", update.pk)
		}
		expected := []cswire.RelayAddress{
			"relay1:9000", "relay2:9000", "relay3:9000",
		}
		if len(update.addrs) != len(expected) {
			t.Fatalf("expected %d addrs, got %d", len(expected),
				len(update.addrs))
		}
		for i, addr := range expected {
			if update.addrs[i] != addr {
				t.Fatalf("wrong addr at %d: %v", i,
					update.addrs[i])
			}
		}
	case <-time.After(testTimeout):
		t.Fatalf("listen pool was not configured")
	}

	// No connect pool may have been created.
	if h.pool(remotePK) != nil {
		t.Fatalf("listen friend should not get a connect pool")
	}
}

// TestTieBreakInitiatorReconnect checks dial-mode handling: connect on
// creation, Online on an established conn, Offline plus a fresh dial on
// disconnection.
func TestTieBreakInitiatorReconnect(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x02))
	remotePK := pkWithByte(0x01)

	h.sendCommand(&UpdateFriendCmd{
		FriendPK:     remotePK,
		FriendRelays: []cswire.RelayAddress{"relay0:9000"},
	})

	pool := h.waitPool(remotePK)
	if pool == nil {
		t.Fatalf("dial friend should get a connect pool")
	}

	// The pool was configured with the friend's relays and a dial
	// attempt started.
	select {
	case addrs := <-pool.addrCalls:
		if len(addrs) != 1 || addrs[0] != "relay0:9000" {
			t.Fatalf("wrong relay configuration: %v", addrs)
		}
	case <-time.After(testTimeout):
		t.Fatalf("connect pool was not configured")
	}
	select {
	case <-pool.connectCalls:
	case <-time.After(testTimeout):
		t.Fatalf("no dial attempt")
	}

	// Supply a raw stream; the friend comes online.
	conn := newTestConn(false)
	pool.conns <- conn
	if _, ok := h.expectEvent().(*OnlineEvent); !ok {
		t.Fatalf("expected online event")
	}

	// Drop the stream; the friend goes offline and a new dial attempt
	// is issued for the same pool.
	conn.Close()
	if _, ok := h.expectEvent().(*OfflineEvent); !ok {
		t.Fatalf("expected offline event")
	}
	select {
	case <-pool.connectCalls:
	case <-time.After(testTimeout):
		t.Fatalf("no reconnect attempt")
	}
}

// TestOverwriteUnderBackpressure checks the depth-1 send queue: with the
// peer stalled, a newer message replaces an undelivered older one, and
// the event loop keeps serving other friends.
func TestOverwriteUnderBackpressure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x02))
	stalledPK := pkWithByte(0x01)
	healthyPK := pkWithByte(0x00)

	for _, pk := range []crypto.PublicKey{stalledPK, healthyPK} {
		h.sendCommand(&UpdateFriendCmd{FriendPK: pk})
		pool := h.waitPool(pk)
		<-pool.addrCalls
		<-pool.connectCalls
	}

	stalledConn := newTestConn(true)
	h.pool(stalledPK).conns <- stalledConn
	h.expectEvent() // online

	healthyConn := newTestConn(false)
	h.pool(healthyPK).conns <- healthyConn
	h.expectEvent() // online

	// The first message is picked up and stalls in flight. The next
	// two arrive while the peer is stalled: only the latest survives.
	h.sendCommand(&MessageCmd{FriendPK: stalledPK, Data: []byte("A")})
	select {
	case b := <-stalledConn.attempts:
		if !bytes.Equal(b, []byte("A")) {
			t.Fatalf("expected A in flight, got %q", b)
		}
	case <-time.After(testTimeout):
		t.Fatalf("first message was never picked up")
	}
	h.sendCommand(&MessageCmd{FriendPK: stalledPK, Data: []byte("B")})
	h.sendCommand(&MessageCmd{FriendPK: stalledPK, Data: []byte("C")})

	// The loop still makes progress on other friends.
	h.sendCommand(&MessageCmd{FriendPK: healthyPK, Data: []byte("X")})
	select {
	case b := <-healthyConn.wireOut:
		if !bytes.Equal(b, []byte("X")) {
			t.Fatalf("unexpected payload on healthy conn: %q", b)
		}
	case <-time.After(testTimeout):
		t.Fatalf("healthy friend starved by stalled peer")
	}

	// Unstall the peer: the in-flight message and the latest buffered
	// one arrive; the superseded one was dropped.
	stalledConn.gate <- struct{}{}
	stalledConn.gate <- struct{}{}

	var delivered [][]byte
	for i := 0; i < 2; i++ {
		select {
		case b := <-stalledConn.wireOut:
			delivered = append(delivered, b)
		case <-time.After(testTimeout):
			t.Fatalf("stalled conn did not drain")
		}
	}
	if !bytes.Equal(delivered[0], []byte("A")) ||
		!bytes.Equal(delivered[1], []byte("C")) {

		t.Fatalf("expected [A C], got %q", delivered)
	}
	select {
	case b := <-stalledConn.wireOut:
		t.Fatalf("unexpected extra delivery: %q", b)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestInboundMessagesForwarded checks that bytes from a live friend reach
// the credit layer in order.
func TestInboundMessagesForwarded(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x01))
	remotePK := pkWithByte(0x02)

	h.sendCommand(&UpdateFriendCmd{FriendPK: remotePK})
	<-h.listenPool.updates

	conn := newTestConn(false)
	h.incoming <- &IncomingConn{FriendPK: remotePK, Conn: conn}
	h.expectEvent() // online

	conn.wireIn <- []byte("one")
	conn.wireIn <- []byte("two")

	for _, expected := range []string{"one", "two"} {
		event := h.expectEvent()
		msg, ok := event.(*MessageEvent)
		if !ok {
			t.Fatalf("expected message event, got %T", event)
		}
		if msg.FriendPK != remotePK || string(msg.Data) != expected {
			t.Fatalf("unexpected message event: %v %q",
				msg.FriendPK, msg.Data)
		}
	}
}

// TestDuplicateConnectionDropped checks that a second connection does not
// displace a live session.
func TestDuplicateConnectionDropped(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x01))
	remotePK := pkWithByte(0x02)

	h.sendCommand(&UpdateFriendCmd{FriendPK: remotePK})
	<-h.listenPool.updates

	first := newTestConn(false)
	h.incoming <- &IncomingConn{FriendPK: remotePK, Conn: first}
	h.expectEvent() // online

	second := newTestConn(false)
	h.incoming <- &IncomingConn{FriendPK: remotePK, Conn: second}

	// The duplicate is closed; the original session stays usable.
	h.sendCommand(&MessageCmd{FriendPK: remotePK, Data: []byte("still")})
	select {
	case b := <-first.wireOut:
		if !bytes.Equal(b, []byte("still")) {
			t.Fatalf("unexpected payload: %q", b)
		}
	case <-time.After(testTimeout):
		t.Fatalf("original session should stay live")
	}
	if !second.isClosed() {
		t.Fatalf("duplicate connection should be closed")
	}
	select {
	case event := <-h.events:
		t.Fatalf("no second online event expected, got %T", event)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestRemoveFriendReleasesResources checks teardown on friend removal for
// both roles.
func TestRemoveFriendReleasesResources(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x02))
	listenPK := pkWithByte(0x03)
	dialPK := pkWithByte(0x01)

	h.sendCommand(&UpdateFriendCmd{FriendPK: listenPK})
	<-h.listenPool.updates

	h.sendCommand(&UpdateFriendCmd{FriendPK: dialPK})
	pool := h.waitPool(dialPK)
	<-pool.addrCalls
	<-pool.connectCalls

	h.sendCommand(&RemoveFriendCmd{FriendPK: listenPK})
	select {
	case pk := <-h.listenPool.removes:
		if pk != listenPK {
			t.Fatalf("wrong friend removed from listen pool")
		}
	case <-time.After(testTimeout):
		t.Fatalf("listen pool was not updated on removal")
	}

	h.sendCommand(&RemoveFriendCmd{FriendPK: dialPK})
	select {
	case <-pool.quit:
	case <-time.After(testTimeout):
		t.Fatalf("connect pool was not stopped on removal")
	}

	// The dangling dial failure after removal must not kill the loop.
	h.sendCommand(&MessageCmd{FriendPK: dialPK, Data: []byte("ignored")})
	select {
	case err := <-h.runErr:
		t.Fatalf("channeler died: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestFunderClosedIsFatal checks the terminal error on command stream
// close.
func TestFunderClosedIsFatal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, pkWithByte(0x01))
	close(h.commands)

	select {
	case err := <-h.runErr:
		if err != ErrFunderClosed {
			t.Fatalf("expected ErrFunderClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("channeler should exit on funder close")
	}
}

// TestSendToFunderFailureIsFatal checks that a report which cannot reach
// a dead credit layer kills the loop with ErrSendToFunder.
func TestSendToFunderFailureIsFatal(t *testing.T) {
	t.Parallel()

	listenPool := newTestListenPool()
	commands := make(chan Command)
	incoming := make(chan *IncomingConn)
	funderDone := make(chan struct{})

	// An unbuffered, never-drained event channel together with a closed
	// FunderDone models a credit layer that died mid-flight.
	c := New(&Config{
		LocalPK: pkWithByte(0x01),
		NewConnectPool: func(pk crypto.PublicKey) ConnectPool {
			return newTestConnectPool()
		},
		ListenPool:    listenPool,
		IncomingConns: incoming,
		Commands:      commands,
		Events:        make(chan Event),
		FunderDone:    funderDone,
	})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run() }()
	t.Cleanup(c.Stop)

	remotePK := pkWithByte(0x02)
	select {
	case commands <- &UpdateFriendCmd{FriendPK: remotePK}:
	case <-time.After(testTimeout):
		t.Fatalf("channeler did not accept command")
	}
	<-listenPool.updates

	close(funderDone)

	// The online report for the fresh connection has nowhere to go.
	incoming <- &IncomingConn{FriendPK: remotePK, Conn: newTestConn(false)}

	select {
	case err := <-runErr:
		if err != ErrSendToFunder {
			t.Fatalf("expected ErrSendToFunder, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("channeler should die when the funder is gone")
	}
}
