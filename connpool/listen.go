package connpool

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// ErrListenPoolStopped is returned from configuration calls once the pool
// is torn down.
var ErrListenPoolStopped = fmt.Errorf("listen pool stopped")

// Listener accepts authenticated connections on one local relay address.
// Accept returns once a remote peer has completed the secure channel
// handshake, announcing its identity.
type Listener interface {
	Accept() (crypto.PublicKey, MsgConn, error)
	Close() error
}

// Acceptor opens a Listener on the given local relay address.
type Acceptor func(addr cswire.RelayAddress) (Listener, error)

// Incoming is one accepted, authorized connection.
type Incoming struct {
	FriendPK crypto.PublicKey
	Conn     MsgConn
}

// ListenPool maintains one listener per local relay address and forwards
// only connections whose handshake-announced public key belongs to an
// authorized listening friend. Accepted connections pass through an
// unbounded concurrent queue so accept loops never block on a slow
// consumer.
type ListenPool struct {
	accept Acceptor

	mtx sync.Mutex

	// localAddrs are the node-wide listening addresses; friendAddrs
	// are the per-friend relay sets. A listener exists for every
	// address in the union.
	localAddrs  map[cswire.RelayAddress]struct{}
	friendAddrs map[crypto.PublicKey][]cswire.RelayAddress
	listeners   map[cswire.RelayAddress]Listener

	// accessSet holds the friends allowed to connect inbound.
	accessSet map[crypto.PublicKey]struct{}

	incomingQueue *queue.ConcurrentQueue
	incoming      chan *Incoming

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewListenPool creates a pool with no listeners. Configuration calls
// bring listeners up and down.
func NewListenPool(accept Acceptor) *ListenPool {
	lp := &ListenPool{
		accept:        accept,
		localAddrs:    make(map[cswire.RelayAddress]struct{}),
		friendAddrs:   make(map[crypto.PublicKey][]cswire.RelayAddress),
		listeners:     make(map[cswire.RelayAddress]Listener),
		accessSet:     make(map[crypto.PublicKey]struct{}),
		incomingQueue: queue.NewConcurrentQueue(16),
		incoming:      make(chan *Incoming),
		quit:          make(chan struct{}),
	}
	lp.incomingQueue.Start()

	// Forward the untyped queue into the typed incoming channel.
	lp.wg.Add(1)
	go func() {
		defer lp.wg.Done()
		defer close(lp.incoming)
		for {
			select {
			case item, ok := <-lp.incomingQueue.ChanOut():
				if !ok {
					return
				}
				select {
				case lp.incoming <- item.(*Incoming):
				case <-lp.quit:
					return
				}
			case <-lp.quit:
				return
			}
		}
	}()

	return lp
}

// IncomingConns is the stream of accepted, authorized connections. It
// closes when the pool stops.
func (lp *ListenPool) IncomingConns() <-chan *Incoming {
	return lp.incoming
}

// stoppedLocked reports whether the pool was torn down. The caller must
// hold mtx.
func (lp *ListenPool) stoppedLocked() bool {
	select {
	case <-lp.quit:
		return true
	default:
		return false
	}
}

// SetLocalAddresses replaces the node-wide listening addresses. It fails
// with ErrListenPoolStopped once the pool is torn down.
func (lp *ListenPool) SetLocalAddresses(addrs []cswire.RelayAddress) error {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()

	if lp.stoppedLocked() {
		return ErrListenPoolStopped
	}

	lp.localAddrs = make(map[cswire.RelayAddress]struct{})
	for _, addr := range addrs {
		lp.localAddrs[addr] = struct{}{}
	}
	lp.reconcileLocked()
	return nil
}

// UpdateFriend authorizes a listening friend and records the relay
// addresses it expects to reach us at.
func (lp *ListenPool) UpdateFriend(friendPK crypto.PublicKey,
	addrs []cswire.RelayAddress) error {

	lp.mtx.Lock()
	defer lp.mtx.Unlock()

	if lp.stoppedLocked() {
		return ErrListenPoolStopped
	}

	lp.accessSet[friendPK] = struct{}{}
	lp.friendAddrs[friendPK] = addrs
	lp.reconcileLocked()
	return nil
}

// RemoveFriend revokes a friend's inbound access.
func (lp *ListenPool) RemoveFriend(friendPK crypto.PublicKey) error {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()

	if lp.stoppedLocked() {
		return ErrListenPoolStopped
	}

	delete(lp.accessSet, friendPK)
	delete(lp.friendAddrs, friendPK)
	lp.reconcileLocked()
	return nil
}

// Stop tears down every listener and the forwarding machinery. The quit
// signal is raised under the lock so no configuration call can open a
// fresh listener behind the teardown.
func (lp *ListenPool) Stop() {
	lp.stopOnce.Do(func() {
		lp.mtx.Lock()
		close(lp.quit)
		for addr, listener := range lp.listeners {
			listener.Close()
			delete(lp.listeners, addr)
		}
		lp.mtx.Unlock()

		lp.incomingQueue.Stop()
		lp.wg.Wait()
	})
}

// reconcileLocked brings the listener set in line with the union of the
// local addresses and every friend's relay addresses. The caller must
// hold mtx.
func (lp *ListenPool) reconcileLocked() {
	select {
	case <-lp.quit:
		return
	default:
	}

	wanted := make(map[cswire.RelayAddress]struct{})
	for addr := range lp.localAddrs {
		wanted[addr] = struct{}{}
	}
	for _, addrs := range lp.friendAddrs {
		for _, addr := range addrs {
			wanted[addr] = struct{}{}
		}
	}

	// Close listeners that are no longer wanted.
	for addr, listener := range lp.listeners {
		if _, ok := wanted[addr]; !ok {
			log.Infof("closing listener on %v", addr)
			listener.Close()
			delete(lp.listeners, addr)
		}
	}

	// Open listeners that are newly wanted.
	for addr := range wanted {
		if _, ok := lp.listeners[addr]; ok {
			continue
		}
		listener, err := lp.accept(addr)
		if err != nil {
			log.Errorf("unable to listen on %v: %v", addr, err)
			continue
		}
		lp.listeners[addr] = listener
		log.Infof("listening on %v", addr)

		lp.wg.Add(1)
		go lp.acceptLoop(addr, listener)
	}
}

// acceptLoop serves one listener until it closes, forwarding authorized
// connections into the queue.
//
// NOTE: This method MUST be run as a goroutine.
func (lp *ListenPool) acceptLoop(addr cswire.RelayAddress,
	listener Listener) {

	defer lp.wg.Done()

	for {
		friendPK, conn, err := listener.Accept()
		if err != nil {
			log.Debugf("listener on %v closed: %v", addr, err)
			return
		}

		lp.mtx.Lock()
		_, authorized := lp.accessSet[friendPK]
		lp.mtx.Unlock()
		if !authorized {
			log.Warnf("dropping inbound connection from "+
				"unauthorized peer %v", friendPK)
			conn.Close()
			continue
		}

		select {
		case lp.incomingQueue.ChanIn() <- &Incoming{
			FriendPK: friendPK,
			Conn:     conn,
		}:
		case <-lp.quit:
			conn.Close()
			return
		}
	}
}
