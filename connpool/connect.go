package connpool

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// ErrPoolStopped is returned from Connect when the pool is torn down.
var ErrPoolStopped = fmt.Errorf("connect pool stopped")

const (
	// initialBackoffTicks is the wait after the first failed pass over
	// the relay set.
	initialBackoffTicks = 1

	// maxBackoffTicks caps the exponential backoff.
	maxBackoffTicks = 32
)

// MsgConn is a fully established framed message stream, handshake and
// keepalive included.
type MsgConn interface {
	SendMessage([]byte) error
	ReceiveMessage() ([]byte, error)
	Close() error
}

// Dialer establishes a fully established connection to the given friend
// through the given relay address: dial, secure channel handshake
// (verifying the friend's identity), keepalive wrap.
type Dialer func(addr cswire.RelayAddress,
	friendPK crypto.PublicKey) (MsgConn, error)

// connectRequest is one pending Connect call.
type connectRequest struct {
	result chan MsgConn
}

// ConnectPool is the dialer actor of a single outgoing friend. It
// opportunistically walks the most recently configured relay set,
// applying bounded exponential backoff between passes; a configuration
// update interrupts the wait and resets the backoff.
type ConnectPool struct {
	friendPK crypto.PublicKey
	dial     Dialer
	tick     ticker.Ticker

	configChan chan []cswire.RelayAddress
	requests   chan *connectRequest

	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewConnectPool starts the actor for the given friend. The ticker paces
// backoff waits and is owned by the pool.
func NewConnectPool(friendPK crypto.PublicKey, dial Dialer,
	tick ticker.Ticker) *ConnectPool {

	p := &ConnectPool{
		friendPK:   friendPK,
		dial:       dial,
		tick:       tick,
		configChan: make(chan []cswire.RelayAddress),
		requests:   make(chan *connectRequest),
		quit:       make(chan struct{}),
	}

	p.tick.Resume()
	p.wg.Add(1)
	go p.run()
	return p
}

// SetAddresses replaces the relay set used for subsequent dial attempts.
// The most recent configuration always wins, including mid-retry. It
// fails with ErrPoolStopped once the pool is torn down.
func (p *ConnectPool) SetAddresses(addrs []cswire.RelayAddress) error {
	select {
	case p.configChan <- addrs:
		return nil
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Connect blocks until a fully established connection is live, or until
// the pool is stopped. Only one Connect call is serviced at a time.
func (p *ConnectPool) Connect() (MsgConn, error) {
	req := &connectRequest{result: make(chan MsgConn, 1)}

	select {
	case p.requests <- req:
	case <-p.quit:
		return nil, ErrPoolStopped
	}

	select {
	case conn := <-req.result:
		return conn, nil
	case <-p.quit:
		return nil, ErrPoolStopped
	}
}

// Stop tears the actor down. Pending and future Connect calls return
// ErrPoolStopped.
func (p *ConnectPool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	p.tick.Stop()
}

// run is the actor loop: it owns the relay set and the backoff state.
//
// NOTE: This method MUST be run as a goroutine.
func (p *ConnectPool) run() {
	defer p.wg.Done()

	var addrs []cswire.RelayAddress

	for {
		select {
		case newAddrs := <-p.configChan:
			addrs = newAddrs

		case req := <-p.requests:
			conn, ok := p.establish(&addrs)
			if !ok {
				return
			}
			req.result <- conn

		case <-p.quit:
			return
		}
	}
}

// establish dials until a connection is live. Between full passes over
// the relay set it waits an exponentially growing number of ticks, still
// accepting configuration updates, which reset the backoff. It returns
// false when the pool is stopped.
func (p *ConnectPool) establish(addrs *[]cswire.RelayAddress) (MsgConn, bool) {
	backoff := initialBackoffTicks

	for {
		for _, addr := range *addrs {
			select {
			case <-p.quit:
				return nil, false
			default:
			}

			conn, err := p.dial(addr, p.friendPK)
			if err != nil {
				log.Debugf("dial %v via %v failed: %v",
					p.friendPK, addr, err)
				continue
			}
			log.Infof("connected to %v via %v", p.friendPK, addr)
			return conn, true
		}

		// Wait out the backoff. A config update interrupts the wait,
		// resets the backoff and retries the fresh relay set right
		// away.
		waited := 0
		refreshed := false
		for waited < backoff && !refreshed {
			select {
			case newAddrs := <-p.configChan:
				*addrs = newAddrs
				refreshed = true

			case <-p.tick.Ticks():
				waited++

			case <-p.quit:
				return nil, false
			}
		}

		if refreshed {
			backoff = initialBackoffTicks
		} else if backoff < maxBackoffTicks {
			backoff *= 2
		}
	}
}
