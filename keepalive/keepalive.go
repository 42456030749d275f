package keepalive

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/realcr/cswitch/cswire"
)

var (
	// ErrRemoteTimeout is returned when the remote side stayed silent
	// for a full keepalive interval.
	ErrRemoteTimeout = fmt.Errorf("remote side timed out")

	// ErrConnClosed is returned on use of a closed connection.
	ErrConnClosed = fmt.Errorf("connection closed")
)

// DefaultKeepaliveTicks is the number of ticks of remote silence after
// which a connection is considered dead. A heartbeat goes out every half
// interval, so a live but idle peer is never dropped.
const DefaultKeepaliveTicks = 16

// messageConn is the framed message stream this layer wraps. A secure
// channel connection satisfies it.
type messageConn interface {
	SendMessage([]byte) error
	ReceiveMessage() ([]byte, error)
	Close() error
}

// Conn wraps an authenticated framed stream with liveness accounting:
// every outbound frame proves we are alive, heartbeats fill transmission
// gaps, and a silent remote fails the stream with ErrRemoteTimeout.
type Conn struct {
	conn  messageConn
	ticks int
	tick  ticker.Ticker

	// sendMtx serializes writes from the user and from the heartbeat
	// loop.
	sendMtx sync.Mutex

	// sentSignal tells the run loop a user frame went out, postponing
	// the next heartbeat.
	sentSignal chan struct{}

	// inbound carries parsed frames from the read pump to the run loop.
	inbound chan *cswire.KaMessage

	// recvChan carries tunneled user payloads to ReceiveMessage.
	recvChan chan []byte

	errOnce sync.Once
	failErr error
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewConn wraps conn with keepalive maintenance. The ticker is owned by
// the returned Conn: it is resumed here and stopped on shutdown.
func NewConn(conn messageConn, keepaliveTicks int, tick ticker.Ticker) *Conn {
	c := &Conn{
		conn:       conn,
		ticks:      keepaliveTicks,
		tick:       tick,
		sentSignal: make(chan struct{}, 1),
		inbound:    make(chan *cswire.KaMessage),
		recvChan:   make(chan []byte, 32),
		quit:       make(chan struct{}),
	}

	c.tick.Resume()

	c.wg.Add(2)
	go c.readPump()
	go c.run()

	return c
}

// fail records the first failure and releases every waiter.
func (c *Conn) fail(err error) {
	c.errOnce.Do(func() {
		c.failErr = err
		close(c.quit)
		c.conn.Close()
	})
}

// readPump reads frames off the underlying stream in series and hands
// them to the run loop.
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer close(c.inbound)

	for {
		raw, err := c.conn.ReceiveMessage()
		if err != nil {
			c.fail(err)
			return
		}
		kaMsg, err := cswire.DeserializeKaMessage(raw)
		if err != nil {
			log.Warnf("dropping connection: bad keepalive "+
				"frame: %v", err)
			c.fail(err)
			return
		}

		select {
		case c.inbound <- kaMsg:
		case <-c.quit:
			return
		}
	}
}

// run owns the two tick counters. Any inbound frame refills the silence
// budget; any outbound frame postpones the next heartbeat.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Conn) run() {
	defer c.wg.Done()
	defer c.tick.Stop()

	ticksToClose := c.ticks
	ticksToSend := c.ticks / 2

	for {
		select {
		case <-c.tick.Ticks():
			ticksToClose--
			ticksToSend--
			if ticksToClose <= 0 {
				log.Debugf("remote silent for %d ticks, "+
					"closing", c.ticks)
				c.fail(ErrRemoteTimeout)
				return
			}
			if ticksToSend <= 0 {
				if err := c.sendKa(cswire.NewKaKeepAlive()); err != nil {
					c.fail(err)
					return
				}
				ticksToSend = c.ticks / 2
			}

		case kaMsg, ok := <-c.inbound:
			if !ok {
				// The read pump already recorded the error.
				return
			}
			ticksToClose = c.ticks
			if kaMsg.KeepAlive {
				continue
			}
			select {
			case c.recvChan <- kaMsg.Message:
			case <-c.quit:
				return
			}

		case <-c.sentSignal:
			ticksToSend = c.ticks / 2

		case <-c.quit:
			return
		}
	}
}

func (c *Conn) sendKa(kaMsg *cswire.KaMessage) error {
	raw, err := cswire.SerializeKaMessage(kaMsg)
	if err != nil {
		return err
	}
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()
	return c.conn.SendMessage(raw)
}

// SendMessage tunnels a user payload to the remote side.
func (c *Conn) SendMessage(b []byte) error {
	select {
	case <-c.quit:
		return c.failErr
	default:
	}

	if err := c.sendKa(cswire.NewKaUserMessage(b)); err != nil {
		c.fail(err)
		return err
	}

	select {
	case c.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

// ReceiveMessage blocks until the next tunneled user payload, or returns
// the failure that tore the connection down.
func (c *Conn) ReceiveMessage() ([]byte, error) {
	select {
	case b := <-c.recvChan:
		return b, nil
	case <-c.quit:
		return nil, c.failErr
	}
}

// Close tears the connection down and waits for its goroutines.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	c.wg.Wait()
	return nil
}
