package channeler

import (
	"github.com/go-errors/errors"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

var (
	// ErrFunderClosed is returned when the command stream from the
	// credit layer ends.
	ErrFunderClosed = errors.New("funder command stream closed")

	// ErrSendToFunder is returned when the credit layer stops draining
	// the event stream while a report is pending.
	ErrSendToFunder = errors.New("unable to send event to funder")

	// ErrListenerClosed is returned when the listen pool's connection
	// stream ends.
	ErrListenerClosed = errors.New("listener connection stream closed")

	// ErrListenerConfig is returned when the listen pool rejects a
	// configuration change.
	ErrListenerConfig = errors.New("listener configuration failed")

	// ErrConnectorClosed is returned when a friend's connect pool dies
	// while the friend still exists.
	ErrConnectorClosed = errors.New("connector closed")

	// ErrConnectorConfig is returned when a friend's connect pool
	// rejects a configuration change.
	ErrConnectorConfig = errors.New("connector configuration failed")

	// ErrChannelerStopped is returned when the channeler is stopped
	// explicitly.
	ErrChannelerStopped = errors.New("channeler stopped")
)

// Config packages the collaborators of a Channeler. All fields except
// FunderDone are required.
type Config struct {
	// LocalPK is our identity, compared against friend keys to assign
	// connection roles.
	LocalPK crypto.PublicKey

	// NewConnectPool builds the dialer actor of a new outgoing friend.
	NewConnectPool ConnectPoolFactory

	// ListenPool is the shared listener for incoming friends.
	ListenPool ListenPool

	// IncomingConns delivers authenticated connections accepted by the
	// listen pool. The channeler fails with ErrListenerClosed when it
	// closes.
	IncomingConns <-chan *IncomingConn

	// Commands carries instructions from the credit layer. The
	// channeler fails with ErrFunderClosed when it closes.
	Commands <-chan Command

	// Events carries reports to the credit layer.
	Events chan<- Event

	// FunderDone is closed when the credit layer's loop exits. A report
	// blocked on Events while it is closed fails the channeler with
	// ErrSendToFunder. It may be nil.
	FunderDone <-chan struct{}
}

// friendState is the connection state of one friend. Exactly one of the
// listening/connecting interpretations applies depending on isListen.
type friendState struct {
	// isListen is true when the friend connects to us (we have the
	// lower public key).
	isListen bool

	// pool is the connect pool of an outgoing friend; nil for a
	// listening friend.
	pool ConnectPool

	// conn and sender are set while a session is live.
	conn   MsgConn
	sender *overwriteSender
}

// internal events enqueued by helper goroutines.
type connectionEvent struct {
	friendPK crypto.PublicKey
	conn     MsgConn
}

type connectFailedEvent struct {
	friendPK crypto.PublicKey
	err      error
}

type incomingMessageEvent struct {
	friendPK crypto.PublicKey
	data     []byte
}

type receiverClosedEvent struct {
	friendPK crypto.PublicKey
}

// Channeler owns the per-friend connection lifecycle: role assignment by
// public key order, dialing and listening, per-friend send and receive
// tasks, and online/offline reporting to the credit layer. It runs as a
// single-owner event loop; the friend registry is touched by no other
// goroutine.
type Channeler struct {
	cfg *Config

	friends map[crypto.PublicKey]*friendState

	// events is the internal stream helper goroutines (receivers and
	// connect tasks) enqueue onto.
	events chan interface{}

	quit chan struct{}
}

// New creates a Channeler. Run starts it.
func New(cfg *Config) *Channeler {
	return &Channeler{
		cfg:     cfg,
		friends: make(map[crypto.PublicKey]*friendState),
		events:  make(chan interface{}),
		quit:    make(chan struct{}),
	}
}

// Run executes the event loop until a fatal error occurs or Stop is
// called. It always returns a non-nil error describing why it ended.
func (c *Channeler) Run() error {
	defer c.teardown()

	for {
		select {
		case cmd, ok := <-c.cfg.Commands:
			if !ok {
				return ErrFunderClosed
			}
			if err := c.handleCommand(cmd); err != nil {
				return err
			}

		case incoming, ok := <-c.cfg.IncomingConns:
			if !ok {
				return ErrListenerClosed
			}
			if err := c.handleConnection(incoming.FriendPK,
				incoming.Conn); err != nil {
				return err
			}

		case event := <-c.events:
			if err := c.handleInternalEvent(event); err != nil {
				return err
			}

		case <-c.quit:
			return ErrChannelerStopped
		}
	}
}

// Stop makes Run return. It may be called once.
func (c *Channeler) Stop() {
	close(c.quit)
}

// teardown releases every friend's resources.
func (c *Channeler) teardown() {
	for _, friend := range c.friends {
		c.dropSession(friend)
		if friend.pool != nil {
			friend.pool.Stop()
		}
	}
}

// dropSession closes a friend's live session, if any. The connection is
// closed before the sender is stopped so a send blocked on a stalled peer
// unparks.
func (c *Channeler) dropSession(friend *friendState) {
	if friend.conn == nil {
		return
	}
	friend.conn.Close()
	friend.sender.stop()
	friend.conn = nil
	friend.sender = nil
}

// enqueue pushes an internal event, giving up on shutdown.
func (c *Channeler) enqueue(event interface{}) {
	select {
	case c.events <- event:
	case <-c.quit:
	}
}

// emit reports an event to the credit layer. A report that cannot be
// delivered because the credit layer died is fatal.
func (c *Channeler) emit(event Event) error {
	select {
	case c.cfg.Events <- event:
		return nil
	case <-c.cfg.FunderDone:
		return ErrSendToFunder
	case <-c.quit:
		return nil
	}
}

func (c *Channeler) handleCommand(cmd Command) error {
	switch m := cmd.(type) {
	case *MessageCmd:
		return c.handleMessageCmd(m)
	case *SetAddressCmd:
		if err := c.cfg.ListenPool.SetLocalAddresses(m.Addresses); err != nil {
			log.Errorf("unable to configure listener: %v", err)
			return ErrListenerConfig
		}
		return nil
	case *UpdateFriendCmd:
		return c.handleUpdateFriend(m)
	case *RemoveFriendCmd:
		return c.handleRemoveFriend(m)
	default:
		log.Warnf("ignoring unknown command %T", cmd)
		return nil
	}
}

func (c *Channeler) handleMessageCmd(cmd *MessageCmd) error {
	friend, ok := c.friends[cmd.FriendPK]
	if !ok || friend.conn == nil {
		log.Warnf("attempt to send a message to unavailable "+
			"friend: %v", cmd.FriendPK)
		return nil
	}
	if !friend.sender.send(cmd.Data) {
		log.Debugf("sender for friend %v is disabled", cmd.FriendPK)
	}
	return nil
}

// isListenFriend reports whether we wait for a connection from the given
// friend. The rule is deterministic and symmetric across peers: the side
// with the lower public key listens, so both ends agree on their roles
// without communicating.
func (c *Channeler) isListenFriend(friendPK crypto.PublicKey) bool {
	return crypto.ComparePublicKey(c.cfg.LocalPK, friendPK) < 0
}

func (c *Channeler) handleUpdateFriend(cmd *UpdateFriendCmd) error {
	friend, ok := c.friends[cmd.FriendPK]
	if !ok {
		friend = &friendState{
			isListen: c.isListenFriend(cmd.FriendPK),
		}
		if !friend.isListen {
			friend.pool = c.cfg.NewConnectPool(cmd.FriendPK)
		}
		c.friends[cmd.FriendPK] = friend

		if !friend.isListen {
			if err := friend.pool.SetAddresses(cmd.FriendRelays); err != nil {
				log.Errorf("unable to configure connector "+
					"for %v: %v", cmd.FriendPK, err)
				return ErrConnectorConfig
			}
			c.spawnConnect(cmd.FriendPK, friend.pool)
		}
		log.Infof("friend %v created, listen=%v", cmd.FriendPK,
			friend.isListen)
	}

	if friend.isListen {
		// Flatten the per-generation local relay lists into the
		// listener's per-friend address set.
		var localAddrs []cswire.RelayAddress
		for _, addrs := range cmd.LocalRelays {
			localAddrs = append(localAddrs, addrs...)
		}
		err := c.cfg.ListenPool.UpdateFriend(cmd.FriendPK, localAddrs)
		if err != nil {
			log.Errorf("unable to configure listener for %v: %v",
				cmd.FriendPK, err)
			return ErrListenerConfig
		}
	} else {
		if err := friend.pool.SetAddresses(cmd.FriendRelays); err != nil {
			log.Errorf("unable to configure connector for %v: %v",
				cmd.FriendPK, err)
			return ErrConnectorConfig
		}
	}
	return nil
}

func (c *Channeler) handleRemoveFriend(cmd *RemoveFriendCmd) error {
	friend, ok := c.friends[cmd.FriendPK]
	if !ok {
		return nil
	}
	delete(c.friends, cmd.FriendPK)

	c.dropSession(friend)
	if friend.isListen {
		if err := c.cfg.ListenPool.RemoveFriend(cmd.FriendPK); err != nil {
			log.Errorf("unable to deconfigure listener for "+
				"%v: %v", cmd.FriendPK, err)
			return ErrListenerConfig
		}
	} else {
		friend.pool.Stop()
	}

	log.Infof("friend %v removed", cmd.FriendPK)
	return nil
}

// spawnConnect starts a dial attempt; the established connection (or the
// pool failure) comes back through the internal event stream.
func (c *Channeler) spawnConnect(friendPK crypto.PublicKey,
	pool ConnectPool) {

	go func() {
		conn, err := pool.Connect()
		if err != nil {
			c.enqueue(&connectFailedEvent{
				friendPK: friendPK,
				err:      err,
			})
			return
		}
		c.enqueue(&connectionEvent{friendPK: friendPK, conn: conn})
	}()
}

// handleConnection wires up a freshly established session. A second
// connection for an already connected friend is dropped rather than
// displacing the live session.
func (c *Channeler) handleConnection(friendPK crypto.PublicKey,
	conn MsgConn) error {

	friend, ok := c.friends[friendPK]
	if !ok {
		// The friend was removed while the connection was being
		// established.
		log.Debugf("dropping connection from removed friend %v",
			friendPK)
		conn.Close()
		return nil
	}
	if friend.conn != nil {
		log.Warnf("already connected to friend %v, dropping new "+
			"connection", friendPK)
		conn.Close()
		return nil
	}

	friend.conn = conn
	friend.sender = newOverwriteSender(conn)

	// The receiver task forwards inbound messages onto the internal
	// event stream in wire arrival order.
	go func() {
		for {
			data, err := conn.ReceiveMessage()
			if err != nil {
				c.enqueue(&receiverClosedEvent{
					friendPK: friendPK,
				})
				return
			}
			c.enqueue(&incomingMessageEvent{
				friendPK: friendPK,
				data:     data,
			})
		}
	}()

	log.Infof("friend %v online", friendPK)
	return c.emit(&OnlineEvent{FriendPK: friendPK})
}

func (c *Channeler) handleInternalEvent(event interface{}) error {
	switch e := event.(type) {
	case *connectionEvent:
		return c.handleConnection(e.friendPK, e.conn)

	case *connectFailedEvent:
		// A connect pool only fails while being torn down. If the
		// friend is gone the failure is expected; otherwise the
		// connector infrastructure is broken and the loop cannot
		// continue.
		if _, ok := c.friends[e.friendPK]; !ok {
			return nil
		}
		log.Errorf("connect pool for friend %v failed: %v",
			e.friendPK, e.err)
		return ErrConnectorClosed

	case *incomingMessageEvent:
		friend, ok := c.friends[e.friendPK]
		if !ok || friend.conn == nil {
			return nil
		}
		return c.emit(&MessageEvent{FriendPK: e.friendPK, Data: e.data})

	case *receiverClosedEvent:
		return c.handleReceiverClosed(e.friendPK)

	default:
		log.Warnf("ignoring unknown internal event %T", event)
		return nil
	}
}

// handleReceiverClosed demotes a disconnected friend back to its resting
// state and, for an outgoing friend, starts the next dial attempt.
// Receiver closes for unknown friends are idempotent no-ops.
func (c *Channeler) handleReceiverClosed(friendPK crypto.PublicKey) error {
	friend, ok := c.friends[friendPK]
	if !ok || friend.conn == nil {
		return nil
	}

	c.dropSession(friend)
	log.Infof("friend %v offline", friendPK)
	if err := c.emit(&OfflineEvent{FriendPK: friendPK}); err != nil {
		return err
	}

	if !friend.isListen {
		c.spawnConnect(friendPK, friend.pool)
	}
	return nil
}
