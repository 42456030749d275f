package channeler

import (
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// MsgConn is a fully established framed message stream to a friend:
// handshake complete, keepalive running. A keepalive connection satisfies
// it.
type MsgConn interface {
	SendMessage([]byte) error
	ReceiveMessage() ([]byte, error)
	Close() error
}

// Command is a downward instruction from the credit layer.
type Command interface {
	channelerCommand()
}

// MessageCmd asks for best-effort delivery of raw bytes to a friend.
// Superseded messages may be dropped: the credit layer only ever needs its
// latest message delivered.
type MessageCmd struct {
	FriendPK crypto.PublicKey
	Data     []byte
}

// SetAddressCmd reconfigures the local relay addresses the listener
// serves. A nil slice clears them.
type SetAddressCmd struct {
	Addresses []cswire.RelayAddress
}

// UpdateFriendCmd creates a friend or updates its relay configuration.
type UpdateFriendCmd struct {
	FriendPK crypto.PublicKey

	// FriendRelays is where the friend can be dialed, in preference
	// order.
	FriendRelays []cswire.RelayAddress

	// LocalRelays is where the friend expects to find us, one list per
	// local relay configuration generation. The channeler flattens it.
	LocalRelays [][]cswire.RelayAddress
}

// RemoveFriendCmd destroys a friend relationship.
type RemoveFriendCmd struct {
	FriendPK crypto.PublicKey
}

func (*MessageCmd) channelerCommand()      {}
func (*SetAddressCmd) channelerCommand()   {}
func (*UpdateFriendCmd) channelerCommand() {}
func (*RemoveFriendCmd) channelerCommand() {}

// Event is an upward report to the credit layer.
type Event interface {
	channelerEvent()
}

// OnlineEvent reports that a friend has a live session.
type OnlineEvent struct {
	FriendPK crypto.PublicKey
}

// OfflineEvent reports that a friend's session dropped.
type OfflineEvent struct {
	FriendPK crypto.PublicKey
}

// MessageEvent delivers raw bytes received from a friend, in wire arrival
// order.
type MessageEvent struct {
	FriendPK crypto.PublicKey
	Data     []byte
}

func (*OnlineEvent) channelerEvent()  {}
func (*OfflineEvent) channelerEvent() {}
func (*MessageEvent) channelerEvent() {}

// IncomingConn is an established connection handed to the channeler by the
// listen pool.
type IncomingConn struct {
	FriendPK crypto.PublicKey
	Conn     MsgConn
}

// ConnectPool is the per-friend connector the channeler drives for friends
// it must dial. Connect blocks until a fully established connection is
// live or the pool is stopped. A configuration error means the pool is
// broken and is fatal for the channeler.
type ConnectPool interface {
	SetAddresses([]cswire.RelayAddress) error
	Connect() (MsgConn, error)
	Stop()
}

// ConnectPoolFactory builds the connect pool of a new outgoing friend.
type ConnectPoolFactory func(friendPK crypto.PublicKey) ConnectPool

// ListenPool is the channeler's handle on the relay listener and its
// access control. A configuration error means the listener is broken and
// is fatal for the channeler.
type ListenPool interface {
	SetLocalAddresses([]cswire.RelayAddress) error
	UpdateFriend(friendPK crypto.PublicKey,
		addrs []cswire.RelayAddress) error
	RemoveFriend(friendPK crypto.PublicKey) error
}
