package channeldb

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/tokenchannel"
)

var (
	// friendConfigKey holds the friend's relay configuration within its
	// sub-bucket.
	friendConfigKey = []byte("config")

	// channelStateKey holds the friend's serialized token channel state
	// within its sub-bucket.
	channelStateKey = []byte("channel-state")
)

// FriendConfig is the durable configuration of one friend relationship.
type FriendConfig struct {
	FriendPK     crypto.PublicKey
	FriendRelays []cswire.RelayAddress
	LocalRelays  [][]cswire.RelayAddress
}

// StoredFriend pairs a friend's configuration with its persisted token
// channel state.
type StoredFriend struct {
	Config       *FriendConfig
	ChannelState *tokenchannel.Snapshot
}

// AddFriend durably creates a friend together with the initial state of
// its token channel. The two writes share one transaction: a friend
// without channel state never exists on disk.
func (d *DB) AddFriend(cfg *FriendConfig,
	snap *tokenchannel.Snapshot) error {

	return d.Update(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendsBucket)
		if friends == nil {
			return ErrNoDBExists
		}
		if friends.Bucket(cfg.FriendPK[:]) != nil {
			return ErrFriendAlreadyExists
		}
		friend, err := friends.CreateBucket(cfg.FriendPK[:])
		if err != nil {
			return err
		}
		if err := putFriendConfig(friend, cfg); err != nil {
			return err
		}
		return putChannelState(friend, snap)
	})
}

// UpdateFriendConfig overwrites a friend's relay configuration.
func (d *DB) UpdateFriendConfig(cfg *FriendConfig) error {
	return d.Update(func(tx *bolt.Tx) error {
		friend, err := fetchFriendBucket(tx, cfg.FriendPK)
		if err != nil {
			return err
		}
		return putFriendConfig(friend, cfg)
	})
}

// PutChannelState overwrites a friend's persisted token channel state.
// Called after every applied MoveToken, inside a single transaction, so
// the durable state is atomic with respect to readers.
func (d *DB) PutChannelState(friendPK crypto.PublicKey,
	snap *tokenchannel.Snapshot) error {

	return d.Update(func(tx *bolt.Tx) error {
		friend, err := fetchFriendBucket(tx, friendPK)
		if err != nil {
			return err
		}
		return putChannelState(friend, snap)
	})
}

// FetchChannelState loads a friend's persisted token channel state.
func (d *DB) FetchChannelState(
	friendPK crypto.PublicKey) (*tokenchannel.Snapshot, error) {

	var snap *tokenchannel.Snapshot
	err := d.View(func(tx *bolt.Tx) error {
		friend, err := fetchFriendBucket(tx, friendPK)
		if err != nil {
			return err
		}
		raw := friend.Get(channelStateKey)
		if raw == nil {
			return ErrNoChannelState
		}
		snap, err = deserializeChannelState(bytes.NewReader(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RemoveFriend durably deletes a friend and all its state.
func (d *DB) RemoveFriend(friendPK crypto.PublicKey) error {
	return d.Update(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendsBucket)
		if friends == nil {
			return ErrNoDBExists
		}
		if friends.Bucket(friendPK[:]) == nil {
			return ErrFriendNotFound
		}
		return friends.DeleteBucket(friendPK[:])
	})
}

// FetchAllFriends loads every stored friend. Used at startup to rebuild
// the in-memory state.
func (d *DB) FetchAllFriends() ([]*StoredFriend, error) {
	var stored []*StoredFriend
	err := d.View(func(tx *bolt.Tx) error {
		friends := tx.Bucket(friendsBucket)
		if friends == nil {
			return ErrNoDBExists
		}
		return friends.ForEach(func(k, v []byte) error {
			if v != nil {
				// Not a sub-bucket; skip.
				return nil
			}
			friend := friends.Bucket(k)

			rawCfg := friend.Get(friendConfigKey)
			if rawCfg == nil {
				return ErrFriendNotFound
			}
			cfg, err := deserializeFriendConfig(
				bytes.NewReader(rawCfg),
			)
			if err != nil {
				return err
			}

			rawState := friend.Get(channelStateKey)
			if rawState == nil {
				return ErrNoChannelState
			}
			snap, err := deserializeChannelState(
				bytes.NewReader(rawState),
			)
			if err != nil {
				return err
			}

			stored = append(stored, &StoredFriend{
				Config:       cfg,
				ChannelState: snap,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func fetchFriendBucket(tx *bolt.Tx,
	friendPK crypto.PublicKey) (*bolt.Bucket, error) {

	friends := tx.Bucket(friendsBucket)
	if friends == nil {
		return nil, ErrNoDBExists
	}
	friend := friends.Bucket(friendPK[:])
	if friend == nil {
		return nil, ErrFriendNotFound
	}
	return friend, nil
}

func putFriendConfig(friend *bolt.Bucket, cfg *FriendConfig) error {
	var buf bytes.Buffer
	if err := serializeFriendConfig(&buf, cfg); err != nil {
		return err
	}
	return friend.Put(friendConfigKey, buf.Bytes())
}

func putChannelState(friend *bolt.Bucket,
	snap *tokenchannel.Snapshot) error {

	var buf bytes.Buffer
	if err := serializeChannelState(&buf, snap); err != nil {
		return err
	}
	return friend.Put(channelStateKey, buf.Bytes())
}
