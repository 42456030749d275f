package report

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/tokenchannel"
)

func newTestChannel(t *testing.T) (*tokenchannel.TokenChannel, crypto.PublicKey) {
	t.Helper()

	localID, err := crypto.NewIdentity()
	require.NoError(t, err)
	remoteID, err := crypto.NewIdentity()
	require.NoError(t, err)

	tc, err := tokenchannel.New(localID.PublicKey(), remoteID.PublicKey())
	require.NoError(t, err)
	return tc, remoteID.PublicKey()
}

func TestAddRemoveFriend(t *testing.T) {
	t.Parallel()

	tc, friendPK := newTestChannel(t)
	r := NewFunderReport(crypto.PublicKey{0x01})

	add := &AddFriend{
		FriendPK: friendPK,
		Report:   NewFriendReport(tc, LivenessOffline),
	}
	require.NoError(t, r.Mutate(add))

	// Adding the same friend twice is rejected.
	require.ErrorIs(t, r.Mutate(add), ErrFriendAlreadyExists)

	require.NoError(t, r.Mutate(&RemoveFriend{FriendPK: friendPK}))

	// Removing an absent friend is rejected.
	require.ErrorIs(t, r.Mutate(&RemoveFriend{FriendPK: friendPK}),
		ErrFriendDoesNotExist)
}

func TestFriendMutationRequiresFriend(t *testing.T) {
	t.Parallel()

	_, friendPK := newTestChannel(t)
	r := NewFunderReport(crypto.PublicKey{0x01})

	mutation := LivenessMutation(friendPK, LivenessOnline)
	require.ErrorIs(t, r.Mutate(mutation), ErrFriendDoesNotExist)
}

func TestLivenessMutation(t *testing.T) {
	t.Parallel()

	tc, friendPK := newTestChannel(t)
	r := NewFunderReport(crypto.PublicKey{0x01})
	require.NoError(t, r.Mutate(&AddFriend{
		FriendPK: friendPK,
		Report:   NewFriendReport(tc, LivenessOffline),
	}))

	require.NoError(t, r.Mutate(LivenessMutation(friendPK,
		LivenessOnline)))
	require.Equal(t, LivenessOnline, r.Friends[friendPK].Liveness)

	require.NoError(t, r.Mutate(LivenessMutation(friendPK,
		LivenessOffline)))
	require.Equal(t, LivenessOffline, r.Friends[friendPK].Liveness)
}

func TestChannelMutationsTrackStatus(t *testing.T) {
	t.Parallel()

	tc, friendPK := newTestChannel(t)
	r := NewFunderReport(crypto.PublicKey{0x01})
	require.NoError(t, r.Mutate(&AddFriend{
		FriendPK: friendPK,
		Report:   NewFriendReport(tc, LivenessOffline),
	}))

	for _, mutation := range ChannelMutations(friendPK, tc) {
		require.NoError(t, r.Mutate(mutation))
	}

	friend := r.Friends[friendPK]
	require.NotNil(t, friend.ChannelStatus.Consistent)
	require.Nil(t, friend.ChannelStatus.Inconsistent)
}

func TestSetAddress(t *testing.T) {
	t.Parallel()

	r := NewFunderReport(crypto.PublicKey{0x01})
	addrs := []cswire.RelayAddress{"relay1:9000", "relay2:9000"}
	require.NoError(t, r.Mutate(&SetAddress{OptAddress: addrs}))
	require.Len(t, r.OptAddress, 2)
}
