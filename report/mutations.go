package report

import (
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/tokenchannel"
)

// FunderReportMutation is a single change to a FunderReport. Observers
// apply the mutation stream in order to keep their copy of the report
// current.
type FunderReportMutation interface {
	funderReportMutation()
}

// SetAddress replaces the reported local relay addresses.
type SetAddress struct {
	OptAddress []cswire.RelayAddress
}

// AddFriend introduces a new friend with its initial report.
type AddFriend struct {
	FriendPK crypto.PublicKey
	Report   *FriendReport
}

// RemoveFriend drops a friend from the report.
type RemoveFriend struct {
	FriendPK crypto.PublicKey
}

// FriendMutation applies a nested mutation to one friend's report.
type FriendMutation struct {
	FriendPK crypto.PublicKey
	Mutation FriendReportMutation
}

func (*SetAddress) funderReportMutation()     {}
func (*AddFriend) funderReportMutation()      {}
func (*RemoveFriend) funderReportMutation()   {}
func (*FriendMutation) funderReportMutation() {}

// FriendReportMutation is a single change to one friend's report.
type FriendReportMutation interface {
	friendReportMutation()
}

// SetLiveness records an ephemeral online/offline transition.
type SetLiveness struct {
	Liveness Liveness
}

// SetChannelStatus replaces the reported token channel status.
type SetChannelStatus struct {
	ChannelStatus ChannelStatus
}

// SetOptLastIncomingMoveToken replaces the reported chain head.
type SetOptLastIncomingMoveToken struct {
	OptLastIncomingMoveToken *tokenchannel.MoveTokenHashed
}

// SetNumPendingRequests updates the count of locally originated in-flight
// requests.
type SetNumPendingRequests struct {
	NumPendingRequests uint64
}

// SetNumPendingResponses updates the count of remotely originated
// in-flight requests awaiting our response.
type SetNumPendingResponses struct {
	NumPendingResponses uint64
}

// SetNumPendingUserRequests updates the count of user requests queued
// behind the channel.
type SetNumPendingUserRequests struct {
	NumPendingUserRequests uint64
}

func (*SetLiveness) friendReportMutation()                 {}
func (*SetChannelStatus) friendReportMutation()            {}
func (*SetOptLastIncomingMoveToken) friendReportMutation() {}
func (*SetNumPendingRequests) friendReportMutation()       {}
func (*SetNumPendingResponses) friendReportMutation()      {}
func (*SetNumPendingUserRequests) friendReportMutation()   {}

// Mutate applies a single mutation to the report. Adding an existing
// friend and touching an absent one are rejected without modifying the
// report.
func (r *FunderReport) Mutate(mutation FunderReportMutation) error {
	switch m := mutation.(type) {
	case *SetAddress:
		r.OptAddress = m.OptAddress
		return nil

	case *AddFriend:
		if _, ok := r.Friends[m.FriendPK]; ok {
			return ErrFriendAlreadyExists
		}
		r.Friends[m.FriendPK] = m.Report
		return nil

	case *RemoveFriend:
		if _, ok := r.Friends[m.FriendPK]; !ok {
			return ErrFriendDoesNotExist
		}
		delete(r.Friends, m.FriendPK)
		return nil

	case *FriendMutation:
		friend, ok := r.Friends[m.FriendPK]
		if !ok {
			return ErrFriendDoesNotExist
		}
		friend.mutate(m.Mutation)
		return nil

	default:
		return nil
	}
}

func (f *FriendReport) mutate(mutation FriendReportMutation) {
	switch m := mutation.(type) {
	case *SetLiveness:
		f.Liveness = m.Liveness
	case *SetChannelStatus:
		f.ChannelStatus = m.ChannelStatus
	case *SetOptLastIncomingMoveToken:
		f.OptLastIncomingMoveToken = m.OptLastIncomingMoveToken
	case *SetNumPendingRequests:
		f.NumPendingRequests = m.NumPendingRequests
	case *SetNumPendingResponses:
		f.NumPendingResponses = m.NumPendingResponses
	case *SetNumPendingUserRequests:
		f.NumPendingUserRequests = m.NumPendingUserRequests
	}
}

// ChannelMutations derives the report mutations that follow from an
// applied ledger change: the channel status and the chain head.
func ChannelMutations(friendPK crypto.PublicKey,
	tc *tokenchannel.TokenChannel) []FunderReportMutation {

	return []FunderReportMutation{
		&FriendMutation{
			FriendPK: friendPK,
			Mutation: &SetChannelStatus{
				ChannelStatus: NewChannelStatus(tc),
			},
		},
		&FriendMutation{
			FriendPK: friendPK,
			Mutation: &SetOptLastIncomingMoveToken{
				OptLastIncomingMoveToken: tc.LastIncoming(),
			},
		},
		&FriendMutation{
			FriendPK: friendPK,
			Mutation: &SetNumPendingRequests{
				NumPendingRequests: uint64(tc.NumPendingLocal()),
			},
		},
		&FriendMutation{
			FriendPK: friendPK,
			Mutation: &SetNumPendingResponses{
				NumPendingResponses: uint64(tc.NumPendingRemote()),
			},
		},
	}
}

// LivenessMutation derives the report mutation for an ephemeral liveness
// transition.
func LivenessMutation(friendPK crypto.PublicKey,
	liveness Liveness) FunderReportMutation {

	return &FriendMutation{
		FriendPK: friendPK,
		Mutation: &SetLiveness{Liveness: liveness},
	}
}
