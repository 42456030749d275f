package report

import (
	"fmt"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
	"github.com/realcr/cswitch/tokenchannel"
)

var (
	// ErrFriendDoesNotExist is returned when a mutation names an unknown
	// friend.
	ErrFriendDoesNotExist = fmt.Errorf("friend does not exist")

	// ErrFriendAlreadyExists is returned when adding a friend that is
	// already reported.
	ErrFriendAlreadyExists = fmt.Errorf("friend already exists")
)

// Liveness is the ephemeral online state of a friend. It is derived from
// the channeler's connection reports and never persisted.
type Liveness uint8

const (
	LivenessOffline Liveness = iota
	LivenessOnline
)

// String returns a human readable name of the liveness state.
func (l Liveness) String() string {
	if l == LivenessOnline {
		return "Online"
	}
	return "Offline"
}

// Direction reports which side sent the last applied move token.
type Direction uint8

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// CurrencyReport is the observable balance state of one currency.
type CurrencyReport struct {
	Currency cswire.Currency
	Balance  mutualcredit.McBalance
}

// TcReport is the observable state of a consistent token channel.
type TcReport struct {
	Direction Direction
	Balances  []CurrencyReport

	NumLocalPendingRequests  uint64
	NumRemotePendingRequests uint64
}

// ResetTermsReport is the observable form of one side's reset proposal.
type ResetTermsReport struct {
	ResetToken       crypto.HashResult
	MoveTokenCounter uint64
	Balances         []cswire.CurrencyBalance
}

// ChannelInconsistentReport is the observable state of an inconsistent
// token channel: our published terms and, once received, the remote ones.
type ChannelInconsistentReport struct {
	LocalResetTerms  ResetTermsReport
	RemoteResetTerms *ResetTermsReport
}

// ChannelStatus is the observable status of a token channel. Exactly one
// of Consistent and Inconsistent is set.
type ChannelStatus struct {
	Consistent   *TcReport
	Inconsistent *ChannelInconsistentReport
}

// FriendReport is the observable state of one friend.
type FriendReport struct {
	Liveness      Liveness
	ChannelStatus ChannelStatus

	// OptLastIncomingMoveToken is the compact form of the last applied
	// incoming move token, if any.
	OptLastIncomingMoveToken *tokenchannel.MoveTokenHashed

	NumPendingRequests     uint64
	NumPendingResponses    uint64
	NumPendingUserRequests uint64
}

// FunderReport is the full observable state of the credit layer. Observers
// receive it once and keep it current by applying the mutation stream.
type FunderReport struct {
	LocalPublicKey crypto.PublicKey
	OptAddress     []cswire.RelayAddress
	Friends        map[crypto.PublicKey]*FriendReport
}

// NewFunderReport returns an empty report for the given local key.
func NewFunderReport(localPK crypto.PublicKey) *FunderReport {
	return &FunderReport{
		LocalPublicKey: localPK,
		Friends:        make(map[crypto.PublicKey]*FriendReport),
	}
}

// newResetTermsReport converts wire reset terms into their report form.
func newResetTermsReport(terms *cswire.ResetTerms) ResetTermsReport {
	balances := make([]cswire.CurrencyBalance, len(terms.Balances))
	copy(balances, terms.Balances)
	return ResetTermsReport{
		ResetToken:       terms.ResetToken,
		MoveTokenCounter: terms.MoveTokenCounter,
		Balances:         balances,
	}
}

// NewChannelStatus derives the observable channel status from a token
// channel.
func NewChannelStatus(tc *tokenchannel.TokenChannel) ChannelStatus {
	if tc.Status() == tokenchannel.StatusInconsistent {
		inconsistent := &ChannelInconsistentReport{
			LocalResetTerms: newResetTermsReport(
				tc.LocalResetTerms(),
			),
		}
		if remoteTerms := tc.RemoteResetTerms(); remoteTerms != nil {
			remote := newResetTermsReport(remoteTerms)
			inconsistent.RemoteResetTerms = &remote
		}
		return ChannelStatus{Inconsistent: inconsistent}
	}

	direction := DirectionIncoming
	if tc.Status() == tokenchannel.StatusConsistentOut {
		direction = DirectionOutgoing
	}
	tcReport := &TcReport{
		Direction:                direction,
		NumLocalPendingRequests:  uint64(tc.NumPendingLocal()),
		NumRemotePendingRequests: uint64(tc.NumPendingRemote()),
	}
	for _, currency := range tc.Currencies() {
		tcReport.Balances = append(tcReport.Balances, CurrencyReport{
			Currency: currency,
			Balance:  tc.MutualCredit(currency).Balance(),
		})
	}
	return ChannelStatus{Consistent: tcReport}
}

// NewFriendReport derives the observable state of a friend from its token
// channel and liveness.
func NewFriendReport(tc *tokenchannel.TokenChannel,
	liveness Liveness) *FriendReport {

	return &FriendReport{
		Liveness:                 liveness,
		ChannelStatus:            NewChannelStatus(tc),
		OptLastIncomingMoveToken: tc.LastIncoming(),
		NumPendingRequests:       uint64(tc.NumPendingLocal()),
		NumPendingResponses:      uint64(tc.NumPendingRemote()),
	}
}
