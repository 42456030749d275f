package funder

import (
	"math/big"

	"github.com/go-errors/errors"

	"github.com/realcr/cswitch/channeldb"
	"github.com/realcr/cswitch/channeler"
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/report"
	"github.com/realcr/cswitch/tokenchannel"
)

var (
	// ErrChannelerClosed is returned when the channeler's event stream
	// ends.
	ErrChannelerClosed = errors.New("channeler event stream closed")

	// ErrFunderStopped is returned when the funder is stopped
	// explicitly.
	ErrFunderStopped = errors.New("funder stopped")

	// ErrFriendNotFound is returned for operations on unknown friends.
	ErrFriendNotFound = errors.New("friend not found")

	// ErrChannelBusy is returned when an operation needs the token but
	// the channel is waiting for the remote side to act.
	ErrChannelBusy = errors.New("channel is awaiting the remote side")
)

// Op is an operator or router instruction to the funder. Every op carries
// an optional Err channel (capacity >= 1) the result is reported on.
type Op interface {
	funderOp()
}

// UpdateFriendOp creates a friend or updates its relay configuration.
type UpdateFriendOp struct {
	FriendPK     crypto.PublicKey
	FriendRelays []cswire.RelayAddress
	LocalRelays  [][]cswire.RelayAddress
	Err          chan<- error
}

// RemoveFriendOp destroys a friend relationship.
type RemoveFriendOp struct {
	FriendPK crypto.PublicKey
	Err      chan<- error
}

// AddCurrencyOp activates a currency on a friend's token channel.
type AddCurrencyOp struct {
	FriendPK crypto.PublicKey
	Currency cswire.Currency
	Err      chan<- error
}

// RemoveCurrencyOp deactivates an idle currency.
type RemoveCurrencyOp struct {
	FriendPK crypto.PublicKey
	Currency cswire.Currency
	Err      chan<- error
}

// SetRemoteMaxDebtOp configures how much a friend may owe us in one
// currency.
type SetRemoteMaxDebtOp struct {
	FriendPK crypto.PublicKey
	Currency cswire.Currency
	MaxDebt  *big.Int
	Err      chan<- error
}

// QueueOperationsOp sends a batch of credit operations built by an
// external router through a friend's token channel.
type QueueOperationsOp struct {
	FriendPK   crypto.PublicKey
	Operations []cswire.CurrencyOperations
	Err        chan<- error
}

// AcceptRemoteResetOp resolves an inconsistent channel on the remote
// side's published terms.
type AcceptRemoteResetOp struct {
	FriendPK crypto.PublicKey
	Err      chan<- error
}

// ProposeLocalResetOp resolves an inconsistent channel on our published
// terms.
type ProposeLocalResetOp struct {
	FriendPK crypto.PublicKey
	Err      chan<- error
}

func (*UpdateFriendOp) funderOp()      {}
func (*RemoveFriendOp) funderOp()      {}
func (*AddCurrencyOp) funderOp()       {}
func (*RemoveCurrencyOp) funderOp()    {}
func (*SetRemoteMaxDebtOp) funderOp()  {}
func (*QueueOperationsOp) funderOp()   {}
func (*AcceptRemoteResetOp) funderOp() {}
func (*ProposeLocalResetOp) funderOp() {}

// Config packages the collaborators of a Funder. ReportMutations may be
// nil if nobody observes the node.
type Config struct {
	Identity *crypto.Identity
	DB       *channeldb.DB

	// ChannelerEvents delivers liveness and raw messages from the
	// channeler.
	ChannelerEvents <-chan channeler.Event

	// ChannelerCommands carries instructions down to the channeler.
	ChannelerCommands chan<- channeler.Command

	// Ops carries operator and router instructions.
	Ops <-chan Op

	// ReportMutations receives the observer-facing mutation stream.
	ReportMutations chan<- report.FunderReportMutation

	// LocalAddresses are the relay addresses this node serves. They are
	// pushed down to the channeler's listener on startup.
	LocalAddresses []cswire.RelayAddress
}

// friendState is the funder's view of one friend.
type friendState struct {
	cfg    *channeldb.FriendConfig
	tc     *tokenchannel.TokenChannel
	online bool
}

// Funder is the credit layer: it exclusively owns every friend's token
// channel, persists each applied MoveToken and drives the channeler.
type Funder struct {
	cfg     *Config
	localPK crypto.PublicKey

	friends map[crypto.PublicKey]*friendState

	quit chan struct{}
}

// New creates a Funder and restores its friends from the database.
func New(cfg *Config) (*Funder, error) {
	f := &Funder{
		cfg:     cfg,
		localPK: cfg.Identity.PublicKey(),
		friends: make(map[crypto.PublicKey]*friendState),
		quit:    make(chan struct{}),
	}

	stored, err := cfg.DB.FetchAllFriends()
	if err != nil {
		return nil, err
	}
	for _, sf := range stored {
		tc, err := tokenchannel.NewFromSnapshot(f.localPK,
			sf.Config.FriendPK, sf.ChannelState)
		if err != nil {
			return nil, err
		}
		f.friends[sf.Config.FriendPK] = &friendState{
			cfg: sf.Config,
			tc:  tc,
		}
	}
	return f, nil
}

// Run executes the funder loop until a fatal error occurs or Stop is
// called. Restored friends are announced to the channeler and the report
// stream first.
func (f *Funder) Run() error {
	if len(f.cfg.LocalAddresses) > 0 {
		f.sendChannelerCommand(&channeler.SetAddressCmd{
			Addresses: f.cfg.LocalAddresses,
		})
		f.emitMutation(&report.SetAddress{
			OptAddress: f.cfg.LocalAddresses,
		})
	}

	for friendPK, friend := range f.friends {
		f.sendChannelerCommand(&channeler.UpdateFriendCmd{
			FriendPK:     friendPK,
			FriendRelays: friend.cfg.FriendRelays,
			LocalRelays:  friend.cfg.LocalRelays,
		})
		f.emitMutation(&report.AddFriend{
			FriendPK: friendPK,
			Report: report.NewFriendReport(friend.tc,
				report.LivenessOffline),
		})
	}

	for {
		select {
		case event, ok := <-f.cfg.ChannelerEvents:
			if !ok {
				return ErrChannelerClosed
			}
			if err := f.handleChannelerEvent(event); err != nil {
				return err
			}

		case op, ok := <-f.cfg.Ops:
			if !ok {
				return ErrFunderStopped
			}
			f.handleOp(op)

		case <-f.quit:
			return ErrFunderStopped
		}
	}
}

// Stop makes Run return. It may be called once.
func (f *Funder) Stop() {
	close(f.quit)
}

// LocalPublicKey returns the node identity the funder signs with.
func (f *Funder) LocalPublicKey() crypto.PublicKey {
	return f.localPK
}

func (f *Funder) sendChannelerCommand(cmd channeler.Command) {
	select {
	case f.cfg.ChannelerCommands <- cmd:
	case <-f.quit:
	}
}

func (f *Funder) emitMutation(mutation report.FunderReportMutation) {
	if f.cfg.ReportMutations == nil {
		return
	}
	select {
	case f.cfg.ReportMutations <- mutation:
	case <-f.quit:
	}
}

func (f *Funder) emitChannelMutations(friendPK crypto.PublicKey,
	tc *tokenchannel.TokenChannel) {

	for _, mutation := range report.ChannelMutations(friendPK, tc) {
		f.emitMutation(mutation)
	}
}

// persistChannel writes a friend's channel state after an applied
// MoveToken. Persistence failures are fatal for the friend's consistency,
// so they are only logged at critical level here; a production deployment
// treats a failing database as a node-level failure.
func (f *Funder) persistChannel(friendPK crypto.PublicKey,
	tc *tokenchannel.TokenChannel) {

	err := f.cfg.DB.PutChannelState(friendPK, tc.Snapshot())
	if err != nil {
		log.Criticalf("unable to persist channel state for %v: %v",
			friendPK, err)
	}
}

// sendToFriend serializes a friend-level message and hands it to the
// channeler for best-effort delivery.
func (f *Funder) sendToFriend(friendPK crypto.PublicKey,
	msg cswire.Message) {

	data, err := cswire.SerializeMessage(msg)
	if err != nil {
		log.Errorf("unable to serialize message for %v: %v",
			friendPK, err)
		return
	}
	f.sendChannelerCommand(&channeler.MessageCmd{
		FriendPK: friendPK,
		Data:     data,
	})
}

func replyErr(errChan chan<- error, err error) {
	if errChan != nil {
		errChan <- err
	}
}
