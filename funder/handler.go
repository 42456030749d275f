package funder

import (
	"github.com/realcr/cswitch/channeldb"
	"github.com/realcr/cswitch/channeler"
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/report"
	"github.com/realcr/cswitch/tokenchannel"
)

// handleChannelerEvent processes one upward event from the channeler.
func (f *Funder) handleChannelerEvent(event channeler.Event) error {
	switch e := event.(type) {
	case *channeler.OnlineEvent:
		return f.handleOnline(e.FriendPK)
	case *channeler.OfflineEvent:
		return f.handleOffline(e.FriendPK)
	case *channeler.MessageEvent:
		return f.handleFriendMessage(e.FriendPK, e.Data)
	default:
		log.Warnf("ignoring unknown channeler event %T", event)
		return nil
	}
}

// handleOnline marks the friend live and retransmits whatever message the
// remote side may have missed while we were apart: the unacked outgoing
// move token, or our reset terms if the channel is inconsistent.
func (f *Funder) handleOnline(friendPK crypto.PublicKey) error {
	friend, ok := f.friends[friendPK]
	if !ok {
		log.Warnf("online report for unknown friend %v", friendPK)
		return nil
	}
	friend.online = true
	f.emitMutation(report.LivenessMutation(friendPK,
		report.LivenessOnline))

	switch friend.tc.Status() {
	case tokenchannel.StatusConsistentOut:
		f.sendToFriend(friendPK, friend.tc.Outgoing())

	case tokenchannel.StatusInconsistent:
		f.sendToFriend(friendPK, &cswire.InconsistencyError{
			ResetTerms: *friend.tc.LocalResetTerms(),
		})
	}
	return nil
}

func (f *Funder) handleOffline(friendPK crypto.PublicKey) error {
	friend, ok := f.friends[friendPK]
	if !ok {
		return nil
	}
	friend.online = false
	f.emitMutation(report.LivenessMutation(friendPK,
		report.LivenessOffline))
	return nil
}

// handleFriendMessage parses and dispatches raw bytes received from a
// friend. Malformed messages are dropped; the transport already
// authenticated the peer, so garbage means a broken peer, not an
// attacker in the middle.
func (f *Funder) handleFriendMessage(friendPK crypto.PublicKey,
	data []byte) error {

	friend, ok := f.friends[friendPK]
	if !ok {
		log.Warnf("message from unknown friend %v", friendPK)
		return nil
	}

	msg, err := cswire.DeserializeMessage(data)
	if err != nil {
		log.Warnf("dropping malformed message from %v: %v",
			friendPK, err)
		return nil
	}

	switch m := msg.(type) {
	case *cswire.MoveToken:
		return f.handleInMoveToken(friend, friendPK, m)
	case *cswire.InconsistencyError:
		return f.handleInInconsistency(friend, friendPK, m)
	default:
		log.Warnf("dropping unexpected message type %v from %v",
			msg.MsgType(), friendPK)
		return nil
	}
}

func (f *Funder) handleInMoveToken(friend *friendState,
	friendPK crypto.PublicKey, m *cswire.MoveToken) error {

	out, err := friend.tc.HandleInMoveToken(m)
	if err != nil {
		return err
	}

	switch {
	case out.Duplicate:
		// Nothing to do; the peer will see our next message.

	case out.RetransmitOutgoing != nil:
		f.sendToFriend(friendPK, out.RetransmitOutgoing)

	case out.InconsistencyError != nil:
		f.persistChannel(friendPK, friend.tc)
		f.emitChannelMutations(friendPK, friend.tc)
		f.sendToFriend(friendPK, out.InconsistencyError)

	default:
		// The chain advanced: persist before anything else observes
		// the new state.
		f.persistChannel(friendPK, friend.tc)
		f.emitChannelMutations(friendPK, friend.tc)
		for i := range out.AppliedOps {
			applied := &out.AppliedOps[i]
			log.Debugf("friend %v: applied %T on %v", friendPK,
				applied.Op, applied.Currency)
		}
	}
	return nil
}

func (f *Funder) handleInInconsistency(friend *friendState,
	friendPK crypto.PublicKey, m *cswire.InconsistencyError) error {

	reply, err := friend.tc.HandleInconsistencyError(m)
	if err != nil {
		// A reset-terms commitment mismatch is operator business; it
		// must not kill the loop.
		log.Errorf("invalid reset terms from %v: %v", friendPK, err)
		return nil
	}

	f.persistChannel(friendPK, friend.tc)
	f.emitChannelMutations(friendPK, friend.tc)
	f.sendToFriend(friendPK, reply)
	return nil
}

// handleOp processes one operator or router instruction.
func (f *Funder) handleOp(op Op) {
	switch o := op.(type) {
	case *UpdateFriendOp:
		replyErr(o.Err, f.updateFriend(o))
	case *RemoveFriendOp:
		replyErr(o.Err, f.removeFriend(o))
	case *AddCurrencyOp:
		replyErr(o.Err, f.sendCurrencyDiff(o.FriendPK, o.Currency))
	case *RemoveCurrencyOp:
		replyErr(o.Err, f.sendCurrencyDiff(o.FriendPK, o.Currency))
	case *SetRemoteMaxDebtOp:
		replyErr(o.Err, f.sendOperations(o.FriendPK,
			[]cswire.CurrencyOperations{{
				Currency: o.Currency,
				Operations: []cswire.McOp{
					&cswire.SetRemoteMaxDebt{
						NewMaxDebt: o.MaxDebt,
					},
				},
			}}))
	case *QueueOperationsOp:
		replyErr(o.Err, f.sendOperations(o.FriendPK, o.Operations))
	case *AcceptRemoteResetOp:
		replyErr(o.Err, f.acceptRemoteReset(o.FriendPK))
	case *ProposeLocalResetOp:
		replyErr(o.Err, f.proposeLocalReset(o.FriendPK))
	default:
		log.Warnf("ignoring unknown funder op %T", op)
	}
}

func (f *Funder) updateFriend(op *UpdateFriendOp) error {
	cfg := &channeldb.FriendConfig{
		FriendPK:     op.FriendPK,
		FriendRelays: op.FriendRelays,
		LocalRelays:  op.LocalRelays,
	}

	friend, ok := f.friends[op.FriendPK]
	if !ok {
		tc, err := tokenchannel.New(f.localPK, op.FriendPK)
		if err != nil {
			return err
		}
		if err := f.cfg.DB.AddFriend(cfg, tc.Snapshot()); err != nil {
			return err
		}
		friend = &friendState{cfg: cfg, tc: tc}
		f.friends[op.FriendPK] = friend
		f.emitMutation(&report.AddFriend{
			FriendPK: op.FriendPK,
			Report: report.NewFriendReport(tc,
				report.LivenessOffline),
		})
		log.Infof("friend %v added", op.FriendPK)
	} else {
		friend.cfg = cfg
		if err := f.cfg.DB.UpdateFriendConfig(cfg); err != nil {
			return err
		}
	}

	f.sendChannelerCommand(&channeler.UpdateFriendCmd{
		FriendPK:     op.FriendPK,
		FriendRelays: op.FriendRelays,
		LocalRelays:  op.LocalRelays,
	})
	return nil
}

func (f *Funder) removeFriend(op *RemoveFriendOp) error {
	if _, ok := f.friends[op.FriendPK]; !ok {
		return ErrFriendNotFound
	}
	if err := f.cfg.DB.RemoveFriend(op.FriendPK); err != nil {
		return err
	}
	delete(f.friends, op.FriendPK)

	f.sendChannelerCommand(&channeler.RemoveFriendCmd{
		FriendPK: op.FriendPK,
	})
	f.emitMutation(&report.RemoveFriend{FriendPK: op.FriendPK})
	log.Infof("friend %v removed", op.FriendPK)
	return nil
}

// composeOut builds, persists and delivers the next outgoing move token.
func (f *Funder) composeOut(friendPK crypto.PublicKey,
	currenciesOps []cswire.CurrencyOperations,
	currenciesDiff []cswire.Currency) error {

	friend, ok := f.friends[friendPK]
	if !ok {
		return ErrFriendNotFound
	}

	moveToken, err := friend.tc.HandleOutMoveToken(f.cfg.Identity,
		currenciesOps, currenciesDiff)
	switch err {
	case nil:
	case tokenchannel.ErrNotConsistentIn:
		// The remote side holds the next turn; the caller retries
		// after the channel advances.
		return ErrChannelBusy
	default:
		return err
	}

	f.persistChannel(friendPK, friend.tc)
	f.emitChannelMutations(friendPK, friend.tc)
	if friend.online {
		f.sendToFriend(friendPK, moveToken)
	}
	return nil
}

func (f *Funder) sendCurrencyDiff(friendPK crypto.PublicKey,
	currency cswire.Currency) error {

	return f.composeOut(friendPK, nil, []cswire.Currency{currency})
}

func (f *Funder) sendOperations(friendPK crypto.PublicKey,
	currenciesOps []cswire.CurrencyOperations) error {

	return f.composeOut(friendPK, currenciesOps, nil)
}

func (f *Funder) acceptRemoteReset(friendPK crypto.PublicKey) error {
	friend, ok := f.friends[friendPK]
	if !ok {
		return ErrFriendNotFound
	}
	if err := friend.tc.AcceptRemoteReset(); err != nil {
		return err
	}

	f.persistChannel(friendPK, friend.tc)
	f.emitChannelMutations(friendPK, friend.tc)
	return nil
}

func (f *Funder) proposeLocalReset(friendPK crypto.PublicKey) error {
	friend, ok := f.friends[friendPK]
	if !ok {
		return ErrFriendNotFound
	}
	moveToken, err := friend.tc.ProposeLocalReset(f.cfg.Identity)
	if err != nil {
		return err
	}

	f.persistChannel(friendPK, friend.tc)
	f.emitChannelMutations(friendPK, friend.tc)
	if friend.online {
		f.sendToFriend(friendPK, moveToken)
	}
	return nil
}
