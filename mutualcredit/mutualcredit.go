package mutualcredit

import (
	"math/big"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// MutualCredit is the per-currency ledger of a token channel: a balance
// state plus the two sets of in-flight payment requests. All methods are
// single-writer; the token channel serializes access while applying a
// MoveToken batch.
type MutualCredit struct {
	currency cswire.Currency
	balance  McBalance

	// localPending tracks requests we originated, remotePending tracks
	// requests the remote side originated.
	localPending  map[crypto.Uid]*PendingTransaction
	remotePending map[crypto.Uid]*PendingTransaction
}

// New returns an empty mutual credit ledger for the given currency.
func New(currency cswire.Currency, balance *big.Int) *MutualCredit {
	return &MutualCredit{
		currency:      currency,
		balance:       NewMcBalance(balance),
		localPending:  make(map[crypto.Uid]*PendingTransaction),
		remotePending: make(map[crypto.Uid]*PendingTransaction),
	}
}

// Currency returns the currency this ledger accounts in.
func (mc *MutualCredit) Currency() cswire.Currency {
	return mc.currency
}

// Balance returns a copy of the current balance state.
func (mc *MutualCredit) Balance() McBalance {
	return mc.balance.Copy()
}

// SetBalance overwrites the signed balance. Used when restoring persisted
// state and when resetting a channel.
func (mc *MutualCredit) SetBalance(balance *big.Int) {
	mc.balance.Balance = new(big.Int).Set(balance)
}

// SetLocalPendingDebt overwrites the local pending debt.
func (mc *MutualCredit) SetLocalPendingDebt(debt *big.Int) {
	mc.balance.LocalPendingDebt = new(big.Int).Set(debt)
}

// SetRemotePendingDebt overwrites the remote pending debt.
func (mc *MutualCredit) SetRemotePendingDebt(debt *big.Int) {
	mc.balance.RemotePendingDebt = new(big.Int).Set(debt)
}

// SetInFees overwrites the incoming fee counter. The counter is monotone.
func (mc *MutualCredit) SetInFees(fees *big.Int) error {
	if fees.Cmp(mc.balance.InFees) < 0 {
		return ErrFeesDecreased
	}
	mc.balance.InFees = new(big.Int).Set(fees)
	return nil
}

// SetOutFees overwrites the outgoing fee counter. The counter is monotone.
func (mc *MutualCredit) SetOutFees(fees *big.Int) error {
	if fees.Cmp(mc.balance.OutFees) < 0 {
		return ErrFeesDecreased
	}
	mc.balance.OutFees = new(big.Int).Set(fees)
	return nil
}

// SetLocalMaxDebt configures how much we are willing to owe the remote
// side.
func (mc *MutualCredit) SetLocalMaxDebt(maxDebt *big.Int) error {
	old := mc.balance.LocalMaxDebt
	mc.balance.LocalMaxDebt = new(big.Int).Set(maxDebt)
	if err := mc.balance.checkInvariants(); err != nil {
		mc.balance.LocalMaxDebt = old
		return err
	}
	return nil
}

// SetRemoteMaxDebt configures how much the remote side may owe us.
func (mc *MutualCredit) SetRemoteMaxDebt(maxDebt *big.Int) error {
	old := mc.balance.RemoteMaxDebt
	mc.balance.RemoteMaxDebt = new(big.Int).Set(maxDebt)
	if err := mc.balance.checkInvariants(); err != nil {
		mc.balance.RemoteMaxDebt = old
		return err
	}
	return nil
}

// GetLocalPendingTransaction looks up a locally originated pending
// transaction.
func (mc *MutualCredit) GetLocalPendingTransaction(
	requestID crypto.Uid) (*PendingTransaction, bool) {

	pt, ok := mc.localPending[requestID]
	return pt, ok
}

// GetRemotePendingTransaction looks up a remotely originated pending
// transaction.
func (mc *MutualCredit) GetRemotePendingTransaction(
	requestID crypto.Uid) (*PendingTransaction, bool) {

	pt, ok := mc.remotePending[requestID]
	return pt, ok
}

// InsertLocalPendingTransaction records a locally originated pending
// transaction. Used when restoring persisted state.
func (mc *MutualCredit) InsertLocalPendingTransaction(
	pt *PendingTransaction) error {

	if _, ok := mc.localPending[pt.RequestID]; ok {
		return ErrPendingTransactionExists
	}
	mc.localPending[pt.RequestID] = pt
	return nil
}

// InsertRemotePendingTransaction records a remotely originated pending
// transaction. Used when restoring persisted state.
func (mc *MutualCredit) InsertRemotePendingTransaction(
	pt *PendingTransaction) error {

	if _, ok := mc.remotePending[pt.RequestID]; ok {
		return ErrPendingTransactionExists
	}
	mc.remotePending[pt.RequestID] = pt
	return nil
}

// RemoveLocalPendingTransaction drops a locally originated pending
// transaction.
func (mc *MutualCredit) RemoveLocalPendingTransaction(
	requestID crypto.Uid) error {

	if _, ok := mc.localPending[requestID]; !ok {
		return ErrPendingTransactionNotFound
	}
	delete(mc.localPending, requestID)
	return nil
}

// RemoveRemotePendingTransaction drops a remotely originated pending
// transaction.
func (mc *MutualCredit) RemoveRemotePendingTransaction(
	requestID crypto.Uid) error {

	if _, ok := mc.remotePending[requestID]; !ok {
		return ErrPendingTransactionNotFound
	}
	delete(mc.remotePending, requestID)
	return nil
}

// NumLocalPending returns the number of locally originated pending
// transactions.
func (mc *MutualCredit) NumLocalPending() int {
	return len(mc.localPending)
}

// NumRemotePending returns the number of remotely originated pending
// transactions.
func (mc *MutualCredit) NumRemotePending() int {
	return len(mc.remotePending)
}

// LocalPending returns a snapshot of the locally originated pending set.
func (mc *MutualCredit) LocalPending() []*PendingTransaction {
	var pts []*PendingTransaction
	for _, pt := range mc.localPending {
		pts = append(pts, pt.Copy())
	}
	return pts
}

// RemotePending returns a snapshot of the remotely originated pending set.
func (mc *MutualCredit) RemotePending() []*PendingTransaction {
	var pts []*PendingTransaction
	for _, pt := range mc.remotePending {
		pts = append(pts, pt.Copy())
	}
	return pts
}

// IsIdle reports whether the ledger has a zero balance and no pending
// transactions, which is the precondition for removing its currency from
// the channel.
func (mc *MutualCredit) IsIdle() bool {
	return mc.balance.Balance.Sign() == 0 &&
		len(mc.localPending) == 0 &&
		len(mc.remotePending) == 0
}

// Copy returns a deep copy of the ledger. The token channel applies a
// MoveToken batch to a copy and commits it only if every operation
// validates.
func (mc *MutualCredit) Copy() *MutualCredit {
	cp := &MutualCredit{
		currency:      mc.currency,
		balance:       mc.balance.Copy(),
		localPending:  make(map[crypto.Uid]*PendingTransaction),
		remotePending: make(map[crypto.Uid]*PendingTransaction),
	}
	for id, pt := range mc.localPending {
		cp.localPending[id] = pt.Copy()
	}
	for id, pt := range mc.remotePending {
		cp.remotePending[id] = pt.Copy()
	}
	return cp
}

// ApplyOutgoingRequest freezes credit for a request we are about to send:
// the frozen amount joins our local pending debt and the transaction is
// recorded in the local pending set.
func (mc *MutualCredit) ApplyOutgoingRequest(
	op *cswire.RequestSendFunds) error {

	if _, ok := mc.localPending[op.RequestID]; ok {
		return ErrPendingTransactionExists
	}

	pt := NewPendingTransaction(op)
	newDebt := new(big.Int).Add(mc.balance.LocalPendingDebt,
		pt.frozenAmount())

	old := mc.balance.LocalPendingDebt
	mc.balance.LocalPendingDebt = newDebt
	if err := mc.balance.checkInvariants(); err != nil {
		mc.balance.LocalPendingDebt = old
		return err
	}

	mc.localPending[op.RequestID] = pt
	return nil
}

// ApplyIncomingRequest freezes credit for a request received from the
// remote side, recording it in the remote pending set.
func (mc *MutualCredit) ApplyIncomingRequest(
	op *cswire.RequestSendFunds) error {

	if _, ok := mc.remotePending[op.RequestID]; ok {
		return ErrPendingTransactionExists
	}

	pt := NewPendingTransaction(op)
	newDebt := new(big.Int).Add(mc.balance.RemotePendingDebt,
		pt.frozenAmount())

	old := mc.balance.RemotePendingDebt
	mc.balance.RemotePendingDebt = newDebt
	if err := mc.balance.checkInvariants(); err != nil {
		mc.balance.RemotePendingDebt = old
		return err
	}

	mc.remotePending[op.RequestID] = pt
	return nil
}

// ApplyIncomingResponse settles a request we originated: the frozen amount
// is released from local pending debt and moves out of our balance, and
// the fee budget is accounted as paid. The matching pending transaction is
// returned so the caller can verify the response signature against it.
func (mc *MutualCredit) ApplyIncomingResponse(
	op *cswire.ResponseSendFunds) (*PendingTransaction, error) {

	pt, ok := mc.localPending[op.RequestID]
	if !ok {
		return nil, ErrPendingTransactionNotFound
	}

	frozen := pt.frozenAmount()
	mc.balance.LocalPendingDebt = new(big.Int).Sub(
		mc.balance.LocalPendingDebt, frozen,
	)
	mc.balance.Balance = new(big.Int).Sub(mc.balance.Balance, frozen)
	mc.balance.OutFees = new(big.Int).Add(mc.balance.OutFees, pt.LeftFees)

	delete(mc.localPending, op.RequestID)
	return pt, nil
}

// ApplyOutgoingResponse settles a request the remote side originated: the
// frozen amount is released from remote pending debt and moves into our
// balance, and the fee budget is accounted as earned.
func (mc *MutualCredit) ApplyOutgoingResponse(
	op *cswire.ResponseSendFunds) (*PendingTransaction, error) {

	pt, ok := mc.remotePending[op.RequestID]
	if !ok {
		return nil, ErrPendingTransactionNotFound
	}

	frozen := pt.frozenAmount()
	mc.balance.RemotePendingDebt = new(big.Int).Sub(
		mc.balance.RemotePendingDebt, frozen,
	)
	mc.balance.Balance = new(big.Int).Add(mc.balance.Balance, frozen)
	mc.balance.InFees = new(big.Int).Add(mc.balance.InFees, pt.LeftFees)

	delete(mc.remotePending, op.RequestID)
	return pt, nil
}

// ApplyIncomingFailure cancels a request we originated: the frozen amount
// is released and no value moves. The matching pending transaction is
// returned so the caller can verify the failure signature against it.
func (mc *MutualCredit) ApplyIncomingFailure(
	op *cswire.FailureSendFunds) (*PendingTransaction, error) {

	pt, ok := mc.localPending[op.RequestID]
	if !ok {
		return nil, ErrPendingTransactionNotFound
	}

	mc.balance.LocalPendingDebt = new(big.Int).Sub(
		mc.balance.LocalPendingDebt, pt.frozenAmount(),
	)

	delete(mc.localPending, op.RequestID)
	return pt, nil
}

// ApplyOutgoingFailure cancels a request the remote side originated,
// releasing the frozen amount.
func (mc *MutualCredit) ApplyOutgoingFailure(
	op *cswire.FailureSendFunds) (*PendingTransaction, error) {

	pt, ok := mc.remotePending[op.RequestID]
	if !ok {
		return nil, ErrPendingTransactionNotFound
	}

	mc.balance.RemotePendingDebt = new(big.Int).Sub(
		mc.balance.RemotePendingDebt, pt.frozenAmount(),
	)

	delete(mc.remotePending, op.RequestID)
	return pt, nil
}
