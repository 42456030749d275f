package mutualcredit

import (
	"fmt"
	"math/big"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

var (
	// ErrPendingTransactionExists is returned when inserting a pending
	// transaction whose request id is already tracked.
	ErrPendingTransactionExists = fmt.Errorf("pending transaction " +
		"already exists")

	// ErrPendingTransactionNotFound is returned when a response or
	// failure names a request id with no matching pending transaction.
	ErrPendingTransactionNotFound = fmt.Errorf("pending transaction " +
		"not found")

	// ErrFeesDecreased is returned when a mutation attempts to lower one
	// of the monotone fee counters.
	ErrFeesDecreased = fmt.Errorf("fee counters may not decrease")

	// ErrInsufficientTrust is returned when applying an operation would
	// violate one of the balance invariants.
	ErrInsufficientTrust = fmt.Errorf("operation exceeds configured debt")
)

// McBalance is the balance state of a single mutual credit instance. The
// signed balance is positive when the remote side owes us.
//
// Two invariants hold at all times:
//
//	balance - localPendingDebt  >= -localMaxDebt
//	balance + remotePendingDebt <= remoteMaxDebt
type McBalance struct {
	// Balance is the current signed credit balance.
	Balance *big.Int

	// LocalMaxDebt is how much we are willing to owe the remote side.
	LocalMaxDebt *big.Int

	// RemoteMaxDebt is how much the remote side is allowed to owe us.
	RemoteMaxDebt *big.Int

	// LocalPendingDebt is the amount frozen by our in-flight requests.
	LocalPendingDebt *big.Int

	// RemotePendingDebt is the amount frozen by the remote side's
	// in-flight requests.
	RemotePendingDebt *big.Int

	// InFees and OutFees accumulate the fees earned from and paid to the
	// remote side. They only ever grow.
	InFees  *big.Int
	OutFees *big.Int
}

// NewMcBalance returns a balance state with the given starting balance, no
// configured debt and no pending amounts.
func NewMcBalance(balance *big.Int) McBalance {
	return McBalance{
		Balance:           new(big.Int).Set(balance),
		LocalMaxDebt:      big.NewInt(0),
		RemoteMaxDebt:     big.NewInt(0),
		LocalPendingDebt:  big.NewInt(0),
		RemotePendingDebt: big.NewInt(0),
		InFees:            big.NewInt(0),
		OutFees:           big.NewInt(0),
	}
}

// Copy returns a deep copy of the balance state.
func (b *McBalance) Copy() McBalance {
	return McBalance{
		Balance:           new(big.Int).Set(b.Balance),
		LocalMaxDebt:      new(big.Int).Set(b.LocalMaxDebt),
		RemoteMaxDebt:     new(big.Int).Set(b.RemoteMaxDebt),
		LocalPendingDebt:  new(big.Int).Set(b.LocalPendingDebt),
		RemotePendingDebt: new(big.Int).Set(b.RemotePendingDebt),
		InFees:            new(big.Int).Set(b.InFees),
		OutFees:           new(big.Int).Set(b.OutFees),
	}
}

// checkInvariants verifies the two balance invariants.
func (b *McBalance) checkInvariants() error {
	// balance - localPendingDebt >= -localMaxDebt
	lhs := new(big.Int).Sub(b.Balance, b.LocalPendingDebt)
	if lhs.Cmp(new(big.Int).Neg(b.LocalMaxDebt)) < 0 {
		return ErrInsufficientTrust
	}

	// balance + remotePendingDebt <= remoteMaxDebt
	rhs := new(big.Int).Add(b.Balance, b.RemotePendingDebt)
	if rhs.Cmp(b.RemoteMaxDebt) > 0 {
		return ErrInsufficientTrust
	}
	return nil
}

// PendingTransaction is the record kept for an in-flight payment request
// from the moment it is applied until a matching response, failure or
// channel reset removes it.
type PendingTransaction struct {
	RequestID   crypto.Uid
	Route       cswire.Route
	DestPayment *big.Int
	InvoiceID   crypto.InvoiceID
	LeftFees    *big.Int
}

// NewPendingTransaction builds the pending record for a request operation.
func NewPendingTransaction(op *cswire.RequestSendFunds) *PendingTransaction {
	route := make(cswire.Route, len(op.Route))
	copy(route, op.Route)
	return &PendingTransaction{
		RequestID:   op.RequestID,
		Route:       route,
		DestPayment: new(big.Int).Set(op.DestPayment),
		InvoiceID:   op.InvoiceID,
		LeftFees:    new(big.Int).Set(op.LeftFees),
	}
}

// Copy returns a deep copy of the pending transaction.
func (pt *PendingTransaction) Copy() *PendingTransaction {
	route := make(cswire.Route, len(pt.Route))
	copy(route, pt.Route)
	return &PendingTransaction{
		RequestID:   pt.RequestID,
		Route:       route,
		DestPayment: new(big.Int).Set(pt.DestPayment),
		InvoiceID:   pt.InvoiceID,
		LeftFees:    new(big.Int).Set(pt.LeftFees),
	}
}

// frozenAmount is the credit a request freezes until it completes: the
// destination payment plus the remaining fee budget.
func (pt *PendingTransaction) frozenAmount() *big.Int {
	return new(big.Int).Add(pt.DestPayment, pt.LeftFees)
}
