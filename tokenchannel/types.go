package tokenchannel

import (
	"fmt"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
)

var (
	// ErrNotConsistentIn is returned when building an outgoing MoveToken
	// while the channel does not allow it.
	ErrNotConsistentIn = fmt.Errorf("channel is not awaiting an " +
		"outgoing move token")

	// ErrInconsistent is returned when a normal-protocol operation is
	// attempted on an inconsistent channel.
	ErrInconsistent = fmt.Errorf("channel is inconsistent")

	// ErrNotInconsistent is returned when a reset operation is attempted
	// on a consistent channel.
	ErrNotInconsistent = fmt.Errorf("channel is not inconsistent")

	// ErrNoRemoteResetTerms is returned when accepting remote reset
	// terms that were never received.
	ErrNoRemoteResetTerms = fmt.Errorf("no remote reset terms known")

	// ErrResetTermsMismatch is returned when the remote reset token does
	// not commit to the terms it arrived with. Recovery requires
	// operator escalation.
	ErrResetTermsMismatch = fmt.Errorf("remote reset token does not " +
		"match its terms")

	// ErrUnknownCurrency is returned when an operation names a currency
	// with no active mutual credit.
	ErrUnknownCurrency = fmt.Errorf("unknown currency")

	// ErrCurrencyInUse is returned when removing a currency whose ledger
	// still has balance or pending transactions.
	ErrCurrencyInUse = fmt.Errorf("currency has balance or pending " +
		"transactions")
)

// Status enumerates the three states of a token channel.
type Status uint8

const (
	// StatusConsistentIn means the last applied MoveToken was incoming.
	// The local side may build and sign the next message in the chain.
	StatusConsistentIn Status = iota

	// StatusConsistentOut means the last applied MoveToken was outgoing.
	// The local side may only retransmit it and must wait for the
	// remote side to extend the chain.
	StatusConsistentOut

	// StatusInconsistent means a validation failure was detected. The
	// status is sticky; only an explicit reset leaves it.
	StatusInconsistent
)

// String returns a human readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusConsistentIn:
		return "ConsistentIn"
	case StatusConsistentOut:
		return "ConsistentOut"
	case StatusInconsistent:
		return "Inconsistent"
	default:
		return fmt.Sprintf("<unknown(%d)>", uint8(s))
	}
}

// MoveTokenHashed is the compact form of an incoming MoveToken retained
// after its operations were applied: enough to verify that the next message
// chains correctly, without storing the full operation batch.
type MoveTokenHashed struct {
	// OperationsHash commits to the signed contents of the message.
	OperationsHash crypto.HashResult

	// OldToken is the token the message chained from.
	OldToken crypto.HashResult

	// MoveTokenCounter is the counter the message carried.
	MoveTokenCounter uint64

	// RandNonce is the nonce the message carried.
	RandNonce crypto.RandValue

	// NewToken is the chain head after this message.
	NewToken crypto.HashResult
}

// HashMoveToken compresses a MoveToken into its retained form.
func HashMoveToken(m *cswire.MoveToken) (*MoveTokenHashed, error) {
	sigMsg, err := m.SigMessage()
	if err != nil {
		return nil, err
	}
	newToken, err := m.NewToken()
	if err != nil {
		return nil, err
	}
	return &MoveTokenHashed{
		OperationsHash:   crypto.HashBuffer(sigMsg),
		OldToken:         m.OldToken,
		MoveTokenCounter: m.MoveTokenCounter,
		RandNonce:        m.RandNonce,
		NewToken:         newToken,
	}, nil
}

// AppliedOp describes one credit operation applied from an incoming
// MoveToken, paired with the pending transaction it settled or opened so
// the credit layer can act on it.
type AppliedOp struct {
	Currency cswire.Currency
	Op       cswire.McOp

	// PendingTransaction is the in-flight record the operation opened
	// (requests) or closed (responses and failures).
	PendingTransaction *mutualcredit.PendingTransaction
}

// ReceiveOutput is the result of feeding an incoming MoveToken to the
// channel.
type ReceiveOutput struct {
	// Duplicate is set when the message was already applied and nothing
	// changed.
	Duplicate bool

	// RetransmitOutgoing is set when the remote side apparently missed
	// our last outgoing message; it should be sent again.
	RetransmitOutgoing *cswire.MoveToken

	// AppliedOps lists the operations applied, in order, when the
	// message extended the chain.
	AppliedOps []AppliedOp

	// InconsistencyError is set when the message failed validation and
	// the channel transitioned to Inconsistent. It carries the local
	// reset terms to publish to the remote side.
	InconsistencyError *cswire.InconsistencyError
}
