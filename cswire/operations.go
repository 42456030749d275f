package cswire

import (
	"fmt"
	"io"
	"math/big"

	"github.com/realcr/cswitch/crypto"
)

// opType is the single byte discriminant of a credit operation on the wire.
type opType uint8

const (
	opRequestSendFunds  opType = 0
	opResponseSendFunds opType = 1
	opFailureSendFunds  opType = 2
	opSetRemoteMaxDebt  opType = 3
)

// maxRouteLen bounds the number of hops a request route may carry.
const maxRouteLen = 32

// McOp is a single credit operation applied to one mutual credit instance
// as part of a MoveToken batch.
type McOp interface {
	opType() opType
	encode(io.Writer) error
	decode(io.Reader) error
}

// RequestSendFunds opens an in-flight payment: it freezes the requested
// amount plus fees in the sender's pending debt and records a pending
// transaction on both sides until a matching response or failure arrives.
type RequestSendFunds struct {
	// RequestID identifies this request along the whole route.
	RequestID crypto.Uid

	// Route lists every node the request travels through, source and
	// destination included.
	Route Route

	// DestPayment is the amount the destination is to receive.
	DestPayment *big.Int

	// InvoiceID names the invoice this payment settles.
	InvoiceID crypto.InvoiceID

	// LeftFees is the total fee credit still available for the remaining
	// hops.
	LeftFees *big.Int
}

// ResponseSendFunds settles an in-flight payment. The signature is produced
// by the destination and covers data from the original request, so every
// hop can verify it against its recorded pending transaction.
type ResponseSendFunds struct {
	RequestID crypto.Uid
	RandNonce crypto.RandValue
	Signature crypto.Signature
}

// FailureSendFunds cancels an in-flight payment. ReportingPublicKey names
// the node on the route that reported the failure and signed the message.
type FailureSendFunds struct {
	RequestID          crypto.Uid
	ReportingPublicKey crypto.PublicKey
	RandNonce          crypto.RandValue
	Signature          crypto.Signature
}

// SetRemoteMaxDebt configures how much the remote side is allowed to owe us
// in the enclosing currency.
type SetRemoteMaxDebt struct {
	NewMaxDebt *big.Int
}

func (op *RequestSendFunds) opType() opType { return opRequestSendFunds }

func (op *RequestSendFunds) encode(w io.Writer) error {
	if len(op.Route) > maxRouteLen {
		return fmt.Errorf("route too long: %d hops", len(op.Route))
	}
	if err := writeElements(w, op.RequestID, uint16(len(op.Route))); err != nil {
		return err
	}
	for _, pk := range op.Route {
		if err := writeElement(w, pk); err != nil {
			return err
		}
	}
	if err := WriteUint128(w, op.DestPayment); err != nil {
		return err
	}
	if err := writeElement(w, op.InvoiceID); err != nil {
		return err
	}
	return WriteUint128(w, op.LeftFees)
}

func (op *RequestSendFunds) decode(r io.Reader) error {
	var numHops uint16
	if err := readElements(r, &op.RequestID, &numHops); err != nil {
		return err
	}
	if numHops > maxRouteLen {
		return fmt.Errorf("route too long: %d hops", numHops)
	}
	op.Route = make(Route, numHops)
	for i := range op.Route {
		if err := readElement(r, &op.Route[i]); err != nil {
			return err
		}
	}
	var err error
	if op.DestPayment, err = ReadUint128(r); err != nil {
		return err
	}
	if err := readElement(r, &op.InvoiceID); err != nil {
		return err
	}
	op.LeftFees, err = ReadUint128(r)
	return err
}

func (op *ResponseSendFunds) opType() opType { return opResponseSendFunds }

func (op *ResponseSendFunds) encode(w io.Writer) error {
	return writeElements(w, op.RequestID, op.RandNonce, op.Signature)
}

func (op *ResponseSendFunds) decode(r io.Reader) error {
	return readElements(r, &op.RequestID, &op.RandNonce, &op.Signature)
}

func (op *FailureSendFunds) opType() opType { return opFailureSendFunds }

func (op *FailureSendFunds) encode(w io.Writer) error {
	return writeElements(w, op.RequestID, op.ReportingPublicKey,
		op.RandNonce, op.Signature)
}

func (op *FailureSendFunds) decode(r io.Reader) error {
	return readElements(r, &op.RequestID, &op.ReportingPublicKey,
		&op.RandNonce, &op.Signature)
}

func (op *SetRemoteMaxDebt) opType() opType { return opSetRemoteMaxDebt }

func (op *SetRemoteMaxDebt) encode(w io.Writer) error {
	return WriteUint128(w, op.NewMaxDebt)
}

func (op *SetRemoteMaxDebt) decode(r io.Reader) error {
	var err error
	op.NewMaxDebt, err = ReadUint128(r)
	return err
}

// writeOp writes a single credit operation, discriminant included.
func writeOp(w io.Writer, op McOp) error {
	if err := writeElement(w, uint8(op.opType())); err != nil {
		return err
	}
	return op.encode(w)
}

// readOp reads a single credit operation, dispatching on the discriminant.
func readOp(r io.Reader) (McOp, error) {
	var t uint8
	if err := readElement(r, &t); err != nil {
		return nil, err
	}

	var op McOp
	switch opType(t) {
	case opRequestSendFunds:
		op = &RequestSendFunds{}
	case opResponseSendFunds:
		op = &ResponseSendFunds{}
	case opFailureSendFunds:
		op = &FailureSendFunds{}
	case opSetRemoteMaxDebt:
		op = &SetRemoteMaxDebt{}
	default:
		return nil, fmt.Errorf("unknown credit operation type: %d", t)
	}

	if err := op.decode(r); err != nil {
		return nil, err
	}
	return op, nil
}

// CurrencyOperations groups the ordered credit operations a MoveToken
// applies to a single currency.
type CurrencyOperations struct {
	Currency   Currency
	Operations []McOp
}

// maxOpsPerCurrency bounds the operations one MoveToken may batch for a
// single currency.
const maxOpsPerCurrency = 1024

func (co *CurrencyOperations) encode(w io.Writer) error {
	if len(co.Operations) > maxOpsPerCurrency {
		return fmt.Errorf("too many operations: %d",
			len(co.Operations))
	}
	if err := writeElements(w, co.Currency,
		uint16(len(co.Operations))); err != nil {
		return err
	}
	for _, op := range co.Operations {
		if err := writeOp(w, op); err != nil {
			return err
		}
	}
	return nil
}

func (co *CurrencyOperations) decode(r io.Reader) error {
	var numOps uint16
	if err := readElements(r, &co.Currency, &numOps); err != nil {
		return err
	}
	if numOps > maxOpsPerCurrency {
		return fmt.Errorf("too many operations: %d", numOps)
	}
	if numOps > 0 {
		co.Operations = make([]McOp, numOps)
	}
	for i := range co.Operations {
		op, err := readOp(r)
		if err != nil {
			return err
		}
		co.Operations[i] = op
	}
	return nil
}
