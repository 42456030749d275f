package cswire

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/realcr/cswitch/crypto"
)

// moveTokenPrefix is the domain separation prefix of move token signature
// buffers.
var moveTokenPrefix = []byte("MOVE_TOKEN")

// maxCurrenciesPerToken bounds the currencies one MoveToken may touch.
const maxCurrenciesPerToken = 128

// MoveToken is the signed message that atomically applies a batch of credit
// operations and hands the turn to the remote side. Each MoveToken chains
// from the hash of the previous one, forming a bilateral hash chain both
// sides can audit.
type MoveToken struct {
	// OldToken is the hash of the previous MoveToken in the chain.
	OldToken crypto.HashResult

	// CurrenciesOperations holds the ordered credit operations of this
	// batch, grouped per currency.
	CurrenciesOperations []CurrencyOperations

	// CurrenciesDiff is the set of currencies whose local activation
	// this message toggles. An unknown currency is added, a known one is
	// removed.
	CurrenciesDiff []Currency

	// RandNonce adds entropy to the token hash chain.
	RandNonce crypto.RandValue

	// MoveTokenCounter increases by one with every message in either
	// direction.
	MoveTokenCounter uint64

	// Signature is the sender's identity signature over SigMessage.
	Signature crypto.Signature
}

// A compile time check to ensure MoveToken implements the cswire.Message
// interface.
var _ Message = (*MoveToken)(nil)

// encodeBody writes every field except the signature, in signing order.
func (m *MoveToken) encodeBody(w io.Writer) error {
	if len(m.CurrenciesOperations) > maxCurrenciesPerToken {
		return fmt.Errorf("too many operation currencies: %d",
			len(m.CurrenciesOperations))
	}
	if len(m.CurrenciesDiff) > maxCurrenciesPerToken {
		return fmt.Errorf("currencies diff too long: %d",
			len(m.CurrenciesDiff))
	}

	if err := writeElements(w, m.OldToken,
		uint16(len(m.CurrenciesOperations))); err != nil {
		return err
	}
	for i := range m.CurrenciesOperations {
		if err := m.CurrenciesOperations[i].encode(w); err != nil {
			return err
		}
	}
	if err := writeElement(w, uint16(len(m.CurrenciesDiff))); err != nil {
		return err
	}
	for _, currency := range m.CurrenciesDiff {
		if err := writeElement(w, currency); err != nil {
			return err
		}
	}
	if err := writeElement(w, m.RandNonce); err != nil {
		return err
	}
	return writeCounter(w, m.MoveTokenCounter)
}

// Decode deserializes a serialized MoveToken stored in the passed io.Reader.
//
// This is part of the cswire.Message interface.
func (m *MoveToken) Decode(r io.Reader) error {
	var numCurrencies uint16
	if err := readElements(r, &m.OldToken, &numCurrencies); err != nil {
		return err
	}
	if numCurrencies > maxCurrenciesPerToken {
		return fmt.Errorf("too many operation currencies: %d",
			numCurrencies)
	}
	if numCurrencies > 0 {
		m.CurrenciesOperations = make([]CurrencyOperations,
			numCurrencies)
	}
	for i := range m.CurrenciesOperations {
		if err := m.CurrenciesOperations[i].decode(r); err != nil {
			return err
		}
	}

	var numDiff uint16
	if err := readElement(r, &numDiff); err != nil {
		return err
	}
	if numDiff > maxCurrenciesPerToken {
		return fmt.Errorf("currencies diff too long: %d", numDiff)
	}
	if numDiff > 0 {
		m.CurrenciesDiff = make([]Currency, numDiff)
	}
	for i := range m.CurrenciesDiff {
		if err := readElement(r, &m.CurrenciesDiff[i]); err != nil {
			return err
		}
	}

	if err := readElement(r, &m.RandNonce); err != nil {
		return err
	}
	var err error
	if m.MoveTokenCounter, err = readCounter(r); err != nil {
		return err
	}
	return readElement(r, &m.Signature)
}

// Encode serializes the target MoveToken into the passed io.Writer.
//
// This is part of the cswire.Message interface.
func (m *MoveToken) Encode(w io.Writer) error {
	if err := m.encodeBody(w); err != nil {
		return err
	}
	return writeElement(w, m.Signature)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the cswire.Message interface.
func (m *MoveToken) MsgType() MessageType {
	return MsgMoveToken
}

// MaxPayloadLength returns the maximum allowed payload size for a MoveToken
// message.
//
// This is part of the cswire.Message interface.
func (m *MoveToken) MaxPayloadLength() uint32 {
	return MaxMessagePayload
}

// SigMessage returns the byte buffer the sender signs: the hashed domain
// prefix followed by every field of the message in encoding order.
func (m *MoveToken) SigMessage() ([]byte, error) {
	prefix := crypto.HashBuffer(moveTokenPrefix)

	var body bytes.Buffer
	if err := m.encodeBody(&body); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(prefix)+body.Len())
	buf = append(buf, prefix[:]...)
	buf = append(buf, body.Bytes()...)
	return buf, nil
}

// NewToken returns the hash this message contributes to the token chain:
// the hash of the signed buffer together with the signature. The receiver
// of the next MoveToken expects its OldToken field to equal this value.
func (m *MoveToken) NewToken() (crypto.HashResult, error) {
	sigMsg, err := m.SigMessage()
	if err != nil {
		return crypto.HashResult{}, err
	}
	return crypto.HashBuffer(sigMsg, m.Signature[:]), nil
}

// ResetBalance is the balance a currency resumes from after a channel
// reset.
type ResetBalance struct {
	// Balance is the signed credit balance.
	Balance *big.Int

	// InFees and OutFees carry over the accumulated fee counters.
	InFees  *big.Int
	OutFees *big.Int
}

// NewResetBalance returns a zeroed ResetBalance with the given balance.
func NewResetBalance(balance *big.Int) ResetBalance {
	return ResetBalance{
		Balance: balance,
		InFees:  big.NewInt(0),
		OutFees: big.NewInt(0),
	}
}

func (rb *ResetBalance) encode(w io.Writer) error {
	if err := WriteInt128(w, rb.Balance); err != nil {
		return err
	}
	if err := WriteUint256(w, rb.InFees); err != nil {
		return err
	}
	return WriteUint256(w, rb.OutFees)
}

func (rb *ResetBalance) decode(r io.Reader) error {
	var err error
	if rb.Balance, err = ReadInt128(r); err != nil {
		return err
	}
	if rb.InFees, err = ReadUint256(r); err != nil {
		return err
	}
	rb.OutFees, err = ReadUint256(r)
	return err
}

// CurrencyBalance pairs a currency with its proposed reset balance.
type CurrencyBalance struct {
	Currency Currency
	Balance  ResetBalance
}

// resetTokenPrefix is the domain separation prefix of reset tokens.
var resetTokenPrefix = []byte("RESET_TOKEN")

// ResetTerms is a proposal of the state a channel should resume from after
// an inconsistency. The reset token is a deterministic commitment over the
// proposed counter and balances; the first MoveToken after a reset chains
// from it.
type ResetTerms struct {
	// ResetToken commits to the rest of the terms.
	ResetToken crypto.HashResult

	// MoveTokenCounter is the counter the channel resumes from. It is
	// strictly greater than any counter previously used in the channel.
	MoveTokenCounter uint64

	// Balances holds the proposed balance for every active currency,
	// sorted by currency.
	Balances []CurrencyBalance
}

// CalcToken computes the deterministic reset token committing to the terms.
func (rt *ResetTerms) CalcToken() (crypto.HashResult, error) {
	var body bytes.Buffer
	if err := writeCounter(&body, rt.MoveTokenCounter); err != nil {
		return crypto.HashResult{}, err
	}
	if err := writeElement(&body, uint16(len(rt.Balances))); err != nil {
		return crypto.HashResult{}, err
	}
	for i := range rt.Balances {
		cb := &rt.Balances[i]
		if err := writeElement(&body, cb.Currency); err != nil {
			return crypto.HashResult{}, err
		}
		if err := cb.Balance.encode(&body); err != nil {
			return crypto.HashResult{}, err
		}
	}

	prefix := crypto.HashBuffer(resetTokenPrefix)
	return crypto.HashBuffer(prefix[:], body.Bytes()), nil
}

func (rt *ResetTerms) encode(w io.Writer) error {
	if len(rt.Balances) > maxCurrenciesPerToken {
		return fmt.Errorf("too many reset balances: %d",
			len(rt.Balances))
	}
	if err := writeElement(w, rt.ResetToken); err != nil {
		return err
	}
	if err := writeCounter(w, rt.MoveTokenCounter); err != nil {
		return err
	}
	if err := writeElement(w, uint16(len(rt.Balances))); err != nil {
		return err
	}
	for i := range rt.Balances {
		cb := &rt.Balances[i]
		if err := writeElement(w, cb.Currency); err != nil {
			return err
		}
		if err := cb.Balance.encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (rt *ResetTerms) decode(r io.Reader) error {
	if err := readElement(r, &rt.ResetToken); err != nil {
		return err
	}
	var err error
	if rt.MoveTokenCounter, err = readCounter(r); err != nil {
		return err
	}
	var numBalances uint16
	if err := readElement(r, &numBalances); err != nil {
		return err
	}
	if numBalances > maxCurrenciesPerToken {
		return fmt.Errorf("too many reset balances: %d", numBalances)
	}
	if numBalances > 0 {
		rt.Balances = make([]CurrencyBalance, numBalances)
	}
	for i := range rt.Balances {
		cb := &rt.Balances[i]
		if err := readElement(r, &cb.Currency); err != nil {
			return err
		}
		if err := cb.Balance.decode(r); err != nil {
			return err
		}
	}
	return nil
}

// InconsistencyError announces that the sender considers the channel
// inconsistent and publishes its reset terms.
type InconsistencyError struct {
	ResetTerms ResetTerms
}

// A compile time check to ensure InconsistencyError implements the
// cswire.Message interface.
var _ Message = (*InconsistencyError)(nil)

// Decode deserializes a serialized InconsistencyError stored in the passed
// io.Reader.
//
// This is part of the cswire.Message interface.
func (m *InconsistencyError) Decode(r io.Reader) error {
	return m.ResetTerms.decode(r)
}

// Encode serializes the target InconsistencyError into the passed
// io.Writer.
//
// This is part of the cswire.Message interface.
func (m *InconsistencyError) Encode(w io.Writer) error {
	return m.ResetTerms.encode(w)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the cswire.Message interface.
func (m *InconsistencyError) MsgType() MessageType {
	return MsgInconsistencyError
}

// MaxPayloadLength returns the maximum allowed payload size for an
// InconsistencyError message.
//
// This is part of the cswire.Message interface.
func (m *InconsistencyError) MaxPayloadLength() uint32 {
	return MaxMessagePayload
}
