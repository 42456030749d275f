package tokenchannel

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
)

// zeroBig returns a fresh zero valued big integer.
func zeroBig() *big.Int {
	return new(big.Int)
}

// tokenChannelInitPrefix is the domain separation prefix the synthetic
// first token of a fresh channel is derived from.
var tokenChannelInitPrefix = []byte("TOKEN_CHANNEL_INIT")

// resetCounterJump is how far the proposed reset counter jumps past the
// last locally applied counter. The extra step covers a remote message
// that was built but never applied locally, keeping the proposed counter
// strictly greater than anything either side has used.
const resetCounterJump = 2

// TokenChannel is the bilateral turn-taking state machine governing the
// mutual credit ledgers shared with one friend. Its only I/O is move token
// messages; transport failures never change its state.
//
// All methods are single-writer: the credit layer owns the channel and
// serializes access.
type TokenChannel struct {
	localPK  crypto.PublicKey
	remotePK crypto.PublicKey

	status Status

	// outgoing is the message we will (re)send. Valid in
	// StatusConsistentOut.
	outgoing *cswire.MoveToken

	// lastIncoming is the compact form of the last applied incoming
	// message. Valid in StatusConsistentIn; in StatusConsistentOut it
	// may be nil right after a reset.
	lastIncoming *MoveTokenHashed

	// localResetTerms and remoteResetTerms are valid in
	// StatusInconsistent.
	localResetTerms  *cswire.ResetTerms
	remoteResetTerms *cswire.ResetTerms

	// moveTokenCounter is the counter of the last applied message in
	// either direction.
	moveTokenCounter uint64

	// mutualCredits holds one ledger per currency active on both sides.
	mutualCredits map[cswire.Currency]*mutualcredit.MutualCredit

	// localCurrencies and remoteCurrencies track which currencies each
	// side has activated. A ledger exists once a currency is in both
	// sets.
	localCurrencies  map[cswire.Currency]struct{}
	remoteCurrencies map[cswire.Currency]struct{}
}

// initialMoveToken deterministically builds the synthetic first token both
// endpoints of a fresh channel agree on without communicating.
func initialMoveToken(lowPK, highPK crypto.PublicKey) *cswire.MoveToken {
	prefix := crypto.HashBuffer(tokenChannelInitPrefix)
	return &cswire.MoveToken{
		OldToken: crypto.HashBuffer(prefix[:], lowPK[:], highPK[:]),
	}
}

// New creates a fresh token channel between the two given keys. The side
// with the lower public key starts out as if it had just sent the
// synthetic initial token; the other side starts out as if it had just
// received it. Both compute the same chain head, so no communication is
// needed to agree on the starting state.
func New(localPK, remotePK crypto.PublicKey) (*TokenChannel, error) {
	tc := &TokenChannel{
		localPK:          localPK,
		remotePK:         remotePK,
		mutualCredits:    make(map[cswire.Currency]*mutualcredit.MutualCredit),
		localCurrencies:  make(map[cswire.Currency]struct{}),
		remoteCurrencies: make(map[cswire.Currency]struct{}),
	}

	var initial *cswire.MoveToken
	if crypto.ComparePublicKey(localPK, remotePK) < 0 {
		initial = initialMoveToken(localPK, remotePK)
		tc.status = StatusConsistentOut
		tc.outgoing = initial
	} else {
		initial = initialMoveToken(remotePK, localPK)
		hashed, err := HashMoveToken(initial)
		if err != nil {
			return nil, err
		}
		tc.status = StatusConsistentIn
		tc.lastIncoming = hashed
	}
	return tc, nil
}

// LocalPublicKey returns the local endpoint key.
func (tc *TokenChannel) LocalPublicKey() crypto.PublicKey {
	return tc.localPK
}

// RemotePublicKey returns the remote endpoint key.
func (tc *TokenChannel) RemotePublicKey() crypto.PublicKey {
	return tc.remotePK
}

// Status returns the current channel status.
func (tc *TokenChannel) Status() Status {
	return tc.status
}

// MoveTokenCounter returns the counter of the last applied message.
func (tc *TokenChannel) MoveTokenCounter() uint64 {
	return tc.moveTokenCounter
}

// Outgoing returns the message to (re)send, or nil if the channel is not
// in StatusConsistentOut.
func (tc *TokenChannel) Outgoing() *cswire.MoveToken {
	if tc.status != StatusConsistentOut {
		return nil
	}
	return tc.outgoing
}

// LastIncoming returns the compact form of the last applied incoming
// message, or nil if none exists.
func (tc *TokenChannel) LastIncoming() *MoveTokenHashed {
	return tc.lastIncoming
}

// LocalResetTerms returns the published local reset proposal, or nil if
// the channel is consistent.
func (tc *TokenChannel) LocalResetTerms() *cswire.ResetTerms {
	return tc.localResetTerms
}

// RemoteResetTerms returns the stored remote reset proposal, if any.
func (tc *TokenChannel) RemoteResetTerms() *cswire.ResetTerms {
	return tc.remoteResetTerms
}

// Currencies returns the sorted list of currencies with an active ledger.
func (tc *TokenChannel) Currencies() []cswire.Currency {
	currencies := make([]cswire.Currency, 0, len(tc.mutualCredits))
	for currency := range tc.mutualCredits {
		currencies = append(currencies, currency)
	}
	sort.Slice(currencies, func(i, j int) bool {
		return currencies[i] < currencies[j]
	})
	return currencies
}

// MutualCredit returns the ledger of the given currency, or nil if the
// currency is not active on both sides.
func (tc *TokenChannel) MutualCredit(
	currency cswire.Currency) *mutualcredit.MutualCredit {

	return tc.mutualCredits[currency]
}

// NumPendingLocal returns the total number of locally originated pending
// transactions across all currencies.
func (tc *TokenChannel) NumPendingLocal() int {
	total := 0
	for _, mc := range tc.mutualCredits {
		total += mc.NumLocalPending()
	}
	return total
}

// NumPendingRemote returns the total number of remotely originated pending
// transactions across all currencies.
func (tc *TokenChannel) NumPendingRemote() int {
	total := 0
	for _, mc := range tc.mutualCredits {
		total += mc.NumRemotePending()
	}
	return total
}

// workingState is a scratch copy of the ledgers and currency sets a
// MoveToken batch is applied to. It is committed only if every operation
// validates, which is what makes batch application atomic.
type workingState struct {
	mcs    map[cswire.Currency]*mutualcredit.MutualCredit
	local  map[cswire.Currency]struct{}
	remote map[cswire.Currency]struct{}
}

func (tc *TokenChannel) copyWorking() *workingState {
	ws := &workingState{
		mcs:    make(map[cswire.Currency]*mutualcredit.MutualCredit),
		local:  make(map[cswire.Currency]struct{}),
		remote: make(map[cswire.Currency]struct{}),
	}
	for currency, mc := range tc.mutualCredits {
		ws.mcs[currency] = mc.Copy()
	}
	for currency := range tc.localCurrencies {
		ws.local[currency] = struct{}{}
	}
	for currency := range tc.remoteCurrencies {
		ws.remote[currency] = struct{}{}
	}
	return ws
}

func (tc *TokenChannel) commitWorking(ws *workingState) {
	tc.mutualCredits = ws.mcs
	tc.localCurrencies = ws.local
	tc.remoteCurrencies = ws.remote
}

// applyCurrenciesDiff toggles currency activation. Adding the same
// currency on both sides creates its ledger; toggling an active currency
// off removes the ledger, which is only allowed while it is idle.
func applyCurrenciesDiff(ws *workingState, diff []cswire.Currency,
	incoming bool) error {

	set := ws.local
	if incoming {
		set = ws.remote
	}

	for _, currency := range diff {
		if _, ok := set[currency]; ok {
			// Removal.
			if mc, exists := ws.mcs[currency]; exists {
				if !mc.IsIdle() {
					return ErrCurrencyInUse
				}
				delete(ws.mcs, currency)
			}
			delete(set, currency)
			continue
		}

		// Addition.
		set[currency] = struct{}{}
		_, inLocal := ws.local[currency]
		_, inRemote := ws.remote[currency]
		if inLocal && inRemote {
			ws.mcs[currency] = mutualcredit.New(currency, zeroBig())
		}
	}
	return nil
}

// applyOperations applies a batch of per-currency credit operations to the
// working state. The incoming flag selects the direction each operation is
// applied in. Signatures of incoming responses and failures are verified
// here; an outgoing batch carries signatures we produced ourselves.
func applyOperations(ws *workingState,
	currenciesOps []cswire.CurrencyOperations,
	incoming bool) ([]AppliedOp, error) {

	var applied []AppliedOp
	for i := range currenciesOps {
		group := &currenciesOps[i]
		mc, ok := ws.mcs[group.Currency]
		if !ok {
			return nil, ErrUnknownCurrency
		}

		for _, op := range group.Operations {
			pt, err := applyOperation(mc, op, incoming)
			if err != nil {
				return nil, err
			}
			applied = append(applied, AppliedOp{
				Currency:           group.Currency,
				Op:                 op,
				PendingTransaction: pt,
			})
		}
	}
	return applied, nil
}

func applyOperation(mc *mutualcredit.MutualCredit, op cswire.McOp,
	incoming bool) (*mutualcredit.PendingTransaction, error) {

	switch o := op.(type) {
	case *cswire.RequestSendFunds:
		if len(o.Route) < 2 {
			return nil, fmt.Errorf("request route too short: %d",
				len(o.Route))
		}
		if incoming {
			if err := mc.ApplyIncomingRequest(o); err != nil {
				return nil, err
			}
			pt, _ := mc.GetRemotePendingTransaction(o.RequestID)
			return pt, nil
		}
		if err := mc.ApplyOutgoingRequest(o); err != nil {
			return nil, err
		}
		pt, _ := mc.GetLocalPendingTransaction(o.RequestID)
		return pt, nil

	case *cswire.ResponseSendFunds:
		if incoming {
			pt, err := mc.ApplyIncomingResponse(o)
			if err != nil {
				return nil, err
			}
			if err := VerifyResponseSignature(o, pt); err != nil {
				return nil, err
			}
			return pt, nil
		}
		return mc.ApplyOutgoingResponse(o)

	case *cswire.FailureSendFunds:
		if incoming {
			pt, err := mc.ApplyIncomingFailure(o)
			if err != nil {
				return nil, err
			}
			if err := VerifyFailureSignature(o, pt); err != nil {
				return nil, err
			}
			return pt, nil
		}
		return mc.ApplyOutgoingFailure(o)

	case *cswire.SetRemoteMaxDebt:
		// An incoming SetRemoteMaxDebt raises what the remote side
		// lets us owe, which is our local max debt.
		if incoming {
			return nil, mc.SetLocalMaxDebt(o.NewMaxDebt)
		}
		return nil, mc.SetRemoteMaxDebt(o.NewMaxDebt)

	default:
		return nil, fmt.Errorf("unknown credit operation %T", op)
	}
}

// HandleOutMoveToken builds, signs and applies the next outgoing MoveToken
// carrying the given operations and currency changes. It is only valid
// while the channel awaits a local message (StatusConsistentIn). On
// success the channel transitions to StatusConsistentOut and the message
// is returned for delivery; it stays available for retransmission via
// Outgoing until the remote side extends the chain.
func (tc *TokenChannel) HandleOutMoveToken(identity *crypto.Identity,
	currenciesOps []cswire.CurrencyOperations,
	currenciesDiff []cswire.Currency) (*cswire.MoveToken, error) {

	switch tc.status {
	case StatusInconsistent:
		return nil, ErrInconsistent
	case StatusConsistentOut:
		return nil, ErrNotConsistentIn
	}

	ws := tc.copyWorking()
	if err := applyCurrenciesDiff(ws, currenciesDiff, false); err != nil {
		return nil, err
	}
	if _, err := applyOperations(ws, currenciesOps, false); err != nil {
		return nil, err
	}

	randNonce, err := crypto.GenRandValue(rand.Reader)
	if err != nil {
		return nil, err
	}

	moveToken := &cswire.MoveToken{
		OldToken:             tc.lastIncoming.NewToken,
		CurrenciesOperations: currenciesOps,
		CurrenciesDiff:       currenciesDiff,
		RandNonce:            randNonce,
		MoveTokenCounter:     tc.moveTokenCounter + 1,
	}
	sigMsg, err := moveToken.SigMessage()
	if err != nil {
		return nil, err
	}
	moveToken.Signature = identity.Sign(sigMsg)

	tc.commitWorking(ws)
	tc.outgoing = moveToken
	tc.status = StatusConsistentOut
	tc.moveTokenCounter++

	log.Debugf("TokenChannel(%v): sent move token, counter=%v",
		tc.remotePK, tc.moveTokenCounter)

	return moveToken, nil
}

// HandleInMoveToken feeds an incoming MoveToken to the channel. The
// returned output tells the caller whether the message was a duplicate,
// whether the last outgoing message should be retransmitted, which
// operations were applied, or which reset terms to publish after a
// validation failure. An error return signals an internal failure, not a
// protocol violation.
func (tc *TokenChannel) HandleInMoveToken(
	m *cswire.MoveToken) (*ReceiveOutput, error) {

	// Inconsistency is sticky: answer every move token with our reset
	// terms until an explicit reset resolves the channel.
	if tc.status == StatusInconsistent {
		return &ReceiveOutput{
			InconsistencyError: &cswire.InconsistencyError{
				ResetTerms: *tc.localResetTerms,
			},
		}, nil
	}

	newToken, err := m.NewToken()
	if err != nil {
		return nil, err
	}

	// Retransmission of the last applied incoming message is acked
	// idempotently: nothing changes, and if we hold an unacked outgoing
	// message the remote side clearly has not seen it yet.
	if tc.lastIncoming != nil && newToken == tc.lastIncoming.NewToken {
		if tc.status == StatusConsistentOut {
			return &ReceiveOutput{
				RetransmitOutgoing: tc.outgoing,
			}, nil
		}
		return &ReceiveOutput{Duplicate: true}, nil
	}

	// The message must extend the chain from the latest token we know:
	// our unacked outgoing message if we hold one, the last incoming
	// message otherwise.
	var expectedOld crypto.HashResult
	switch tc.status {
	case StatusConsistentOut:
		expectedOld, err = tc.outgoing.NewToken()
		if err != nil {
			return nil, err
		}
	case StatusConsistentIn:
		expectedOld = tc.lastIncoming.NewToken
	}

	if m.OldToken != expectedOld {
		log.Warnf("TokenChannel(%v): move token chain mismatch",
			tc.remotePK)
		return tc.setInconsistent()
	}
	if m.MoveTokenCounter != tc.moveTokenCounter+1 {
		log.Warnf("TokenChannel(%v): move token counter %v, "+
			"expected %v", tc.remotePK, m.MoveTokenCounter,
			tc.moveTokenCounter+1)
		return tc.setInconsistent()
	}

	sigMsg, err := m.SigMessage()
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(sigMsg, tc.remotePK, m.Signature) {
		log.Warnf("TokenChannel(%v): invalid move token signature",
			tc.remotePK)
		return tc.setInconsistent()
	}

	// Apply the batch to a working copy; any validation failure discards
	// the copy so no partial effects survive.
	ws := tc.copyWorking()
	if err := applyCurrenciesDiff(ws, m.CurrenciesDiff, true); err != nil {
		log.Warnf("TokenChannel(%v): invalid currencies diff: %v",
			tc.remotePK, err)
		return tc.setInconsistent()
	}
	applied, err := applyOperations(ws, m.CurrenciesOperations, true)
	if err != nil {
		log.Warnf("TokenChannel(%v): invalid operation batch: %v",
			tc.remotePK, err)
		return tc.setInconsistent()
	}

	hashed, err := HashMoveToken(m)
	if err != nil {
		return nil, err
	}

	tc.commitWorking(ws)
	tc.lastIncoming = hashed
	tc.outgoing = nil
	tc.status = StatusConsistentIn
	tc.moveTokenCounter = m.MoveTokenCounter

	log.Debugf("TokenChannel(%v): applied move token, counter=%v, "+
		"ops=%v", tc.remotePK, tc.moveTokenCounter, len(applied))

	return &ReceiveOutput{AppliedOps: applied}, nil
}

// setInconsistent transitions the channel to StatusInconsistent,
// publishing local reset terms built from the current balances.
func (tc *TokenChannel) setInconsistent() (*ReceiveOutput, error) {
	terms, err := tc.buildLocalResetTerms()
	if err != nil {
		return nil, err
	}

	tc.status = StatusInconsistent
	tc.localResetTerms = terms
	tc.remoteResetTerms = nil
	tc.outgoing = nil

	log.Warnf("TokenChannel(%v): entering inconsistent state, "+
		"proposed counter=%v", tc.remotePK, terms.MoveTokenCounter)

	return &ReceiveOutput{
		InconsistencyError: &cswire.InconsistencyError{
			ResetTerms: *terms,
		},
	}, nil
}

// buildLocalResetTerms proposes resuming from the current balances with a
// counter strictly greater than anything used in the channel so far.
func (tc *TokenChannel) buildLocalResetTerms() (*cswire.ResetTerms, error) {
	terms := &cswire.ResetTerms{
		MoveTokenCounter: tc.moveTokenCounter + resetCounterJump,
	}
	for _, currency := range tc.Currencies() {
		balance := tc.mutualCredits[currency].Balance()
		terms.Balances = append(terms.Balances, cswire.CurrencyBalance{
			Currency: currency,
			Balance: cswire.ResetBalance{
				Balance: balance.Balance,
				InFees:  balance.InFees,
				OutFees: balance.OutFees,
			},
		})
	}

	token, err := terms.CalcToken()
	if err != nil {
		return nil, err
	}
	terms.ResetToken = token
	return terms, nil
}

// HandleInconsistencyError processes the remote side's reset terms. If the
// channel was still considered consistent locally, it transitions to
// StatusInconsistent first. The returned InconsistencyError carries the
// local terms to publish in response; recovery then waits for an operator
// to call AcceptRemoteReset or ProposeLocalReset.
func (tc *TokenChannel) HandleInconsistencyError(
	m *cswire.InconsistencyError) (*cswire.InconsistencyError, error) {

	// The remote reset token must commit to the terms it arrived with.
	// A mismatch is escalated to the operator rather than guessed at.
	expected, err := m.ResetTerms.CalcToken()
	if err != nil {
		return nil, err
	}
	if expected != m.ResetTerms.ResetToken {
		return nil, ErrResetTermsMismatch
	}

	if tc.status != StatusInconsistent {
		if _, err := tc.setInconsistent(); err != nil {
			return nil, err
		}
	}

	remoteTerms := m.ResetTerms
	tc.remoteResetTerms = &remoteTerms

	log.Infof("TokenChannel(%v): stored remote reset terms, "+
		"counter=%v", tc.remotePK, remoteTerms.MoveTokenCounter)

	return &cswire.InconsistencyError{
		ResetTerms: *tc.localResetTerms,
	}, nil
}

// AcceptRemoteReset resolves an inconsistent channel by adopting the
// remote side's proposal: every listed currency's balance becomes the
// negation of the remote view, all pending transactions are cleared, and
// the channel becomes StatusConsistentIn as if the reset token had been
// the last incoming message. The next message either side sends chains
// from the remote reset token.
func (tc *TokenChannel) AcceptRemoteReset() error {
	if tc.status != StatusInconsistent {
		return ErrNotInconsistent
	}
	if tc.remoteResetTerms == nil {
		return ErrNoRemoteResetTerms
	}

	terms := tc.remoteResetTerms
	expected, err := terms.CalcToken()
	if err != nil {
		return err
	}
	if expected != terms.ResetToken {
		return ErrResetTermsMismatch
	}

	mcs := make(map[cswire.Currency]*mutualcredit.MutualCredit)
	local := make(map[cswire.Currency]struct{})
	remote := make(map[cswire.Currency]struct{})
	for i := range terms.Balances {
		cb := &terms.Balances[i]

		// The remote side reports its own view: negate the balance
		// and swap the fee directions to obtain ours. The agreed
		// balance is adopted as-is, even outside the old debt
		// limits; the limits only constrain new operations.
		balanceState := mutualcredit.NewMcBalance(
			zeroBig().Neg(cb.Balance.Balance),
		)
		balanceState.InFees = zeroBig().Set(cb.Balance.OutFees)
		balanceState.OutFees = zeroBig().Set(cb.Balance.InFees)

		// Debt limits are local configuration; carry them over where
		// the currency already existed.
		if prev, ok := tc.mutualCredits[cb.Currency]; ok {
			prevBalance := prev.Balance()
			balanceState.LocalMaxDebt = prevBalance.LocalMaxDebt
			balanceState.RemoteMaxDebt = prevBalance.RemoteMaxDebt
		}

		mc, err := mutualcredit.Restore(cb.Currency, balanceState,
			nil, nil)
		if err != nil {
			return err
		}

		mcs[cb.Currency] = mc
		local[cb.Currency] = struct{}{}
		remote[cb.Currency] = struct{}{}
	}

	tc.mutualCredits = mcs
	tc.localCurrencies = local
	tc.remoteCurrencies = remote
	tc.lastIncoming = &MoveTokenHashed{
		MoveTokenCounter: terms.MoveTokenCounter,
		NewToken:         terms.ResetToken,
	}
	tc.moveTokenCounter = terms.MoveTokenCounter
	tc.outgoing = nil
	tc.status = StatusConsistentIn
	tc.localResetTerms = nil
	tc.remoteResetTerms = nil

	log.Infof("TokenChannel(%v): accepted remote reset, counter=%v",
		tc.remotePK, tc.moveTokenCounter)

	return nil
}

// ProposeLocalReset resolves an inconsistent channel on the local terms:
// balances resume from our proposal and an empty MoveToken chaining from
// the local reset token is emitted for the remote side, which is expected
// to have accepted our terms. The channel becomes StatusConsistentOut.
func (tc *TokenChannel) ProposeLocalReset(
	identity *crypto.Identity) (*cswire.MoveToken, error) {

	if tc.status != StatusInconsistent {
		return nil, ErrNotInconsistent
	}

	terms := tc.localResetTerms

	mcs := make(map[cswire.Currency]*mutualcredit.MutualCredit)
	local := make(map[cswire.Currency]struct{})
	remote := make(map[cswire.Currency]struct{})
	for i := range terms.Balances {
		cb := &terms.Balances[i]

		balanceState := mutualcredit.NewMcBalance(cb.Balance.Balance)
		balanceState.InFees = zeroBig().Set(cb.Balance.InFees)
		balanceState.OutFees = zeroBig().Set(cb.Balance.OutFees)
		if prev, ok := tc.mutualCredits[cb.Currency]; ok {
			prevBalance := prev.Balance()
			balanceState.LocalMaxDebt = prevBalance.LocalMaxDebt
			balanceState.RemoteMaxDebt = prevBalance.RemoteMaxDebt
		}

		mc, err := mutualcredit.Restore(cb.Currency, balanceState,
			nil, nil)
		if err != nil {
			return nil, err
		}

		mcs[cb.Currency] = mc
		local[cb.Currency] = struct{}{}
		remote[cb.Currency] = struct{}{}
	}

	randNonce, err := crypto.GenRandValue(rand.Reader)
	if err != nil {
		return nil, err
	}
	moveToken := &cswire.MoveToken{
		OldToken:         terms.ResetToken,
		RandNonce:        randNonce,
		MoveTokenCounter: terms.MoveTokenCounter + 1,
	}
	sigMsg, err := moveToken.SigMessage()
	if err != nil {
		return nil, err
	}
	moveToken.Signature = identity.Sign(sigMsg)

	tc.mutualCredits = mcs
	tc.localCurrencies = local
	tc.remoteCurrencies = remote
	tc.lastIncoming = nil
	tc.outgoing = moveToken
	tc.moveTokenCounter = terms.MoveTokenCounter + 1
	tc.status = StatusConsistentOut
	tc.localResetTerms = nil
	tc.remoteResetTerms = nil

	log.Infof("TokenChannel(%v): proposed local reset, counter=%v",
		tc.remotePK, tc.moveTokenCounter)

	return moveToken, nil
}
