package tokenchannel

import (
	"fmt"
	"sort"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
)

// CreditSnapshot is the persisted state of one mutual credit ledger.
type CreditSnapshot struct {
	Currency      cswire.Currency
	Balance       mutualcredit.McBalance
	LocalPending  []*mutualcredit.PendingTransaction
	RemotePending []*mutualcredit.PendingTransaction
}

// Snapshot is the full persistable state of a token channel. Everything a
// restarted node needs to resume the channel is here; liveness and
// connection state are intentionally absent.
type Snapshot struct {
	Status           Status
	Outgoing         *cswire.MoveToken
	LastIncoming     *MoveTokenHashed
	LocalResetTerms  *cswire.ResetTerms
	RemoteResetTerms *cswire.ResetTerms
	MoveTokenCounter uint64
	LocalCurrencies  []cswire.Currency
	RemoteCurrencies []cswire.Currency
	Credits          []CreditSnapshot
}

// Snapshot captures the channel state for persistence. It must be called
// after every applied MoveToken so the durable state never lags the
// signed chain.
func (tc *TokenChannel) Snapshot() *Snapshot {
	snap := &Snapshot{
		Status:           tc.status,
		Outgoing:         tc.outgoing,
		LastIncoming:     tc.lastIncoming,
		LocalResetTerms:  tc.localResetTerms,
		RemoteResetTerms: tc.remoteResetTerms,
		MoveTokenCounter: tc.moveTokenCounter,
	}

	for currency := range tc.localCurrencies {
		snap.LocalCurrencies = append(snap.LocalCurrencies, currency)
	}
	for currency := range tc.remoteCurrencies {
		snap.RemoteCurrencies = append(snap.RemoteCurrencies, currency)
	}
	sortCurrencies(snap.LocalCurrencies)
	sortCurrencies(snap.RemoteCurrencies)

	for _, currency := range tc.Currencies() {
		mc := tc.mutualCredits[currency]
		snap.Credits = append(snap.Credits, CreditSnapshot{
			Currency:      currency,
			Balance:       mc.Balance(),
			LocalPending:  mc.LocalPending(),
			RemotePending: mc.RemotePending(),
		})
	}
	return snap
}

// NewFromSnapshot rebuilds a token channel from persisted state.
func NewFromSnapshot(localPK, remotePK crypto.PublicKey,
	snap *Snapshot) (*TokenChannel, error) {

	tc := &TokenChannel{
		localPK:          localPK,
		remotePK:         remotePK,
		status:           snap.Status,
		outgoing:         snap.Outgoing,
		lastIncoming:     snap.LastIncoming,
		localResetTerms:  snap.LocalResetTerms,
		remoteResetTerms: snap.RemoteResetTerms,
		moveTokenCounter: snap.MoveTokenCounter,
		mutualCredits:    make(map[cswire.Currency]*mutualcredit.MutualCredit),
		localCurrencies:  make(map[cswire.Currency]struct{}),
		remoteCurrencies: make(map[cswire.Currency]struct{}),
	}

	switch snap.Status {
	case StatusConsistentIn:
		if snap.LastIncoming == nil {
			return nil, fmt.Errorf("consistent-in snapshot " +
				"without last incoming move token")
		}
	case StatusConsistentOut:
		if snap.Outgoing == nil {
			return nil, fmt.Errorf("consistent-out snapshot " +
				"without outgoing move token")
		}
	case StatusInconsistent:
		if snap.LocalResetTerms == nil {
			return nil, fmt.Errorf("inconsistent snapshot " +
				"without local reset terms")
		}
	default:
		return nil, fmt.Errorf("unknown snapshot status %v",
			snap.Status)
	}

	for _, currency := range snap.LocalCurrencies {
		tc.localCurrencies[currency] = struct{}{}
	}
	for _, currency := range snap.RemoteCurrencies {
		tc.remoteCurrencies[currency] = struct{}{}
	}
	for i := range snap.Credits {
		credit := &snap.Credits[i]
		mc, err := mutualcredit.Restore(credit.Currency,
			credit.Balance, credit.LocalPending,
			credit.RemotePending)
		if err != nil {
			return nil, err
		}
		tc.mutualCredits[credit.Currency] = mc
	}
	return tc, nil
}

func sortCurrencies(currencies []cswire.Currency) {
	sort.Slice(currencies, func(i, j int) bool {
		return currencies[i] < currencies[j]
	})
}
