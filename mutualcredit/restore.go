package mutualcredit

import (
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// Restore rebuilds a ledger from persisted state. The state is trusted as
// already validated when it was first applied, so no invariant checks run
// here.
func Restore(currency cswire.Currency, balance McBalance,
	localPending, remotePending []*PendingTransaction) (*MutualCredit, error) {

	mc := &MutualCredit{
		currency:      currency,
		balance:       balance.Copy(),
		localPending:  make(map[crypto.Uid]*PendingTransaction),
		remotePending: make(map[crypto.Uid]*PendingTransaction),
	}
	for _, pt := range localPending {
		if _, ok := mc.localPending[pt.RequestID]; ok {
			return nil, ErrPendingTransactionExists
		}
		mc.localPending[pt.RequestID] = pt.Copy()
	}
	for _, pt := range remotePending {
		if _, ok := mc.remotePending[pt.RequestID]; ok {
			return nil, ErrPendingTransactionExists
		}
		mc.remotePending[pt.RequestID] = pt.Copy()
	}
	return mc, nil
}
