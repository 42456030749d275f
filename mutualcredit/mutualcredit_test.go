package mutualcredit

import (
	"math/big"
	"testing"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

func testRequest(id byte, destPayment, leftFees int64) *cswire.RequestSendFunds {
	var requestID crypto.Uid
	requestID[0] = id
	return &cswire.RequestSendFunds{
		RequestID: requestID,
		Route: cswire.Route{
			crypto.PublicKey{0xaa}, crypto.PublicKey{0xbb},
		},
		DestPayment: big.NewInt(destPayment),
		InvoiceID:   crypto.InvoiceID{0x11},
		LeftFees:    big.NewInt(leftFees),
	}
}

func TestOutgoingRequestResponseCycle(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetLocalMaxDebt(big.NewInt(1000)); err != nil {
		t.Fatalf("unable to set local max debt: %v", err)
	}

	req := testRequest(1, 100, 10)
	if err := mc.ApplyOutgoingRequest(req); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}

	balance := mc.Balance()
	if balance.LocalPendingDebt.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("expected local pending debt 110, got %v",
			balance.LocalPendingDebt)
	}
	if mc.NumLocalPending() != 1 {
		t.Fatalf("expected one local pending transaction")
	}

	// A duplicate request id must be rejected.
	if err := mc.ApplyOutgoingRequest(req); err != ErrPendingTransactionExists {
		t.Fatalf("expected ErrPendingTransactionExists, got %v", err)
	}

	resp := &cswire.ResponseSendFunds{RequestID: req.RequestID}
	pt, err := mc.ApplyIncomingResponse(resp)
	if err != nil {
		t.Fatalf("unable to apply response: %v", err)
	}
	if pt.DestPayment.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("wrong pending transaction returned")
	}

	balance = mc.Balance()
	if balance.LocalPendingDebt.Sign() != 0 {
		t.Fatalf("pending debt should be released")
	}
	if balance.Balance.Cmp(big.NewInt(-110)) != 0 {
		t.Fatalf("expected balance -110, got %v", balance.Balance)
	}
	if balance.OutFees.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected out fees 10, got %v", balance.OutFees)
	}
	if mc.NumLocalPending() != 0 {
		t.Fatalf("pending transaction should be removed")
	}

	// A second response for the same request must fail.
	if _, err := mc.ApplyIncomingResponse(resp); err != ErrPendingTransactionNotFound {
		t.Fatalf("expected ErrPendingTransactionNotFound, got %v", err)
	}
}

func TestIncomingRequestFailureCycle(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetRemoteMaxDebt(big.NewInt(500)); err != nil {
		t.Fatalf("unable to set remote max debt: %v", err)
	}

	req := testRequest(2, 200, 50)
	if err := mc.ApplyIncomingRequest(req); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}

	balance := mc.Balance()
	if balance.RemotePendingDebt.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected remote pending debt 250, got %v",
			balance.RemotePendingDebt)
	}

	fail := &cswire.FailureSendFunds{
		RequestID:          req.RequestID,
		ReportingPublicKey: crypto.PublicKey{0xbb},
	}
	if _, err := mc.ApplyOutgoingFailure(fail); err != nil {
		t.Fatalf("unable to apply failure: %v", err)
	}

	// A failure releases the frozen amount without moving value.
	balance = mc.Balance()
	if balance.RemotePendingDebt.Sign() != 0 {
		t.Fatalf("pending debt should be released")
	}
	if balance.Balance.Sign() != 0 {
		t.Fatalf("failure should not move value")
	}
	if mc.NumRemotePending() != 0 {
		t.Fatalf("pending transaction should be removed")
	}
}

func TestRequestExceedingTrustRejected(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetRemoteMaxDebt(big.NewInt(100)); err != nil {
		t.Fatalf("unable to set remote max debt: %v", err)
	}

	req := testRequest(3, 100, 1)
	if err := mc.ApplyIncomingRequest(req); err != ErrInsufficientTrust {
		t.Fatalf("expected ErrInsufficientTrust, got %v", err)
	}

	// The rejected request must leave no trace.
	balance := mc.Balance()
	if balance.RemotePendingDebt.Sign() != 0 {
		t.Fatalf("rejected request should not freeze credit")
	}
	if mc.NumRemotePending() != 0 {
		t.Fatalf("rejected request should not be recorded")
	}
}

func TestShrinkingMaxDebtBelowExposureRejected(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetLocalMaxDebt(big.NewInt(1000)); err != nil {
		t.Fatalf("unable to set local max debt: %v", err)
	}
	if err := mc.ApplyOutgoingRequest(testRequest(4, 300, 0)); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}

	if err := mc.SetLocalMaxDebt(big.NewInt(100)); err != ErrInsufficientTrust {
		t.Fatalf("expected ErrInsufficientTrust, got %v", err)
	}

	// The failed update must not stick.
	if mc.Balance().LocalMaxDebt.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("failed update should leave max debt unchanged")
	}
}

func TestFeesMonotone(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetInFees(big.NewInt(50)); err != nil {
		t.Fatalf("unable to set in fees: %v", err)
	}
	if err := mc.SetInFees(big.NewInt(49)); err != ErrFeesDecreased {
		t.Fatalf("expected ErrFeesDecreased, got %v", err)
	}
	if err := mc.SetOutFees(big.NewInt(10)); err != nil {
		t.Fatalf("unable to set out fees: %v", err)
	}
	if err := mc.SetOutFees(big.NewInt(9)); err != ErrFeesDecreased {
		t.Fatalf("expected ErrFeesDecreased, got %v", err)
	}
}

func TestIsIdle(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if !mc.IsIdle() {
		t.Fatalf("fresh ledger should be idle")
	}

	mc.SetBalance(big.NewInt(5))
	if mc.IsIdle() {
		t.Fatalf("non-zero balance should not be idle")
	}

	mc.SetBalance(big.NewInt(0))
	if err := mc.SetRemoteMaxDebt(big.NewInt(100)); err != nil {
		t.Fatalf("unable to set remote max debt: %v", err)
	}
	if err := mc.ApplyIncomingRequest(testRequest(5, 10, 0)); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}
	if mc.IsIdle() {
		t.Fatalf("pending transactions should not be idle")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	t.Parallel()

	mc := New("FST", big.NewInt(0))
	if err := mc.SetLocalMaxDebt(big.NewInt(1000)); err != nil {
		t.Fatalf("unable to set local max debt: %v", err)
	}
	if err := mc.ApplyOutgoingRequest(testRequest(6, 100, 0)); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}

	cp := mc.Copy()
	resp := &cswire.ResponseSendFunds{
		RequestID: testRequest(6, 100, 0).RequestID,
	}
	if _, err := cp.ApplyIncomingResponse(resp); err != nil {
		t.Fatalf("unable to apply response to copy: %v", err)
	}

	// The original must be untouched.
	if mc.NumLocalPending() != 1 {
		t.Fatalf("copy mutation leaked into the original")
	}
	if mc.Balance().Balance.Sign() != 0 {
		t.Fatalf("copy mutation leaked into the original balance")
	}
}
