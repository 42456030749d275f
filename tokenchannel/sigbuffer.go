package tokenchannel

import (
	"bytes"
	"fmt"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
)

// The byte layouts below are compatibility critical: every node on a route
// must produce the exact same buffers to verify the destination's response
// signature and a failure reporter's signature.

var (
	fundSuccessPrefix = []byte("FUND_SUCCESS")
	fundFailurePrefix = []byte("FUND_FAILURE")
)

// CreateResponseSignatureBuffer builds the buffer the payment destination
// signs when settling a request. The buffer mixes fields of the response
// with fields of the original request, so any hop holding the pending
// transaction can verify it:
//
//	H("FUND_SUCCESS") ‖ H(request_id ‖ route_hash ‖ rand_nonce) ‖
//	dest_payment ‖ invoice_id
func CreateResponseSignatureBuffer(response *cswire.ResponseSendFunds,
	pending *mutualcredit.PendingTransaction) ([]byte, error) {

	var sbuf bytes.Buffer

	prefix := crypto.HashBuffer(fundSuccessPrefix)
	sbuf.Write(prefix[:])

	routeHash := pending.Route.Hash()
	var inner bytes.Buffer
	inner.Write(pending.RequestID[:])
	inner.Write(routeHash[:])
	inner.Write(response.RandNonce[:])
	innerHash := crypto.HashBuffer(inner.Bytes())
	sbuf.Write(innerHash[:])

	if err := cswire.WriteUint128(&sbuf, pending.DestPayment); err != nil {
		return nil, err
	}
	sbuf.Write(pending.InvoiceID[:])

	return sbuf.Bytes(), nil
}

// CreateFailureSignatureBuffer builds the buffer a failure reporter signs
// when cancelling a request:
//
//	H("FUND_FAILURE") ‖ request_id ‖ route_hash ‖ dest_payment ‖
//	invoice_id ‖ reporting_public_key ‖ rand_nonce
func CreateFailureSignatureBuffer(failure *cswire.FailureSendFunds,
	pending *mutualcredit.PendingTransaction) ([]byte, error) {

	var sbuf bytes.Buffer

	prefix := crypto.HashBuffer(fundFailurePrefix)
	sbuf.Write(prefix[:])
	sbuf.Write(pending.RequestID[:])

	routeHash := pending.Route.Hash()
	sbuf.Write(routeHash[:])

	if err := cswire.WriteUint128(&sbuf, pending.DestPayment); err != nil {
		return nil, err
	}
	sbuf.Write(pending.InvoiceID[:])
	sbuf.Write(failure.ReportingPublicKey[:])
	sbuf.Write(failure.RandNonce[:])

	return sbuf.Bytes(), nil
}

// VerifyResponseSignature checks the destination's signature over a
// response against the recorded pending transaction. The signer is the
// last hop of the route.
func VerifyResponseSignature(response *cswire.ResponseSendFunds,
	pending *mutualcredit.PendingTransaction) error {

	if len(pending.Route) == 0 {
		return fmt.Errorf("pending transaction has an empty route")
	}
	destPK := pending.Route[len(pending.Route)-1]

	sbuf, err := CreateResponseSignatureBuffer(response, pending)
	if err != nil {
		return err
	}
	if !crypto.Verify(sbuf, destPK, response.Signature) {
		return fmt.Errorf("invalid response signature")
	}
	return nil
}

// VerifyFailureSignature checks a failure reporter's signature against the
// recorded pending transaction. The reporter must appear on the route.
func VerifyFailureSignature(failure *cswire.FailureSendFunds,
	pending *mutualcredit.PendingTransaction) error {

	if pending.Route.Index(failure.ReportingPublicKey) < 0 {
		return fmt.Errorf("reporting node %v is not on the route",
			failure.ReportingPublicKey)
	}

	sbuf, err := CreateFailureSignatureBuffer(failure, pending)
	if err != nil {
		return err
	}
	if !crypto.Verify(sbuf, failure.ReportingPublicKey,
		failure.Signature) {

		return fmt.Errorf("invalid failure signature")
	}
	return nil
}
