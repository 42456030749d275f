package cswire

import (
	"encoding/binary"
	"fmt"

	"github.com/realcr/cswitch/crypto"
)

// MaxCurrencyLen is the maximum length in bytes of a currency identifier.
const MaxCurrencyLen = 16

// Currency is a short opaque identifier binding a mutual credit instance to
// the unit of value it accounts in.
type Currency string

func (c Currency) validate() error {
	if len(c) == 0 {
		return fmt.Errorf("currency must not be empty")
	}
	if len(c) > MaxCurrencyLen {
		return fmt.Errorf("currency too long: %d bytes", len(c))
	}
	return nil
}

// RelayAddress is the opaque network address of a relay server, in
// "host:port" form. The core treats it as an identifier; resolution
// happens at dial time.
type RelayAddress string

// Route is the ordered list of nodes a payment request travels through,
// source and destination included.
type Route []crypto.PublicKey

// Hash returns the protocol hash of the route, as embedded in response and
// failure signature buffers.
func (r Route) Hash() crypto.HashResult {
	buf := make([]byte, 0, 8+len(r)*crypto.PublicKeyLen)
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(r)))
	buf = append(buf, l[:]...)
	for _, pk := range r {
		buf = append(buf, pk[:]...)
	}
	return crypto.HashBuffer(buf)
}

// Index returns the position of pk on the route, or -1 if pk does not
// appear.
func (r Route) Index(pk crypto.PublicKey) int {
	for i, hop := range r {
		if hop == pk {
			return i
		}
	}
	return -1
}
