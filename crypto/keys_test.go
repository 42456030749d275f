package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestComparePublicKey(t *testing.T) {
	t.Parallel()

	var low, high PublicKey
	low[0] = 0x01
	high[0] = 0x02

	if ComparePublicKey(low, high) != -1 {
		t.Fatalf("expected low < high")
	}
	if ComparePublicKey(high, low) != 1 {
		t.Fatalf("expected high > low")
	}
	if ComparePublicKey(low, low) != 0 {
		t.Fatalf("expected low == low")
	}
}

func TestIdentitySignVerify(t *testing.T) {
	t.Parallel()

	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}

	msg := []byte("move token chain head")
	sig := id.Sign(msg)

	if !Verify(msg, id.PublicKey(), sig) {
		t.Fatalf("signature should verify")
	}

	// Flipping a bit in the message must invalidate the signature.
	msg[0] ^= 0x01
	if Verify(msg, id.PublicKey(), sig) {
		t.Fatalf("signature over modified message should not verify")
	}
}

func TestIdentityFromSeed(t *testing.T) {
	t.Parallel()

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("unable to read seed: %v", err)
	}

	id1, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("unable to derive identity: %v", err)
	}
	id2, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("unable to derive identity: %v", err)
	}

	if id1.PublicKey() != id2.PublicKey() {
		t.Fatalf("derivation from the same seed should be " +
			"deterministic")
	}
	if !bytes.Equal(id1.Seed(), seed) {
		t.Fatalf("seed should round-trip")
	}

	if _, err := IdentityFromSeed(seed[:16]); err == nil {
		t.Fatalf("short seed should be rejected")
	}
}

func TestHashBuffer(t *testing.T) {
	t.Parallel()

	h1 := HashBuffer([]byte("abc"))
	h2 := HashBuffer([]byte("ab"), []byte("c"))
	if h1 != h2 {
		t.Fatalf("hash should only depend on concatenated input")
	}

	h3 := HashBuffer([]byte("abd"))
	if h1 == h3 {
		t.Fatalf("distinct inputs should not collide")
	}
}
