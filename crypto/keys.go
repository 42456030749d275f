package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// PublicKeyLen is the length in bytes of a node identity public key.
	PublicKeyLen = 32

	// SignatureLen is the length in bytes of an ed25519 signature.
	SignatureLen = 64

	// RandValueLen is the length in bytes of a random nonce value.
	RandValueLen = 16

	// SaltLen is the length in bytes of a key derivation salt.
	SaltLen = 32

	// DhPublicKeyLen is the length in bytes of an ephemeral x25519
	// public key.
	DhPublicKeyLen = 32

	// UidLen is the length in bytes of a request id.
	UidLen = 16

	// InvoiceIDLen is the length in bytes of an invoice id.
	InvoiceIDLen = 32
)

// PublicKey is the long-term identity of a node. The byte ordering of public
// keys is meaningful: it is used to break symmetry when two nodes must agree
// on their roles without communicating.
type PublicKey [PublicKeyLen]byte

// Signature is a detached ed25519 signature.
type Signature [SignatureLen]byte

// RandValue is a random nonce exchanged during handshakes and embedded in
// signed payloads to prevent replay.
type RandValue [RandValueLen]byte

// Salt is a key derivation salt.
type Salt [SaltLen]byte

// DhPublicKey is an ephemeral x25519 public key.
type DhPublicKey [DhPublicKeyLen]byte

// Uid identifies a single payment request along its whole route.
type Uid [UidLen]byte

// InvoiceID identifies the invoice a payment settles.
type InvoiceID [InvoiceIDLen]byte

// String returns the hex encoding of the public key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// String returns the hex encoding of the uid.
func (u Uid) String() string {
	return hex.EncodeToString(u[:])
}

// ComparePublicKey imposes a total order over public keys. It returns -1, 0
// or 1 following the semantics of bytes.Compare.
func ComparePublicKey(a, b PublicKey) int {
	return bytes.Compare(a[:], b[:])
}

// GenRandValue draws a fresh random nonce from r.
func GenRandValue(r io.Reader) (RandValue, error) {
	var rv RandValue
	if _, err := io.ReadFull(r, rv[:]); err != nil {
		return rv, err
	}
	return rv, nil
}

// GenUid draws a fresh request id from r.
func GenUid(r io.Reader) (Uid, error) {
	var uid Uid
	if _, err := io.ReadFull(r, uid[:]); err != nil {
		return uid, err
	}
	return uid, nil
}

// GenSalt draws a fresh key derivation salt from r.
func GenSalt(r io.Reader) (Salt, error) {
	var salt Salt
	if _, err := io.ReadFull(r, salt[:]); err != nil {
		return salt, err
	}
	return salt, nil
}

// Identity holds a node's long-term signing key.
type Identity struct {
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh identity key.
func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

// IdentityFromSeed deterministically derives an identity from a 32-byte
// seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, want %d",
			len(seed), ed25519.SeedSize)
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns the 32-byte seed the identity was derived from.
func (id *Identity) Seed() []byte {
	return id.priv.Seed()
}

// PublicKey returns the identity's public key.
func (id *Identity) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], id.priv.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs message with the identity key.
func (id *Identity) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(id.priv, message))
	return sig
}

// Verify reports whether sig is a valid signature of message under pk.
func Verify(message []byte, pk PublicKey, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}
