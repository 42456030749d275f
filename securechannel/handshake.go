package securechannel

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

// hkdfInfo is the domain separation label of the channel key derivation.
var hkdfInfo = []byte("cswitch-secure-channel")

// genEphemeral draws a fresh x25519 key pair.
func genEphemeral() (priv []byte, pub crypto.DhPublicKey, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, pub, err
	}
	pubBytes, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// deriveKey stretches the shared secret into one directional channel key.
// Each direction uses the salt chosen by its sender, which is what makes
// the two directions differ.
func deriveKey(secret []byte, salt crypto.Salt) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	h := hkdf.New(sha256.New, secret, salt[:], hkdfInfo)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Handshake runs the mutual authentication protocol over conn and returns
// the established secure channel. If expectedRemote is non-nil the peer
// must prove ownership of exactly that key.
//
// Both sides run the same sequence: send, then receive, for each of the
// two handshake messages.
func Handshake(conn net.Conn, identity *crypto.Identity,
	expectedRemote *crypto.PublicKey) (*Conn, error) {

	// Step 1: exchange identities and fresh nonces.
	localNonce, err := crypto.GenRandValue(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonceMsg := &cswire.ExchangeRandNonce{
		RandNonce: localNonce,
		PublicKey: identity.PublicKey(),
	}
	if err := writeFrame(conn, cswire.SerializeExchangeRandNonce(nonceMsg)); err != nil {
		return nil, err
	}

	rawPeerNonce, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	peerNonceMsg, err := cswire.DeserializeExchangeRandNonce(rawPeerNonce)
	if err != nil {
		return nil, err
	}
	if expectedRemote != nil && peerNonceMsg.PublicKey != *expectedRemote {
		return nil, fmt.Errorf("unexpected peer identity %v",
			peerNonceMsg.PublicKey)
	}
	if peerNonceMsg.PublicKey == identity.PublicKey() {
		return nil, fmt.Errorf("peer claims our own identity")
	}

	// Step 2: exchange signed ephemeral keys, echoing the peer's nonce
	// so neither side can replay an old handshake.
	localPriv, localDhPub, err := genEphemeral()
	if err != nil {
		return nil, err
	}
	localSalt, err := crypto.GenSalt(rand.Reader)
	if err != nil {
		return nil, err
	}
	dhMsg := &cswire.ExchangeDh{
		DhPublicKey: localDhPub,
		RandNonce:   peerNonceMsg.RandNonce,
		KeySalt:     localSalt,
	}
	dhMsg.Signature = identity.Sign(dhMsg.SigMessage())
	if err := writeFrame(conn, cswire.SerializeExchangeDh(dhMsg)); err != nil {
		return nil, err
	}

	rawPeerDh, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	peerDhMsg, err := cswire.DeserializeExchangeDh(rawPeerDh)
	if err != nil {
		return nil, err
	}
	if peerDhMsg.RandNonce != localNonce {
		return nil, fmt.Errorf("peer echoed a wrong nonce")
	}
	if !crypto.Verify(peerDhMsg.SigMessage(), peerNonceMsg.PublicKey,
		peerDhMsg.Signature) {

		return nil, fmt.Errorf("invalid handshake signature from %v",
			peerNonceMsg.PublicKey)
	}

	// Derive the two directional keys from the shared secret.
	secret, err := curve25519.X25519(localPriv, peerDhMsg.DhPublicKey[:])
	if err != nil {
		return nil, err
	}
	sendKey, err := deriveKey(secret, localSalt)
	if err != nil {
		return nil, err
	}
	recvKey, err := deriveKey(secret, peerDhMsg.KeySalt)
	if err != nil {
		return nil, err
	}
	sendCipher, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvCipher, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	log.Debugf("secure channel established with %v",
		peerNonceMsg.PublicKey)

	return &Conn{
		conn:       conn,
		localPK:    identity.PublicKey(),
		remotePK:   peerNonceMsg.PublicKey,
		sendCipher: sendCipher,
		recvCipher: recvCipher,
		closed:     make(chan struct{}),
	}, nil
}

// Rekey proposes a fresh key schedule right away, ahead of the automatic
// interval. User sends park until the peer answers with its matching
// rekey.
func (c *Conn) Rekey() error {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()
	return c.initRekeyLocked()
}

// initRekeyLocked proposes a fresh key schedule. The caller must hold
// sendMtx. User sends park until the peer's matching rekey arrives.
func (c *Conn) initRekeyLocked() error {
	if c.pendingPriv != nil {
		return nil
	}

	priv, dhPub, err := genEphemeral()
	if err != nil {
		return err
	}
	salt, err := crypto.GenSalt(rand.Reader)
	if err != nil {
		return err
	}
	padding, err := randPadding()
	if err != nil {
		return err
	}

	chanMsg := &cswire.ChannelMessage{
		RandPadding: padding,
		Rekey: &cswire.Rekey{
			DhPublicKey: dhPub,
			KeySalt:     salt,
		},
	}
	if err := c.sendChannelMessage(chanMsg); err != nil {
		return err
	}

	c.pendingPriv = priv
	c.pendingSalt = salt
	c.rekeyDone = make(chan struct{})

	log.Debugf("conn(%v): proposed rekey", c.remotePK)
	return nil
}

// handleRekey processes the peer's rekey message. If we have no proposal
// in flight, a matching one is sent first; then both directions switch to
// the fresh schedule and the nonce counters restart.
func (c *Conn) handleRekey(rekey *cswire.Rekey) error {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	if c.pendingPriv == nil {
		if err := c.initRekeyLocked(); err != nil {
			return err
		}
	}

	secret, err := curve25519.X25519(c.pendingPriv, rekey.DhPublicKey[:])
	if err != nil {
		return err
	}
	sendKey, err := deriveKey(secret, c.pendingSalt)
	if err != nil {
		return err
	}
	recvKey, err := deriveKey(secret, rekey.KeySalt)
	if err != nil {
		return err
	}
	sendCipher, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return err
	}
	recvCipher, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return err
	}

	c.sendCipher = sendCipher
	c.sendCounter = 0
	c.sendCount = 0
	c.recvCipher = recvCipher
	c.recvCounter = 0

	c.pendingPriv = nil
	close(c.rekeyDone)

	log.Debugf("conn(%v): rekey complete", c.remotePK)
	return nil
}
