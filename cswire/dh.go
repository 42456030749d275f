package cswire

import (
	"bytes"
	"fmt"

	"github.com/realcr/cswitch/crypto"
)

// The secure channel speaks its own small message family underneath the
// friend-level messages. These are framed directly by the transport's
// length prefix, so they carry a single byte discriminant where needed
// rather than the 2-byte message type header.

// MaxRandPadding is the maximum number of random padding bytes a
// ChannelMessage may carry.
const MaxRandPadding = 32

// ExchangeRandNonce is the first handshake message: each side announces its
// identity public key together with a fresh nonce the peer must echo inside
// its signed ExchangeDh.
type ExchangeRandNonce struct {
	RandNonce crypto.RandValue
	PublicKey crypto.PublicKey
}

// SerializeExchangeRandNonce encodes the message into a fresh byte slice.
func SerializeExchangeRandNonce(m *ExchangeRandNonce) []byte {
	var b bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = writeElements(&b, m.RandNonce, m.PublicKey)
	return b.Bytes()
}

// DeserializeExchangeRandNonce parses an ExchangeRandNonce from data.
func DeserializeExchangeRandNonce(data []byte) (*ExchangeRandNonce, error) {
	r := bytes.NewReader(data)
	m := &ExchangeRandNonce{}
	if err := readElements(r, &m.RandNonce, &m.PublicKey); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}

// ExchangeDh is the second handshake message: an ephemeral x25519 key and a
// key derivation salt, bound to the sender's identity by a signature that
// also covers the nonce received in step one.
type ExchangeDh struct {
	DhPublicKey crypto.DhPublicKey
	RandNonce   crypto.RandValue
	KeySalt     crypto.Salt
	Signature   crypto.Signature
}

// SigMessage returns the byte buffer the sender signs.
func (m *ExchangeDh) SigMessage() []byte {
	var b bytes.Buffer
	_ = writeElements(&b, m.DhPublicKey, m.RandNonce, m.KeySalt)
	return b.Bytes()
}

// SerializeExchangeDh encodes the message into a fresh byte slice.
func SerializeExchangeDh(m *ExchangeDh) []byte {
	var b bytes.Buffer
	_ = writeElements(&b, m.DhPublicKey, m.RandNonce, m.KeySalt,
		m.Signature)
	return b.Bytes()
}

// DeserializeExchangeDh parses an ExchangeDh from data.
func DeserializeExchangeDh(data []byte) (*ExchangeDh, error) {
	r := bytes.NewReader(data)
	m := &ExchangeDh{}
	err := readElements(r, &m.DhPublicKey, &m.RandNonce, &m.KeySalt,
		&m.Signature)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}

// Rekey proposes a fresh key schedule for an established channel.
type Rekey struct {
	DhPublicKey crypto.DhPublicKey
	KeySalt     crypto.Salt
}

// channelContentType discriminates the payload of a ChannelMessage.
type channelContentType uint8

const (
	contentUser  channelContentType = 0
	contentRekey channelContentType = 1
)

// ChannelMessage is the plaintext of every post-handshake frame: random
// padding followed by either user bytes or a rekey proposal.
type ChannelMessage struct {
	RandPadding []byte

	// Exactly one of User and Rekey is set. User is considered set when
	// Rekey is nil; an empty user payload is valid.
	User  []byte
	Rekey *Rekey
}

// SerializeChannelMessage encodes the message into a fresh byte slice.
func SerializeChannelMessage(m *ChannelMessage) ([]byte, error) {
	if len(m.RandPadding) > MaxRandPadding {
		return nil, fmt.Errorf("rand padding too long: %d",
			len(m.RandPadding))
	}

	var b bytes.Buffer
	if err := writeElement(&b, m.RandPadding); err != nil {
		return nil, err
	}
	if m.Rekey != nil {
		err := writeElements(&b, uint8(contentRekey),
			m.Rekey.DhPublicKey, m.Rekey.KeySalt)
		if err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}
	if err := writeElements(&b, uint8(contentUser), m.User); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DeserializeChannelMessage parses a ChannelMessage from data.
func DeserializeChannelMessage(data []byte) (*ChannelMessage, error) {
	r := bytes.NewReader(data)
	m := &ChannelMessage{}
	var contentType uint8
	if err := readElements(r, &m.RandPadding, &contentType); err != nil {
		return nil, err
	}
	if len(m.RandPadding) > MaxRandPadding {
		return nil, fmt.Errorf("rand padding too long: %d",
			len(m.RandPadding))
	}

	switch channelContentType(contentType) {
	case contentUser:
		if err := readElement(r, &m.User); err != nil {
			return nil, err
		}
	case contentRekey:
		m.Rekey = &Rekey{}
		err := readElements(r, &m.Rekey.DhPublicKey, &m.Rekey.KeySalt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown channel content type: %d",
			contentType)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}
