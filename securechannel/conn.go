package securechannel

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
)

const (
	// maxFrameSize is the largest encrypted frame accepted off the
	// wire. It leaves headroom above the largest user message for
	// padding and the AEAD tag.
	maxFrameSize = cswire.MaxMessagePayload + 1024

	// rekeyInterval is the number of outbound frames after which a
	// fresh key schedule is proposed.
	rekeyInterval = 1000

	// maxPadding is the number of random padding bytes added to each
	// frame, drawn uniformly from [0, maxPadding].
	maxPadding = 16
)

// ErrConnClosed is returned on use of a closed connection.
var ErrConnClosed = fmt.Errorf("secure channel closed")

// Conn is an authenticated, encrypted framed byte stream between two known
// public keys. Each direction runs its own ChaCha20-Poly1305 key and nonce
// counter; the key schedule is refreshed periodically via the rekey
// protocol.
//
// SendMessage is safe for concurrent use. ReceiveMessage must be called
// from a single reader goroutine.
type Conn struct {
	conn net.Conn

	localPK  crypto.PublicKey
	remotePK crypto.PublicKey

	// sendMtx guards the outbound cipher state and the pending rekey.
	sendMtx     sync.Mutex
	sendCipher  cipher.AEAD
	sendCounter uint64
	sendCount   uint64

	// pendingPriv and pendingSalt hold our half of an in-flight rekey.
	// While a rekey is pending, user sends park on rekeyDone.
	pendingPriv []byte
	pendingSalt crypto.Salt
	rekeyDone   chan struct{}

	// Inbound cipher state, owned by the reader goroutine.
	recvCipher  cipher.AEAD
	recvCounter uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// RemotePublicKey returns the authenticated identity of the peer.
func (c *Conn) RemotePublicKey() crypto.PublicKey {
	return c.remotePK
}

// writeFrame writes a single length-prefixed frame.
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(frame))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// readFrame reads a single length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(header[:])
	if frameLen > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// nonceFor builds the 12 byte AEAD nonce of a frame counter.
func nonceFor(counter uint64) []byte {
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce[:]
}

// randPadding draws 0 to maxPadding random bytes.
func randPadding() ([]byte, error) {
	var l [1]byte
	if _, err := rand.Read(l[:]); err != nil {
		return nil, err
	}
	padding := make([]byte, int(l[0])%(maxPadding+1))
	if _, err := rand.Read(padding); err != nil {
		return nil, err
	}
	return padding, nil
}

// sendChannelMessage encrypts and writes a ChannelMessage under the
// current outbound key. The caller must hold sendMtx.
func (c *Conn) sendChannelMessage(chanMsg *cswire.ChannelMessage) error {
	plain, err := cswire.SerializeChannelMessage(chanMsg)
	if err != nil {
		return err
	}
	frame := c.sendCipher.Seal(nil, nonceFor(c.sendCounter), plain, nil)
	c.sendCounter++
	return writeFrame(c.conn, frame)
}

// SendMessage encrypts and sends a user payload. If a rekey is in flight,
// the send parks until the fresh key schedule is active, so no user frame
// is ever sent under a key the peer has already abandoned.
func (c *Conn) SendMessage(b []byte) error {
	for {
		select {
		case <-c.closed:
			return ErrConnClosed
		default:
		}

		c.sendMtx.Lock()
		if c.pendingPriv == nil {
			break
		}
		done := c.rekeyDone
		c.sendMtx.Unlock()

		select {
		case <-done:
		case <-c.closed:
			return ErrConnClosed
		}
	}
	defer c.sendMtx.Unlock()

	padding, err := randPadding()
	if err != nil {
		return err
	}
	chanMsg := &cswire.ChannelMessage{
		RandPadding: padding,
		User:        b,
	}
	if err := c.sendChannelMessage(chanMsg); err != nil {
		return err
	}

	c.sendCount++
	if c.sendCount >= rekeyInterval {
		if err := c.initRekeyLocked(); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveMessage reads frames until the next user payload, transparently
// handling rekey proposals. Any authentication or schema failure closes
// the stream.
func (c *Conn) ReceiveMessage() ([]byte, error) {
	for {
		select {
		case <-c.closed:
			return nil, ErrConnClosed
		default:
		}

		frame, err := readFrame(c.conn)
		if err != nil {
			c.Close()
			return nil, err
		}

		plain, err := c.recvCipher.Open(nil,
			nonceFor(c.recvCounter), frame, nil)
		if err != nil {
			log.Warnf("conn(%v): frame decryption failed: %v",
				c.remotePK, err)
			c.Close()
			return nil, err
		}
		c.recvCounter++

		chanMsg, err := cswire.DeserializeChannelMessage(plain)
		if err != nil {
			log.Warnf("conn(%v): bad channel message: %v",
				c.remotePK, err)
			c.Close()
			return nil, err
		}

		if chanMsg.Rekey != nil {
			if err := c.handleRekey(chanMsg.Rekey); err != nil {
				c.Close()
				return nil, err
			}
			continue
		}

		return chanMsg.User, nil
	}
}

// Close tears down the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}
