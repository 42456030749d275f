package securechannel

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/realcr/cswitch/crypto"
)

// connectTestPair establishes a secure channel over a loopback TCP
// connection and returns both ends.
func connectTestPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	clientID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}
	serverID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	type serverResult struct {
		conn *Conn
		err  error
	}
	serverChan := make(chan serverResult, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			serverChan <- serverResult{err: err}
			return
		}
		conn, err := Handshake(raw, serverID, nil)
		serverChan <- serverResult{conn: conn, err: err}
	}()

	raw, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	serverPK := serverID.PublicKey()
	client, err := Handshake(raw, clientID, &serverPK)
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	result := <-serverChan
	if result.err != nil {
		t.Fatalf("server handshake failed: %v", result.err)
	}

	if client.RemotePublicKey() != serverID.PublicKey() {
		t.Fatalf("client sees wrong server identity")
	}
	if result.conn.RemotePublicKey() != clientID.PublicKey() {
		t.Fatalf("server sees wrong client identity")
	}

	t.Cleanup(func() {
		client.Close()
		result.conn.Close()
	})
	return client, result.conn
}

func TestHandshakeAndUserTraffic(t *testing.T) {
	t.Parallel()

	client, server := connectTestPair(t)

	if err := client.SendMessage([]byte("ping")); err != nil {
		t.Fatalf("unable to send: %v", err)
	}
	b, err := server.ReceiveMessage()
	if err != nil {
		t.Fatalf("unable to receive: %v", err)
	}
	if !bytes.Equal(b, []byte("ping")) {
		t.Fatalf("unexpected payload: %q", b)
	}

	if err := server.SendMessage([]byte("pong")); err != nil {
		t.Fatalf("unable to send: %v", err)
	}
	b, err = client.ReceiveMessage()
	if err != nil {
		t.Fatalf("unable to receive: %v", err)
	}
	if !bytes.Equal(b, []byte("pong")) {
		t.Fatalf("unexpected payload: %q", b)
	}
}

func TestHandshakeRejectsUnexpectedPeer(t *testing.T) {
	t.Parallel()

	clientID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}
	serverID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	go func() {
		raw, err := listener.Accept()
		if err != nil {
			return
		}
		// The server side runs an honest handshake; it is the client
		// that expects somebody else.
		_, _ = Handshake(raw, serverID, nil)
	}()

	raw, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	defer raw.Close()

	wrongPK := clientID.PublicKey() // anyone but the server
	if _, err := Handshake(raw, clientID, &wrongPK); err == nil {
		t.Fatalf("handshake against the wrong identity should fail")
	}
}

func TestRekey(t *testing.T) {
	t.Parallel()

	client, server := connectTestPair(t)

	// Both readers must run so rekey proposals are serviced.
	clientRecv := make(chan []byte, 8)
	serverRecv := make(chan []byte, 8)
	go func() {
		for {
			b, err := client.ReceiveMessage()
			if err != nil {
				return
			}
			clientRecv <- b
		}
	}()
	go func() {
		for {
			b, err := server.ReceiveMessage()
			if err != nil {
				return
			}
			serverRecv <- b
		}
	}()

	if err := client.Rekey(); err != nil {
		t.Fatalf("unable to propose rekey: %v", err)
	}

	// Traffic flows in both directions under the fresh schedule.
	if err := client.SendMessage([]byte("after rekey")); err != nil {
		t.Fatalf("unable to send after rekey: %v", err)
	}
	select {
	case b := <-serverRecv:
		if !bytes.Equal(b, []byte("after rekey")) {
			t.Fatalf("unexpected payload: %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message did not survive the rekey")
	}

	if err := server.SendMessage([]byte("reverse")); err != nil {
		t.Fatalf("unable to send after rekey: %v", err)
	}
	select {
	case b := <-clientRecv:
		if !bytes.Equal(b, []byte("reverse")) {
			t.Fatalf("unexpected payload: %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message did not survive the rekey")
	}
}

func TestTamperedFrameClosesConn(t *testing.T) {
	t.Parallel()

	clientID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}
	serverID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	type serverResult struct {
		raw  net.Conn
		conn *Conn
		err  error
	}
	serverChan := make(chan serverResult, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			serverChan <- serverResult{err: err}
			return
		}
		conn, err := Handshake(raw, serverID, nil)
		serverChan <- serverResult{raw: raw, conn: conn, err: err}
	}()

	raw, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	client, err := Handshake(raw, clientID, nil)
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	defer client.Close()

	result := <-serverChan
	if result.err != nil {
		t.Fatalf("server handshake failed: %v", result.err)
	}
	defer result.conn.Close()

	// A garbage frame authenticates under no key: the receiver must
	// drop the stream.
	garbage := []byte{0x00, 0x00, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef}
	if _, err := result.raw.Write(garbage); err != nil {
		t.Fatalf("unable to inject garbage: %v", err)
	}

	if _, err := client.ReceiveMessage(); err == nil {
		t.Fatalf("tampered frame should fail the stream")
	}
}
