package cswire

import (
	"bytes"
	"fmt"
)

// kaMessageType discriminates the two keepalive frame kinds.
type kaMessageType uint8

const (
	kaKeepAlive kaMessageType = 0
	kaMessage   kaMessageType = 1
)

// KaMessage is a keepalive layer frame: either a bare heartbeat or a user
// message tunneled through.
type KaMessage struct {
	// KeepAlive marks a bare heartbeat frame. When false, Message holds
	// the tunneled user bytes.
	KeepAlive bool
	Message   []byte
}

// NewKaKeepAlive returns a bare heartbeat frame.
func NewKaKeepAlive() *KaMessage {
	return &KaMessage{KeepAlive: true}
}

// NewKaUserMessage returns a frame tunneling the given user bytes.
func NewKaUserMessage(message []byte) *KaMessage {
	return &KaMessage{Message: message}
}

// SerializeKaMessage encodes the keepalive frame into a fresh byte slice.
func SerializeKaMessage(m *KaMessage) ([]byte, error) {
	var b bytes.Buffer
	if m.KeepAlive {
		if len(m.Message) != 0 {
			return nil, fmt.Errorf("keepalive frame must not " +
				"carry a message")
		}
		if err := writeElement(&b, uint8(kaKeepAlive)); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}
	if err := writeElements(&b, uint8(kaMessage), m.Message); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DeserializeKaMessage parses a keepalive frame from data.
func DeserializeKaMessage(data []byte) (*KaMessage, error) {
	r := bytes.NewReader(data)
	var t uint8
	if err := readElement(r, &t); err != nil {
		return nil, err
	}

	m := &KaMessage{}
	switch kaMessageType(t) {
	case kaKeepAlive:
		m.KeepAlive = true
	case kaMessage:
		if err := readElement(r, &m.Message); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown keepalive frame type: %d", t)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}
