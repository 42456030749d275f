package cswire

// code derived from lnwire/message.go, itself derived from
// https://github.com/btcsuite/btcd/blob/master/wire/message.go

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessagePayload is the maximum bytes a message can be regardless of
// other individual limits imposed by messages themselves.
const MaxMessagePayload = 1024 * 1024 // 1MB

// MessageType is the unique 2 byte big-endian integer that indicates the
// type of message on the wire. Messages carry a simple 2-byte type header
// and no checksum, as they are always encapsulated within the
// authenticated+encrypted secure channel framing.
type MessageType uint16

// The currently defined message types.
const (
	MsgMoveToken          MessageType = 35
	MsgInconsistencyError MessageType = 36
)

// String returns a human readable description of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgMoveToken:
		return "MoveToken"
	case MsgInconsistencyError:
		return "InconsistencyError"
	default:
		return fmt.Sprintf("<unknown(%d)>", uint16(t))
	}
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// Message is an interface that defines a wire protocol message. The
// interface is general in order to allow implementing types full control
// over the representation of its data.
type Message interface {
	Decode(io.Reader) error
	Encode(io.Writer) error
	MsgType() MessageType
	MaxPayloadLength() uint32
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgMoveToken:
		msg = &MoveToken{}
	case MsgInconsistencyError:
		msg = &InconsistencyError{}
	default:
		return nil, &UnknownMessage{messageType: msgType}
	}

	return msg, nil
}

// WriteMessage writes a Message to w including the necessary header
// information and returns the number of bytes written.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	totalBytes := 0

	var bw bytes.Buffer
	if err := msg.Encode(&bw); err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		return totalBytes, fmt.Errorf("message payload is too large - "+
			"encoded %d bytes, but maximum message payload is %d "+
			"bytes", lenp, MaxMessagePayload)
	}

	// Enforce maximum message payload on the message type.
	mpl := msg.MaxPayloadLength()
	if uint32(lenp) > mpl {
		return totalBytes, fmt.Errorf("message payload is too large - "+
			"encoded %d bytes, but maximum message payload of "+
			"type %v is %d bytes", lenp, msg.MsgType(), mpl)
	}

	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	n, err := w.Write(mType[:])
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	n, err = w.Write(payload)
	totalBytes += n

	return totalBytes, err
}

// ReadMessage reads, validates, and parses the next message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}

	return msg, nil
}

// SerializeMessage encodes msg, headers included, into a fresh byte slice.
// This is the form a friend-level message takes when handed to the
// channeler for delivery.
func SerializeMessage(msg Message) ([]byte, error) {
	var b bytes.Buffer
	if _, err := WriteMessage(&b, msg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DeserializeMessage parses a full friend-level message from the passed
// byte slice.
func DeserializeMessage(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	msg, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message",
			r.Len())
	}
	return msg, nil
}
