package cswire

// code derived from the element serialization of lnwire.

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/realcr/cswitch/crypto"
)

// maxVarBytesLen is the largest variable length byte slice a single element
// may carry. It bounds allocations while decoding untrusted input.
const maxVarBytesLen = 65535

var (
	// maxUint128 is one past the largest value an unsigned 128-bit
	// element can carry.
	maxUint128 = new(big.Int).Lsh(big.NewInt(1), 128)

	// maxInt128 is one past the largest value a signed 128-bit element
	// can carry.
	maxInt128 = new(big.Int).Lsh(big.NewInt(1), 127)

	// minInt128 is the smallest value a signed 128-bit element can carry.
	minInt128 = new(big.Int).Neg(maxInt128)

	// maxUint256 is one past the largest value an unsigned 256-bit
	// element can carry.
	maxUint256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// writeElement serializes a single element into the passed io.Writer. All
// integers are written big-endian, fixed-size byte arrays are written raw.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case bool:
		var b [1]byte
		if e {
			b[0] = 1
		}
		_, err := w.Write(b[:])
		return err

	case uint8:
		var b [1]byte
		b[0] = e
		_, err := w.Write(b[:])
		return err

	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		_, err := w.Write(b[:])
		return err

	case crypto.PublicKey:
		_, err := w.Write(e[:])
		return err

	case crypto.Signature:
		_, err := w.Write(e[:])
		return err

	case crypto.RandValue:
		_, err := w.Write(e[:])
		return err

	case crypto.Salt:
		_, err := w.Write(e[:])
		return err

	case crypto.DhPublicKey:
		_, err := w.Write(e[:])
		return err

	case crypto.HashResult:
		_, err := w.Write(e[:])
		return err

	case crypto.Uid:
		_, err := w.Write(e[:])
		return err

	case crypto.InvoiceID:
		_, err := w.Write(e[:])
		return err

	case Currency:
		if err := e.validate(); err != nil {
			return err
		}
		if err := writeElement(w, uint8(len(e))); err != nil {
			return err
		}
		_, err := io.WriteString(w, string(e))
		return err

	case []byte:
		if len(e) > maxVarBytesLen {
			return fmt.Errorf("var bytes too long: %d", len(e))
		}
		if err := writeElement(w, uint32(len(e))); err != nil {
			return err
		}
		_, err := w.Write(e)
		return err

	default:
		return fmt.Errorf("unknown type in writeElement: %T", e)
	}
}

// writeElements writes each element in the elements slice to the passed
// io.Writer.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := writeElement(w, element); err != nil {
			return err
		}
	}
	return nil
}

// readElement deserializes a single element from the passed io.Reader into
// the target destination.
func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		switch b[0] {
		case 0:
			*e = false
		case 1:
			*e = true
		default:
			return fmt.Errorf("invalid bool encoding: %d", b[0])
		}
		return nil

	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]
		return nil

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])
		return nil

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])
		return nil

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])
		return nil

	case *crypto.PublicKey:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.Signature:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.RandValue:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.Salt:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.DhPublicKey:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.HashResult:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.Uid:
		_, err := io.ReadFull(r, e[:])
		return err

	case *crypto.InvoiceID:
		_, err := io.ReadFull(r, e[:])
		return err

	case *Currency:
		var l uint8
		if err := readElement(r, &l); err != nil {
			return err
		}
		if l > MaxCurrencyLen {
			return fmt.Errorf("currency too long: %d", l)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		c := Currency(buf)
		if err := c.validate(); err != nil {
			return err
		}
		*e = c
		return nil

	case *[]byte:
		var l uint32
		if err := readElement(r, &l); err != nil {
			return err
		}
		if l > maxVarBytesLen {
			return fmt.Errorf("var bytes too long: %d", l)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		*e = buf
		return nil

	default:
		return fmt.Errorf("unknown type in readElement: %T", e)
	}
}

// readElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// readElement function.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := readElement(r, element); err != nil {
			return err
		}
	}
	return nil
}

// WriteUint128 writes x as a raw big-endian 16 byte array. x must be in
// [0, 2^128).
func WriteUint128(w io.Writer, x *big.Int) error {
	if x == nil || x.Sign() < 0 || x.Cmp(maxUint128) >= 0 {
		return fmt.Errorf("value out of uint128 range: %v", x)
	}
	var b [16]byte
	x.FillBytes(b[:])
	_, err := w.Write(b[:])
	return err
}

// ReadUint128 reads a raw big-endian 16 byte array as an unsigned integer.
func ReadUint128(r io.Reader) (*big.Int, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b[:]), nil
}

// WriteInt128 writes x as a big-endian 16 byte two's complement array. x
// must be in [-2^127, 2^127).
func WriteInt128(w io.Writer, x *big.Int) error {
	if x == nil || x.Cmp(minInt128) < 0 || x.Cmp(maxInt128) >= 0 {
		return fmt.Errorf("value out of int128 range: %v", x)
	}
	v := x
	if x.Sign() < 0 {
		// Two's complement: x + 2^128.
		v = new(big.Int).Add(x, maxUint128)
	}
	var b [16]byte
	v.FillBytes(b[:])
	_, err := w.Write(b[:])
	return err
}

// ReadInt128 reads a big-endian 16 byte two's complement array as a signed
// integer.
func ReadInt128(r io.Reader) (*big.Int, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(b[:])
	if x.Cmp(maxInt128) >= 0 {
		x.Sub(x, maxUint128)
	}
	return x, nil
}

// WriteUint256 writes x as a raw big-endian 32 byte array. x must be in
// [0, 2^256).
func WriteUint256(w io.Writer, x *big.Int) error {
	if x == nil || x.Sign() < 0 || x.Cmp(maxUint256) >= 0 {
		return fmt.Errorf("value out of uint256 range: %v", x)
	}
	var b [32]byte
	x.FillBytes(b[:])
	_, err := w.Write(b[:])
	return err
}

// ReadUint256 reads a raw big-endian 32 byte array as an unsigned integer.
func ReadUint256(r io.Reader) (*big.Int, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b[:]), nil
}

// writeCounter writes a move token counter as a 128-bit big-endian value.
// Counters are held in memory as uint64; the upper 64 bits are always zero
// on the wire.
func writeCounter(w io.Writer, counter uint64) error {
	var b [16]byte
	binary.BigEndian.PutUint64(b[8:], counter)
	_, err := w.Write(b[:])
	return err
}

// readCounter reads a 128-bit big-endian move token counter.
func readCounter(r io.Reader) (uint64, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	for _, c := range b[:8] {
		if c != 0 {
			return 0, fmt.Errorf("move token counter overflows " +
				"uint64")
		}
	}
	return binary.BigEndian.Uint64(b[8:]), nil
}
