package channeldb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
	"github.com/realcr/cswitch/tokenchannel"
)

// The serialization below is internal storage format, not wire format,
// but it reuses the wire encodings of the big integer fields so values
// persist bit-exact.

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	byteOrder.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	byteOrder.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool encoding: %d", b[0])
	}
}

func writeCurrency(w io.Writer, c cswire.Currency) error {
	if len(c) > cswire.MaxCurrencyLen {
		return fmt.Errorf("currency too long: %d", len(c))
	}
	if _, err := w.Write([]byte{byte(len(c))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, string(c))
	return err
}

func readCurrency(r io.Reader) (cswire.Currency, error) {
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	if int(l[0]) > cswire.MaxCurrencyLen {
		return "", fmt.Errorf("currency too long: %d", l[0])
	}
	buf := make([]byte, l[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return cswire.Currency(buf), nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	var l [4]byte
	byteOrder.PutUint32(l[:], uint32(len(b)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	length := byteOrder.Uint32(l[:])
	if length > cswire.MaxMessagePayload {
		return nil, fmt.Errorf("var bytes too long: %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeRelayAddresses(w io.Writer, addrs []cswire.RelayAddress) error {
	if err := writeUint16(w, uint16(len(addrs))); err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := writeVarBytes(w, []byte(addr)); err != nil {
			return err
		}
	}
	return nil
}

func readRelayAddresses(r io.Reader) ([]cswire.RelayAddress, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	addrs := make([]cswire.RelayAddress, count)
	for i := range addrs {
		raw, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		addrs[i] = cswire.RelayAddress(raw)
	}
	return addrs, nil
}

func serializeFriendConfig(w io.Writer, cfg *FriendConfig) error {
	if _, err := w.Write(cfg.FriendPK[:]); err != nil {
		return err
	}
	if err := writeRelayAddresses(w, cfg.FriendRelays); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(cfg.LocalRelays))); err != nil {
		return err
	}
	for _, addrs := range cfg.LocalRelays {
		if err := writeRelayAddresses(w, addrs); err != nil {
			return err
		}
	}
	return nil
}

func deserializeFriendConfig(r io.Reader) (*FriendConfig, error) {
	cfg := &FriendConfig{}
	if _, err := io.ReadFull(r, cfg.FriendPK[:]); err != nil {
		return nil, err
	}
	var err error
	if cfg.FriendRelays, err = readRelayAddresses(r); err != nil {
		return nil, err
	}
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		cfg.LocalRelays = make([][]cswire.RelayAddress, count)
	}
	for i := range cfg.LocalRelays {
		if cfg.LocalRelays[i], err = readRelayAddresses(r); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func writeMoveToken(w io.Writer, m *cswire.MoveToken) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	return writeVarBytes(w, buf.Bytes())
}

func readMoveToken(r io.Reader) (*cswire.MoveToken, error) {
	raw, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	m := &cswire.MoveToken{}
	reader := bytes.NewReader(raw)
	if err := m.Decode(reader); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%d trailing move token bytes",
			reader.Len())
	}
	return m, nil
}

// Reset terms persist through their wire message form so the stored bytes
// match what travels on the wire.
func writeResetTerms(w io.Writer, terms *cswire.ResetTerms) error {
	msg := &cswire.InconsistencyError{ResetTerms: *terms}
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		return err
	}
	return writeVarBytes(w, buf.Bytes())
}

func readResetTerms(r io.Reader) (*cswire.ResetTerms, error) {
	raw, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}
	msg := &cswire.InconsistencyError{}
	reader := bytes.NewReader(raw)
	if err := msg.Decode(reader); err != nil {
		return nil, err
	}
	terms := msg.ResetTerms
	return &terms, nil
}

func writeMoveTokenHashed(w io.Writer,
	hashed *tokenchannel.MoveTokenHashed) error {

	if _, err := w.Write(hashed.OperationsHash[:]); err != nil {
		return err
	}
	if _, err := w.Write(hashed.OldToken[:]); err != nil {
		return err
	}
	if err := writeUint64(w, hashed.MoveTokenCounter); err != nil {
		return err
	}
	if _, err := w.Write(hashed.RandNonce[:]); err != nil {
		return err
	}
	_, err := w.Write(hashed.NewToken[:])
	return err
}

func readMoveTokenHashed(r io.Reader) (*tokenchannel.MoveTokenHashed, error) {
	hashed := &tokenchannel.MoveTokenHashed{}
	if _, err := io.ReadFull(r, hashed.OperationsHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hashed.OldToken[:]); err != nil {
		return nil, err
	}
	var err error
	if hashed.MoveTokenCounter, err = readUint64(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hashed.RandNonce[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hashed.NewToken[:]); err != nil {
		return nil, err
	}
	return hashed, nil
}

func writePendingTransaction(w io.Writer,
	pt *mutualcredit.PendingTransaction) error {

	if _, err := w.Write(pt.RequestID[:]); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(pt.Route))); err != nil {
		return err
	}
	for _, pk := range pt.Route {
		if _, err := w.Write(pk[:]); err != nil {
			return err
		}
	}
	if err := cswire.WriteUint128(w, pt.DestPayment); err != nil {
		return err
	}
	if _, err := w.Write(pt.InvoiceID[:]); err != nil {
		return err
	}
	return cswire.WriteUint128(w, pt.LeftFees)
}

func readPendingTransaction(
	r io.Reader) (*mutualcredit.PendingTransaction, error) {

	pt := &mutualcredit.PendingTransaction{}
	if _, err := io.ReadFull(r, pt.RequestID[:]); err != nil {
		return nil, err
	}
	numHops, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	pt.Route = make(cswire.Route, numHops)
	for i := range pt.Route {
		if _, err := io.ReadFull(r, pt.Route[i][:]); err != nil {
			return nil, err
		}
	}
	if pt.DestPayment, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, pt.InvoiceID[:]); err != nil {
		return nil, err
	}
	if pt.LeftFees, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	return pt, nil
}

func writePendingList(w io.Writer,
	pts []*mutualcredit.PendingTransaction) error {

	if err := writeUint16(w, uint16(len(pts))); err != nil {
		return err
	}
	for _, pt := range pts {
		if err := writePendingTransaction(w, pt); err != nil {
			return err
		}
	}
	return nil
}

func readPendingList(
	r io.Reader) ([]*mutualcredit.PendingTransaction, error) {

	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	pts := make([]*mutualcredit.PendingTransaction, count)
	for i := range pts {
		if pts[i], err = readPendingTransaction(r); err != nil {
			return nil, err
		}
	}
	return pts, nil
}

func writeCreditSnapshot(w io.Writer,
	credit *tokenchannel.CreditSnapshot) error {

	if err := writeCurrency(w, credit.Currency); err != nil {
		return err
	}
	balance := &credit.Balance
	if err := cswire.WriteInt128(w, balance.Balance); err != nil {
		return err
	}
	if err := cswire.WriteUint128(w, balance.LocalMaxDebt); err != nil {
		return err
	}
	if err := cswire.WriteUint128(w, balance.RemoteMaxDebt); err != nil {
		return err
	}
	if err := cswire.WriteUint128(w, balance.LocalPendingDebt); err != nil {
		return err
	}
	if err := cswire.WriteUint128(w, balance.RemotePendingDebt); err != nil {
		return err
	}
	if err := cswire.WriteUint256(w, balance.InFees); err != nil {
		return err
	}
	if err := cswire.WriteUint256(w, balance.OutFees); err != nil {
		return err
	}
	if err := writePendingList(w, credit.LocalPending); err != nil {
		return err
	}
	return writePendingList(w, credit.RemotePending)
}

func readCreditSnapshot(r io.Reader) (*tokenchannel.CreditSnapshot, error) {
	credit := &tokenchannel.CreditSnapshot{}
	var err error
	if credit.Currency, err = readCurrency(r); err != nil {
		return nil, err
	}
	if credit.Balance.Balance, err = cswire.ReadInt128(r); err != nil {
		return nil, err
	}
	if credit.Balance.LocalMaxDebt, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	if credit.Balance.RemoteMaxDebt, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	if credit.Balance.LocalPendingDebt, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	if credit.Balance.RemotePendingDebt, err = cswire.ReadUint128(r); err != nil {
		return nil, err
	}
	if credit.Balance.InFees, err = cswire.ReadUint256(r); err != nil {
		return nil, err
	}
	if credit.Balance.OutFees, err = cswire.ReadUint256(r); err != nil {
		return nil, err
	}
	if credit.LocalPending, err = readPendingList(r); err != nil {
		return nil, err
	}
	if credit.RemotePending, err = readPendingList(r); err != nil {
		return nil, err
	}
	return credit, nil
}

func writeCurrencyList(w io.Writer, currencies []cswire.Currency) error {
	if err := writeUint16(w, uint16(len(currencies))); err != nil {
		return err
	}
	for _, currency := range currencies {
		if err := writeCurrency(w, currency); err != nil {
			return err
		}
	}
	return nil
}

func readCurrencyList(r io.Reader) ([]cswire.Currency, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	currencies := make([]cswire.Currency, count)
	for i := range currencies {
		if currencies[i], err = readCurrency(r); err != nil {
			return nil, err
		}
	}
	return currencies, nil
}

func serializeChannelState(w io.Writer,
	snap *tokenchannel.Snapshot) error {

	if _, err := w.Write([]byte{byte(snap.Status)}); err != nil {
		return err
	}

	if err := writeBool(w, snap.Outgoing != nil); err != nil {
		return err
	}
	if snap.Outgoing != nil {
		if err := writeMoveToken(w, snap.Outgoing); err != nil {
			return err
		}
	}

	if err := writeBool(w, snap.LastIncoming != nil); err != nil {
		return err
	}
	if snap.LastIncoming != nil {
		if err := writeMoveTokenHashed(w, snap.LastIncoming); err != nil {
			return err
		}
	}

	if err := writeBool(w, snap.LocalResetTerms != nil); err != nil {
		return err
	}
	if snap.LocalResetTerms != nil {
		if err := writeResetTerms(w, snap.LocalResetTerms); err != nil {
			return err
		}
	}

	if err := writeBool(w, snap.RemoteResetTerms != nil); err != nil {
		return err
	}
	if snap.RemoteResetTerms != nil {
		if err := writeResetTerms(w, snap.RemoteResetTerms); err != nil {
			return err
		}
	}

	if err := writeUint64(w, snap.MoveTokenCounter); err != nil {
		return err
	}
	if err := writeCurrencyList(w, snap.LocalCurrencies); err != nil {
		return err
	}
	if err := writeCurrencyList(w, snap.RemoteCurrencies); err != nil {
		return err
	}

	if err := writeUint16(w, uint16(len(snap.Credits))); err != nil {
		return err
	}
	for i := range snap.Credits {
		if err := writeCreditSnapshot(w, &snap.Credits[i]); err != nil {
			return err
		}
	}
	return nil
}

func deserializeChannelState(r io.Reader) (*tokenchannel.Snapshot, error) {
	var statusByte [1]byte
	if _, err := io.ReadFull(r, statusByte[:]); err != nil {
		return nil, err
	}
	snap := &tokenchannel.Snapshot{
		Status: tokenchannel.Status(statusByte[0]),
	}

	hasOutgoing, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasOutgoing {
		if snap.Outgoing, err = readMoveToken(r); err != nil {
			return nil, err
		}
	}

	hasLastIncoming, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasLastIncoming {
		if snap.LastIncoming, err = readMoveTokenHashed(r); err != nil {
			return nil, err
		}
	}

	hasLocalTerms, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasLocalTerms {
		if snap.LocalResetTerms, err = readResetTerms(r); err != nil {
			return nil, err
		}
	}

	hasRemoteTerms, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasRemoteTerms {
		if snap.RemoteResetTerms, err = readResetTerms(r); err != nil {
			return nil, err
		}
	}

	if snap.MoveTokenCounter, err = readUint64(r); err != nil {
		return nil, err
	}
	if snap.LocalCurrencies, err = readCurrencyList(r); err != nil {
		return nil, err
	}
	if snap.RemoteCurrencies, err = readCurrencyList(r); err != nil {
		return nil, err
	}

	numCredits, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if numCredits > 0 {
		snap.Credits = make([]tokenchannel.CreditSnapshot, numCredits)
	}
	for i := range snap.Credits {
		credit, err := readCreditSnapshot(r)
		if err != nil {
			return nil, err
		}
		snap.Credits[i] = *credit
	}
	return snap, nil
}
