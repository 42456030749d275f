package channeldb

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/mutualcredit"
	"github.com/realcr/cswitch/tokenchannel"
)

// openTestDB returns a database in a fresh temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unable to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newChannelFixture builds a fresh token channel between two new identities
// and returns it with both public keys.
func newChannelFixture(t *testing.T) (*tokenchannel.TokenChannel,
	crypto.PublicKey, crypto.PublicKey) {

	localID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}
	remoteID, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("unable to generate identity: %v", err)
	}

	tc, err := tokenchannel.New(localID.PublicKey(), remoteID.PublicKey())
	if err != nil {
		t.Fatalf("unable to create token channel: %v", err)
	}
	return tc, localID.PublicKey(), remoteID.PublicKey()
}

func testConfig(friendPK crypto.PublicKey) *FriendConfig {
	return &FriendConfig{
		FriendPK:     friendPK,
		FriendRelays: []cswire.RelayAddress{"relay1:9000"},
		LocalRelays: [][]cswire.RelayAddress{
			{"local1:9000", "local2:9000"},
		},
	}
}

func TestAddFetchRemoveFriend(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tc, _, remotePK := newChannelFixture(t)

	cfg := testConfig(remotePK)
	if err := db.AddFriend(cfg, tc.Snapshot()); err != nil {
		t.Fatalf("unable to add friend: %v", err)
	}

	// A second add of the same friend fails.
	if err := db.AddFriend(cfg, tc.Snapshot()); err != ErrFriendAlreadyExists {
		t.Fatalf("expected ErrFriendAlreadyExists, got %v", err)
	}

	stored, err := db.FetchAllFriends()
	if err != nil {
		t.Fatalf("unable to fetch friends: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one stored friend, got %d", len(stored))
	}
	if !reflect.DeepEqual(stored[0].Config, cfg) {
		t.Fatalf("stored config mismatch")
	}

	if err := db.RemoveFriend(remotePK); err != nil {
		t.Fatalf("unable to remove friend: %v", err)
	}
	if err := db.RemoveFriend(remotePK); err != ErrFriendNotFound {
		t.Fatalf("expected ErrFriendNotFound, got %v", err)
	}

	stored, err = db.FetchAllFriends()
	if err != nil {
		t.Fatalf("unable to fetch friends: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected no stored friends, got %d", len(stored))
	}
}

func TestChannelStateRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tc, localPK, remotePK := newChannelFixture(t)

	if err := db.AddFriend(testConfig(remotePK), tc.Snapshot()); err != nil {
		t.Fatalf("unable to add friend: %v", err)
	}

	// Enrich the snapshot with a realistic ledger: active currency,
	// non-trivial balance state and a pending transaction.
	mc := mutualcredit.New("FST", big.NewInt(-42))
	if err := mc.SetLocalMaxDebt(big.NewInt(1000)); err != nil {
		t.Fatalf("unable to set max debt: %v", err)
	}
	if err := mc.ApplyOutgoingRequest(&cswire.RequestSendFunds{
		RequestID:   crypto.Uid{0x61},
		Route:       cswire.Route{localPK, remotePK},
		DestPayment: big.NewInt(10),
		InvoiceID:   crypto.InvoiceID{0x62},
		LeftFees:    big.NewInt(3),
	}); err != nil {
		t.Fatalf("unable to apply request: %v", err)
	}

	snap := tc.Snapshot()
	snap.LocalCurrencies = []cswire.Currency{"FST"}
	snap.RemoteCurrencies = []cswire.Currency{"FST"}
	snap.Credits = []tokenchannel.CreditSnapshot{{
		Currency:      "FST",
		Balance:       mc.Balance(),
		LocalPending:  mc.LocalPending(),
		RemotePending: mc.RemotePending(),
	}}

	if err := db.PutChannelState(remotePK, snap); err != nil {
		t.Fatalf("unable to put channel state: %v", err)
	}

	loaded, err := db.FetchChannelState(remotePK)
	if err != nil {
		t.Fatalf("unable to fetch channel state: %v", err)
	}

	// Compare field by field; the ledger amounts are big integers whose
	// internal representation differs between literal and decoded
	// values, so Cmp is the right equality.
	if loaded.Status != snap.Status {
		t.Fatalf("status mismatch: %v vs %v", loaded.Status,
			snap.Status)
	}
	if loaded.MoveTokenCounter != snap.MoveTokenCounter {
		t.Fatalf("counter mismatch")
	}
	if !reflect.DeepEqual(loaded.LastIncoming, snap.LastIncoming) {
		t.Fatalf("last incoming mismatch")
	}
	if !reflect.DeepEqual(loaded.LocalCurrencies, snap.LocalCurrencies) ||
		!reflect.DeepEqual(loaded.RemoteCurrencies,
			snap.RemoteCurrencies) {

		t.Fatalf("currency sets mismatch")
	}
	if len(loaded.Credits) != 1 {
		t.Fatalf("expected one credit snapshot, got %d",
			len(loaded.Credits))
	}
	loadedBalance := &loaded.Credits[0].Balance
	wantBalance := &snap.Credits[0].Balance
	if loadedBalance.Balance.Cmp(wantBalance.Balance) != 0 ||
		loadedBalance.LocalMaxDebt.Cmp(wantBalance.LocalMaxDebt) != 0 ||
		loadedBalance.RemoteMaxDebt.Cmp(wantBalance.RemoteMaxDebt) != 0 ||
		loadedBalance.LocalPendingDebt.Cmp(wantBalance.LocalPendingDebt) != 0 ||
		loadedBalance.RemotePendingDebt.Cmp(wantBalance.RemotePendingDebt) != 0 ||
		loadedBalance.InFees.Cmp(wantBalance.InFees) != 0 ||
		loadedBalance.OutFees.Cmp(wantBalance.OutFees) != 0 {

		t.Fatalf("balance state mismatch")
	}
	if len(loaded.Credits[0].LocalPending) != 1 {
		t.Fatalf("pending transaction lost in round trip")
	}
	loadedPT := loaded.Credits[0].LocalPending[0]
	wantPT := snap.Credits[0].LocalPending[0]
	if loadedPT.RequestID != wantPT.RequestID ||
		!reflect.DeepEqual(loadedPT.Route, wantPT.Route) ||
		loadedPT.DestPayment.Cmp(wantPT.DestPayment) != 0 ||
		loadedPT.InvoiceID != wantPT.InvoiceID ||
		loadedPT.LeftFees.Cmp(wantPT.LeftFees) != 0 {

		t.Fatalf("pending transaction mismatch")
	}

	// The loaded snapshot must rebuild a working token channel.
	restored, err := tokenchannel.NewFromSnapshot(localPK, remotePK,
		loaded)
	if err != nil {
		t.Fatalf("unable to restore token channel: %v", err)
	}
	restoredMC := restored.MutualCredit("FST")
	if restoredMC == nil {
		t.Fatalf("restored channel lost its ledger")
	}
	if restoredMC.NumLocalPending() != 1 {
		t.Fatalf("restored channel lost its pending transaction")
	}
	if restoredMC.Balance().Balance.Cmp(big.NewInt(-42)) != 0 {
		t.Fatalf("restored balance mismatch")
	}
}

func TestUpdateFriendConfig(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tc, _, remotePK := newChannelFixture(t)

	if err := db.AddFriend(testConfig(remotePK), tc.Snapshot()); err != nil {
		t.Fatalf("unable to add friend: %v", err)
	}

	updated := &FriendConfig{
		FriendPK:     remotePK,
		FriendRelays: []cswire.RelayAddress{"other:9000"},
	}
	if err := db.UpdateFriendConfig(updated); err != nil {
		t.Fatalf("unable to update config: %v", err)
	}

	stored, err := db.FetchAllFriends()
	if err != nil {
		t.Fatalf("unable to fetch friends: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one stored friend")
	}
	if len(stored[0].Config.FriendRelays) != 1 ||
		stored[0].Config.FriendRelays[0] != "other:9000" {

		t.Fatalf("config update did not persist")
	}

	// Updates for unknown friends are rejected.
	unknown := &FriendConfig{FriendPK: crypto.PublicKey{0x99}}
	if err := db.UpdateFriendConfig(unknown); err != ErrFriendNotFound {
		t.Fatalf("expected ErrFriendNotFound, got %v", err)
	}
}

func TestVersionStamp(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ver, err := db.fetchVersion()
	if err != nil {
		t.Fatalf("unable to fetch version: %v", err)
	}
	if ver != dbVersions[len(dbVersions)-1].number {
		t.Fatalf("db version not stamped, got %d", ver)
	}
}
