package storage

import (
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"gigchain/core/state"
	"gigchain/native/escrow"
	"gigchain/native/governance"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLedgerRoundTrip(t *testing.T) {
	store := openTestStore(t)

	ledger := &escrow.Ledger{
		EngagementID: "eng-1",
		State:        escrow.StateDeposit,
		Deposit: &escrow.DepositRecord{
			TxHash:       "0x" + strings.Repeat("a", 64),
			AmountUSD:    big.NewInt(10000),
			AmountCrypto: big.NewInt(5_000_000),
			FromAddress:  "0x00000000000000000000000000000000000000A1",
			PerformedBy:  "client-1",
		},
	}
	if err := store.LedgerPut(ledger); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ledger.Version != 1 {
		t.Fatalf("expected version bump to 1, got %d", ledger.Version)
	}

	loaded, ok, err := store.LedgerGet("eng-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Version != 1 {
		t.Fatalf("loaded version = %d", loaded.Version)
	}
	if loaded.Deposit == nil || loaded.Deposit.AmountUSD.Cmp(big.NewInt(10000)) != 0 {
		t.Fatalf("deposit not preserved: %+v", loaded.Deposit)
	}
	if loaded.State != escrow.StateDeposit {
		t.Fatalf("state not preserved: %v", loaded.State)
	}
}

func TestLedgerGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.LedgerGet("absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing ledger")
	}
}

func TestLedgerPutVersionConflict(t *testing.T) {
	store := openTestStore(t)

	ledger := &escrow.Ledger{EngagementID: "eng-1", State: escrow.StateOffered}
	if err := store.LedgerPut(ledger); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, _, err := store.LedgerGet("eng-1")
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	second, _, err := store.LedgerGet("eng-1")
	if err != nil {
		t.Fatalf("load second: %v", err)
	}

	first.State = escrow.StateDeposit
	if err := store.LedgerPut(first); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	second.State = escrow.StateInProgress
	if err := store.LedgerPut(second); !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestLedgerInsertConflict(t *testing.T) {
	store := openTestStore(t)
	if err := store.LedgerPut(&escrow.Ledger{EngagementID: "eng-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := store.LedgerPut(&escrow.Ledger{EngagementID: "eng-1"})
	if !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("expected version conflict on duplicate insert, got %v", err)
	}
}

func TestProposalRoundTrip(t *testing.T) {
	store := openTestStore(t)

	proposal := &governance.Proposal{
		ID:       "prop-1",
		Title:    "Reduce platform fee",
		Type:     governance.ProposalTypePlatform,
		Status:   governance.StatusVoting,
		Proposer: "user-1",
		Active:   true,
		Votes: []governance.Vote{
			{Voter: "user-2", Choice: governance.ChoiceApprove},
		},
	}
	proposal.RecomputeTallies()
	if err := store.ProposalPut(proposal); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, ok, err := store.ProposalGet("prop-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Tallies[governance.ChoiceApprove] != 1 {
		t.Fatalf("tallies not preserved: %+v", loaded.Tallies)
	}
	if loaded.Version != 1 {
		t.Fatalf("version = %d", loaded.Version)
	}
}

func TestTxHashReserve(t *testing.T) {
	store := openTestStore(t)
	hash := "0x" + strings.Repeat("b", 64)

	if err := store.TxHashReserve(hash, "deposit:eng-1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// Same reference is idempotent so retried writes succeed.
	if err := store.TxHashReserve(hash, "deposit:eng-1"); err != nil {
		t.Fatalf("repeat reserve: %v", err)
	}
	if err := store.TxHashReserve(hash, "deposit:eng-2"); !errors.Is(err, escrow.ErrTxHashUsed) {
		t.Fatalf("expected ErrTxHashUsed, got %v", err)
	}

	ref, ok, err := store.TxHashReference(hash)
	if err != nil || !ok {
		t.Fatalf("reference lookup: ok=%v err=%v", ok, err)
	}
	if ref != "deposit:eng-1" {
		t.Fatalf("unexpected reference %q", ref)
	}
}

func TestEventJournal(t *testing.T) {
	store := openTestStore(t)

	if err := store.AppendEvent("escrow.state_changed", map[string]string{"engagementId": "eng-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent("governance.vote_admitted", map[string]string{"proposalId": "prop-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := store.EventsSince(0, 10)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "escrow.state_changed" || entries[0].Payload["engagementId"] != "eng-1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}

	tail, err := store.EventsSince(entries[0].ID, 10)
	if err != nil {
		t.Fatalf("events since tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != "governance.vote_admitted" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}
