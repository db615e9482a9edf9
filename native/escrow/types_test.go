package escrow

import (
	"math/big"
	"strings"
	"testing"
)

func TestNormalizeWallet(t *testing.T) {
	got, err := NormalizeWallet(" 0x8ba1f109551bd432803012645ac136ddd64dba72 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// EIP-55 checksummed form.
	if got != "0x8ba1f109551bD432803012645Ac136ddd64DBA72" {
		t.Fatalf("unexpected address %q", got)
	}
	for _, bad := range []string{"", "0x123", "not-an-address", "0xZZa1f109551bd432803012645ac136ddd64dba72"} {
		if _, err := NormalizeWallet(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNormalizeTxHash(t *testing.T) {
	upper := "0x" + strings.Repeat("AB", 32)
	got, err := NormalizeTxHash(upper)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0x"+strings.Repeat("ab", 32) {
		t.Fatalf("hash not lowercased: %q", got)
	}
	for _, bad := range []string{"", "0x1234", "0x" + strings.Repeat("g", 64)} {
		if _, err := NormalizeTxHash(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLedgerRemaining(t *testing.T) {
	ledger := &Ledger{
		EngagementID: "eng-1",
		State:        StateInProgress,
		Deposit: &DepositRecord{
			AmountUSD:    big.NewInt(20000),
			AmountCrypto: big.NewInt(1_000_000),
		},
		Disbursements: []DisbursementRecord{
			{AmountUSD: big.NewInt(5000), AmountCrypto: big.NewInt(250_000)},
			{AmountUSD: big.NewInt(2500), AmountCrypto: big.NewInt(125_000)},
		},
	}
	if got := ledger.DisbursedUSD(); got.Cmp(big.NewInt(7500)) != 0 {
		t.Fatalf("disbursed = %s", got)
	}
	if got := ledger.RemainingUSD(); got.Cmp(big.NewInt(12500)) != 0 {
		t.Fatalf("remaining usd = %s", got)
	}
	if got := ledger.RemainingCrypto(); got.Cmp(big.NewInt(625_000)) != 0 {
		t.Fatalf("remaining crypto = %s", got)
	}

	var nilLedger *Ledger
	if got := nilLedger.RemainingUSD(); got.Sign() != 0 {
		t.Fatalf("nil ledger remaining = %s", got)
	}
}

func TestLedgerCloneIsDeep(t *testing.T) {
	ledger := &Ledger{
		EngagementID: "eng-1",
		Deposit:      &DepositRecord{AmountUSD: big.NewInt(100), AmountCrypto: big.NewInt(1)},
		Disbursements: []DisbursementRecord{
			{AmountUSD: big.NewInt(10), AmountCrypto: big.NewInt(1)},
		},
	}
	clone := ledger.Clone()
	clone.Deposit.AmountUSD.SetInt64(999)
	clone.Disbursements[0].AmountUSD.SetInt64(999)
	if ledger.Deposit.AmountUSD.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("clone shares deposit amount")
	}
	if ledger.Disbursements[0].AmountUSD.Cmp(big.NewInt(10)) != 0 {
		t.Fatal("clone shares disbursement amount")
	}
}

func TestSanitizeLedger(t *testing.T) {
	valid := &Ledger{
		EngagementID: "eng-1",
		State:        StateDeposit,
		Deposit:      &DepositRecord{AmountUSD: big.NewInt(100), AmountCrypto: big.NewInt(1)},
	}
	if _, err := SanitizeLedger(valid); err != nil {
		t.Fatalf("sanitize valid: %v", err)
	}

	cases := []struct {
		name   string
		ledger *Ledger
	}{
		{"nil", nil},
		{"missing id", &Ledger{State: StateOffered}},
		{"bad state", &Ledger{EngagementID: "eng-1", State: WorkflowState(99)}},
		{"zero deposit", &Ledger{
			EngagementID: "eng-1",
			State:        StateDeposit,
			Deposit:      &DepositRecord{AmountUSD: big.NewInt(0)},
		}},
		{"overdrawn", &Ledger{
			EngagementID:  "eng-1",
			State:         StateInProgress,
			Deposit:       &DepositRecord{AmountUSD: big.NewInt(100), AmountCrypto: big.NewInt(1)},
			Disbursements: []DisbursementRecord{{AmountUSD: big.NewInt(200)}},
		}},
		{"disbursement without deposit", &Ledger{
			EngagementID:  "eng-1",
			State:         StateOffered,
			Disbursements: []DisbursementRecord{{AmountUSD: big.NewInt(1)}},
		}},
	}
	for _, tc := range cases {
		if _, err := SanitizeLedger(tc.ledger); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestWorkflowStateString(t *testing.T) {
	states := map[WorkflowState]string{
		StateOffered:      "offered",
		StateDeposit:      "deposit",
		StateInProgress:   "in-progress",
		StateCompleted:    "completed",
		StateConfirmed:    "confirmed",
		WorkflowState(42): "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
