package rates

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestConvertUSDCents(t *testing.T) {
	rate := new(big.Rat).SetInt64(2000) // 2000 USD per token

	// $100.00 at 2000 USD/token is 0.05 tokens, 5e16 smallest units.
	got, err := ConvertUSDCents(big.NewInt(10000), rate, 18, nil)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
	want.Mul(want, big.NewInt(5))
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected amount: got %s want %s", got, want)
	}
}

func TestConvertUSDCentsFloorsQuotient(t *testing.T) {
	// $0.01 at 3 USD/token with 2 decimals is 1/3 of a smallest unit,
	// which floors to zero before the minimum is applied.
	rate := new(big.Rat).SetInt64(3)
	got, err := ConvertUSDCents(big.NewInt(1), rate, 2, nil)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected floored zero, got %s", got)
	}
}

func TestConvertUSDCentsMinimumUnit(t *testing.T) {
	rate := new(big.Rat).SetInt64(2000)
	minUnit := big.NewInt(1_000_000)

	// One cent converts to 5e12 units, well above the minimum.
	got, err := ConvertUSDCents(big.NewInt(1), rate, 18, minUnit)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(minUnit) < 0 {
		t.Fatalf("amount below minimum: %s", got)
	}

	// A tiny positive result is bumped up to the minimum.
	got, err = ConvertUSDCents(big.NewInt(1), rate, 6, minUnit)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(minUnit) != 0 {
		t.Fatalf("expected minimum %s, got %s", minUnit, got)
	}

	// Zero input stays zero regardless of the minimum.
	got, err = ConvertUSDCents(big.NewInt(0), rate, 18, minUnit)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestConvertUSDCentsRejectsBadInput(t *testing.T) {
	if _, err := ConvertUSDCents(big.NewInt(-1), new(big.Rat).SetInt64(1), 18, nil); err == nil {
		t.Fatal("expected error for negative cents")
	}
	if _, err := ConvertUSDCents(big.NewInt(1), new(big.Rat), 18, nil); err == nil {
		t.Fatal("expected error for zero rate")
	}
}

func TestAggregatorPriorityAndFreshness(t *testing.T) {
	agg := NewAggregator([]string{"manual", "fallback"}, time.Minute)

	stale := NewManualOracle()
	stale.Set("USD", "ETH", new(big.Rat).SetInt64(1500), time.Now().Add(-time.Hour))
	agg.Register("manual", stale)

	fresh := NewManualOracle()
	fresh.Set("USD", "ETH", new(big.Rat).SetInt64(2000), time.Now())
	agg.Register("fallback", fresh)

	quote, err := agg.GetRate("usd", "eth")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate.Cmp(new(big.Rat).SetInt64(2000)) != 0 {
		t.Fatalf("expected fallback rate, got %s", quote.RateString(2))
	}
}

func TestAggregatorNoFreshQuote(t *testing.T) {
	agg := NewAggregator([]string{"manual"}, time.Minute)
	stale := NewManualOracle()
	stale.Set("USD", "ETH", new(big.Rat).SetInt64(1500), time.Now().Add(-time.Hour))
	agg.Register("manual", stale)

	if _, err := agg.GetRate("USD", "ETH"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}
