package ledger

import (
	"errors"
	"math/big"
	"testing"
)

func TestToBaseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		decimals uint8
	}{
		{"empty", "", 2},
		{"non-numeric", "fifty", 2},
		{"zero", "0", 2},
		{"negative", "-1", 2},
		{"excess precision", "1.234", 2},
		{"excess precision zero decimals", "1.5", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ToBase(tc.amount, tc.decimals); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestToBaseScales(t *testing.T) {
	raw, err := ToBase("12.5", 2)
	if err != nil {
		t.Fatalf("ToBase: %v", err)
	}
	if raw.Cmp(big.NewInt(1250)) != 0 {
		t.Fatalf("got %s want 1250", raw)
	}
	raw, err = ToBase("50", 0)
	if err != nil {
		t.Fatalf("ToBase decimals=0: %v", err)
	}
	if raw.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("got %s want 50", raw)
	}
}

func TestAmountRoundTrip(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
	}{
		{"50", 0},
		{"1", 18},
		{"0.000000000000000001", 18},
		{"12.5", 2},
		{"999999999.99", 2},
	}
	for _, tc := range cases {
		raw, err := ToBase(tc.amount, tc.decimals)
		if err != nil {
			t.Fatalf("ToBase(%q, %d): %v", tc.amount, tc.decimals, err)
		}
		back := FromBase(raw, tc.decimals)
		if back != tc.amount {
			t.Fatalf("round trip %q/%d: got %q", tc.amount, tc.decimals, back)
		}
	}
}

func TestFromBaseTrimsTrailingZeros(t *testing.T) {
	if got := FromBase(big.NewInt(1200), 2); got != "12" {
		t.Fatalf("got %q want 12", got)
	}
	if got := FromBase(big.NewInt(1250), 2); got != "12.5" {
		t.Fatalf("got %q want 12.5", got)
	}
	if got := FromBase(nil, 2); got != "0" {
		t.Fatalf("got %q want 0", got)
	}
}
