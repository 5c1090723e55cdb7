package money

import "testing"

func TestParseETH_RoundTrip(t *testing.T) {
	w, err := ParseETH("1.5")
	if err != nil {
		t.Fatalf("ParseETH(1.5): %v", err)
	}
	want := FromInt64(1_500_000_000_000_000_000)
	if w.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", w, want)
	}
}

func TestParseETH_RejectsPrecisionLoss(t *testing.T) {
	_, err := ParseETH("0.0000000000000000001") // 19 fractional digits
	if err != ErrPrecisionLoss {
		t.Errorf("expected ErrPrecisionLoss, got %v", err)
	}
}

func TestParseETH_RejectsGarbage(t *testing.T) {
	if _, err := ParseETH("not-a-number"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestWei_Arithmetic(t *testing.T) {
	a := FromInt64(1_000_000_000)
	b := FromInt64(300_000_000)

	if got := a.Add(b); got.Cmp(FromInt64(1_300_000_000)) != 0 {
		t.Errorf("Add: got %s", got)
	}
	if got := a.Sub(b); got.Cmp(FromInt64(700_000_000)) != 0 {
		t.Errorf("Sub: got %s", got)
	}
}

func TestWei_MulPPM(t *testing.T) {
	stake := FromInt64(10_000_000)
	payout := stake.MulPPM(2_000_000) // 2.00x
	if payout.Cmp(FromInt64(20_000_000)) != 0 {
		t.Errorf("MulPPM: got %s, want 20000000", payout)
	}
}

func TestWei_MulPPM_TruncatesDown(t *testing.T) {
	stake := FromInt64(3)
	payout := stake.MulPPM(1_666_666) // 1.666666x -> 4.999998 wei -> truncate to 4
	if payout.Cmp(FromInt64(4)) != 0 {
		t.Errorf("MulPPM truncation: got %s, want 4", payout)
	}
}

func TestWei_JSONRoundTrip(t *testing.T) {
	w := FromInt64(123456789)
	data, err := w.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var out Wei
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.Cmp(w) != 0 {
		t.Errorf("round trip mismatch: got %s, want %s", out, w)
	}
}

func TestWei_ScanString(t *testing.T) {
	var w Wei
	if err := w.Scan("42"); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if w.Cmp(FromInt64(42)) != 0 {
		t.Errorf("Scan: got %s, want 42", w)
	}
}
