package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/friendapp/rtc/internal/call"
	"github.com/friendapp/rtc/internal/directory"
)

var testPolicy = Policy{
	CallCost:      100,
	EarnRateUnits: 1,
	EarnBlock:     5 * time.Minute,
	PayerGender:   "male",
}

func TestEarnUnitsWholeBlocksOnly(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{4*time.Minute + 59*time.Second, 0},
		{5 * time.Minute, 1},
		{11 * time.Minute, 2},
		{25 * time.Minute, 5},
	}
	for _, tc := range cases {
		if got := EarnUnits(tc.d, testPolicy); got != tc.want {
			t.Fatalf("EarnUnits(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}

	perMinute := Policy{EarnRateUnits: 3, EarnBlock: time.Minute, PayerGender: "male"}
	if got := EarnUnits(90*time.Second, perMinute); got != 3 {
		t.Fatalf("EarnUnits(90s, per-minute) = %d, want 3", got)
	}
}

func TestRolesFollowPayerGender(t *testing.T) {
	dir := directory.NewInMemoryStore()
	l := NewLedger(dir, testPolicy)

	malep := directory.Profile{Gender: "male", Language: "hindi"}
	femalep := directory.Profile{Gender: "female", Language: "hindi"}

	payer, earner, ok := l.Roles("m", "f", malep, femalep)
	if !ok || payer != "m" || earner != "f" {
		t.Fatalf("Roles = (%q, %q, %v), want (m, f, true)", payer, earner, ok)
	}
	payer, earner, ok = l.Roles("f", "m", femalep, malep)
	if !ok || payer != "m" || earner != "f" {
		t.Fatalf("Roles reversed = (%q, %q, %v), want (m, f, true)", payer, earner, ok)
	}

	disabled := NewLedger(dir, Policy{CallCost: 100})
	if _, _, ok := disabled.Roles("m", "f", malep, femalep); ok {
		t.Fatalf("Roles with empty PayerGender = true, want disabled")
	}
}

func TestChargeAcceptInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemoryStore()
	dir.AddUser("m", directory.Profile{Gender: "male", Language: "hindi"}, 40)
	l := NewLedger(dir, testPolicy)

	if err := l.CheckFunds(ctx, "m"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("CheckFunds error = %v, want ErrInsufficientBalance", err)
	}
	if err := l.ChargeAccept(ctx, "s1", "m"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ChargeAccept error = %v, want ErrInsufficientBalance", err)
	}
	bal, _ := dir.Balance(ctx, "m")
	if bal != 40 {
		t.Fatalf("balance = %d, want untouched 40", bal)
	}
}

func TestSettleCreditsWholeBlocksAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemoryStore()
	dir.AddUser("m", directory.Profile{Gender: "male", Language: "hindi"}, 500)
	dir.AddUser("f", directory.Profile{Gender: "female", Language: "hindi"}, 0)
	l := NewLedger(dir, testPolicy)

	if err := l.ChargeAccept(ctx, "s1", "m"); err != nil {
		t.Fatalf("ChargeAccept error = %v", err)
	}

	now := time.Now().UTC()
	s := call.Session{
		ID:         "s1",
		Caller:     "m",
		Callee:     "f",
		Mode:       "video",
		State:      call.StateEnded,
		AcceptedAt: now.Add(-11 * time.Minute),
		EndedAt:    now,
	}
	pm := directory.Profile{Gender: "male", Language: "hindi"}
	pf := directory.Profile{Gender: "female", Language: "hindi"}

	st, err := l.Settle(ctx, s, pm, pf)
	if err != nil {
		t.Fatalf("Settle error = %v", err)
	}
	if st.Deltas["f"] != 2 {
		t.Fatalf("earner delta = %d, want 2 (11m / 5m blocks)", st.Deltas["f"])
	}
	if st.Deltas["m"] != -100 {
		t.Fatalf("payer delta = %d, want -100", st.Deltas["m"])
	}
	if st.DurationMS != (11 * time.Minute).Milliseconds() {
		t.Fatalf("DurationMS = %d", st.DurationMS)
	}

	// Settling again (hangup racing a disconnect) must not double-pay.
	if _, err := l.Settle(ctx, s, pm, pf); err != nil {
		t.Fatalf("second Settle error = %v", err)
	}
	bal, _ := dir.Balance(ctx, "f")
	if bal != 2 {
		t.Fatalf("earner balance = %d, want 2 after duplicate settle", bal)
	}
	bal, _ = dir.Balance(ctx, "m")
	if bal != 400 {
		t.Fatalf("payer balance = %d, want 400", bal)
	}

	hist := dir.History()
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want 1 (keyed by session)", len(hist))
	}
	if hist[0].DurationMS != st.DurationMS || hist[0].Mode != "video" {
		t.Fatalf("history[0] = %+v", hist[0])
	}
}

func TestRefundAcceptRestoresPayer(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewInMemoryStore()
	dir.AddUser("m", directory.Profile{Gender: "male", Language: "hindi"}, 100)
	l := NewLedger(dir, testPolicy)

	if err := l.ChargeAccept(ctx, "s1", "m"); err != nil {
		t.Fatalf("ChargeAccept error = %v", err)
	}
	if err := l.RefundAccept(ctx, "s1", "m"); err != nil {
		t.Fatalf("RefundAccept error = %v", err)
	}
	bal, _ := dir.Balance(ctx, "m")
	if bal != 100 {
		t.Fatalf("balance = %d, want 100 after refund", bal)
	}
}
