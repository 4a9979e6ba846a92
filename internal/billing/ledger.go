package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/friendapp/rtc/internal/call"
	"github.com/friendapp/rtc/internal/directory"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Policy is the configurable coin rule applied to every call.
type Policy struct {
	// CallCost is the flat debit taken from the payer when a call is
	// accepted.
	CallCost int64
	// EarnRateUnits coins are credited to the earner per full
	// EarnBlock of completed call time. Partial blocks never pay out.
	EarnRateUnits int64
	EarnBlock     time.Duration
	// PayerGender selects the paying side. Empty disables billing.
	PayerGender string
}

// Enabled reports whether the policy produces any coin movement.
func (p Policy) Enabled() bool {
	return strings.TrimSpace(p.PayerGender) != ""
}

// Settlement is the outcome of closing out one session's books.
type Settlement struct {
	SessionID  string
	DurationMS int64
	// Deltas holds the signed coin adjustment per identity. Identities
	// without an entry saw no movement.
	Deltas map[directory.Identity]int64
}

// Ledger applies the coin policy against the user directory. The
// directory's per-ref idempotency plus the session manager's
// exactly-once termination guarantee together bound every session's
// billing effect to one application.
type Ledger struct {
	dir    directory.Store
	policy Policy
}

func NewLedger(dir directory.Store, policy Policy) *Ledger {
	return &Ledger{dir: dir, policy: policy}
}

// Roles splits a matched pair into payer and earner using the policy.
// Compatibility guarantees opposite genders, so at most one side can
// match PayerGender. ok is false when billing does not apply.
func (l *Ledger) Roles(a, b directory.Identity, pa, pb directory.Profile) (payer, earner directory.Identity, ok bool) {
	if !l.policy.Enabled() {
		return "", "", false
	}
	want := strings.ToLower(strings.TrimSpace(l.policy.PayerGender))
	switch {
	case strings.ToLower(strings.TrimSpace(pa.Gender)) == want:
		return a, b, true
	case strings.ToLower(strings.TrimSpace(pb.Gender)) == want:
		return b, a, true
	default:
		return "", "", false
	}
}

// IsPayer reports whether a profile sits on the paying side of the
// policy.
func (l *Ledger) IsPayer(p directory.Profile) bool {
	if !l.policy.Enabled() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(p.Gender), strings.TrimSpace(l.policy.PayerGender))
}

// Cost returns the flat per-call debit.
func (l *Ledger) Cost() int64 {
	return l.policy.CallCost
}

// CheckFunds verifies the payer can cover one call before ringing
// starts. Read-only; the authoritative check is the debit itself.
func (l *Ledger) CheckFunds(ctx context.Context, payer directory.Identity) error {
	if !l.policy.Enabled() || l.policy.CallCost == 0 {
		return nil
	}
	bal, err := l.dir.Balance(ctx, payer)
	if err != nil {
		return fmt.Errorf("payer balance: %w", err)
	}
	if bal < l.policy.CallCost {
		return ErrInsufficientBalance
	}
	return nil
}

// ChargeAccept debits the per-call cost from the payer at accept time.
// The ref ties the debit to the session, so a replay is a no-op.
func (l *Ledger) ChargeAccept(ctx context.Context, sessionID string, payer directory.Identity) error {
	if !l.policy.Enabled() || l.policy.CallCost == 0 {
		return nil
	}
	err := l.dir.ApplyDelta(ctx, payer, -l.policy.CallCost, sessionID+"/cost")
	if errors.Is(err, directory.ErrInsufficientFunds) {
		return ErrInsufficientBalance
	}
	return err
}

// RefundAccept reverses ChargeAccept when an accepted call has to be
// rolled back before it bridges.
func (l *Ledger) RefundAccept(ctx context.Context, sessionID string, payer directory.Identity) error {
	if !l.policy.Enabled() || l.policy.CallCost == 0 {
		return nil
	}
	return l.dir.ApplyDelta(ctx, payer, l.policy.CallCost, sessionID+"/refund")
}

// Settle closes the books for a terminated session that reached
// accept: credits the earner for completed blocks and records the call
// in the directory history. Safe to call twice for the same session;
// the ledger refs make the second application a no-op.
func (l *Ledger) Settle(ctx context.Context, s call.Session, pa, pb directory.Profile) (Settlement, error) {
	out := Settlement{
		SessionID:  s.ID,
		DurationMS: s.Duration().Milliseconds(),
		Deltas:     make(map[directory.Identity]int64),
	}

	payer, earner, billable := l.Roles(s.Caller, s.Callee, pa, pb)
	if billable {
		out.Deltas[payer] = -l.policy.CallCost
		if earned := EarnUnits(s.Duration(), l.policy); earned > 0 {
			if err := l.dir.ApplyDelta(ctx, earner, earned, s.ID+"/earn"); err != nil {
				return Settlement{}, fmt.Errorf("credit earner: %w", err)
			}
			out.Deltas[earner] = earned
		}
	}

	rec := directory.CallRecord{
		SessionID:  s.ID,
		A:          s.Caller,
		B:          s.Callee,
		Mode:       s.Mode,
		StartedAt:  s.AcceptedAt,
		DurationMS: out.DurationMS,
	}
	if err := l.dir.RecordHistory(ctx, rec); err != nil {
		return Settlement{}, fmt.Errorf("record history: %w", err)
	}
	return out, nil
}

// EarnUnits converts completed call time into whole earn blocks. An
// 11-minute call under a 5-minute block pays 2 units, never 2.2.
func EarnUnits(d time.Duration, policy Policy) int64 {
	if policy.EarnBlock <= 0 || policy.EarnRateUnits <= 0 || d <= 0 {
		return 0
	}
	return int64(d/policy.EarnBlock) * policy.EarnRateUnits
}
