package call

import (
	"time"

	"github.com/friendapp/rtc/internal/directory"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateDeclined  State = "declined"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Session is one matched pairing attempt, from ring to termination.
// Caller is always the offerer of the signaling handshake and Callee
// the answerer, so both ends always agree on their roles.
type Session struct {
	ID         string             `json:"session_id"`
	Caller     directory.Identity `json:"caller"`
	Callee     directory.Identity `json:"callee"`
	Mode       string             `json:"mode"`
	State      State              `json:"state"`
	CreatedAt  time.Time          `json:"created_at"`
	AcceptedAt time.Time          `json:"accepted_at"`
	EndedAt    time.Time          `json:"ended_at"`
}

// Terminal reports whether the session has reached a final state.
func (s Session) Terminal() bool {
	switch s.State {
	case StateEnded, StateDeclined, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Peer returns the other participant, or false if id is not a party.
func (s Session) Peer(id directory.Identity) (directory.Identity, bool) {
	switch id {
	case s.Caller:
		return s.Callee, true
	case s.Callee:
		return s.Caller, true
	default:
		return "", false
	}
}

// Duration is the billable elapsed time: accept to end. Ring time never
// counts as call time.
func (s Session) Duration() time.Duration {
	if s.AcceptedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	d := s.EndedAt.Sub(s.AcceptedAt)
	if d < 0 {
		return 0
	}
	return d
}
