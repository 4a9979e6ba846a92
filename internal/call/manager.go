package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/friendapp/rtc/internal/directory"
)

type liveSession struct {
	Session
	timer *time.Timer
}

// Manager owns the live session table. Every transition happens under
// one mutex, so for any session exactly one caller wins the move to a
// terminal state; everyone else sees a no-op. The ring timer is a
// deferred callback that re-checks state under the same lock, which
// makes a late fire after accept harmless.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*liveSession
	byIdentity  map[directory.Identity]string
	ringTimeout time.Duration
	onTimeout   func(Session)
}

func NewManager(ringTimeout time.Duration) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Manager{
		sessions:    make(map[string]*liveSession),
		byIdentity:  make(map[directory.Identity]string),
		ringTimeout: ringTimeout,
	}
}

// SetTimeoutHook registers the callback fired when a ring expires
// unanswered. The hook runs outside the manager lock.
func (m *Manager) SetTimeoutHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = hook
}

// Create opens a ringing session between a reserved pair and arms the
// ring timer.
func (m *Manager) Create(caller, callee directory.Identity, mode string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &liveSession{
		Session: Session{
			ID:        uuid.NewString(),
			Caller:    caller,
			Callee:    callee,
			Mode:      mode,
			State:     StateRinging,
			CreatedAt: time.Now().UTC(),
		},
	}
	s.timer = time.AfterFunc(m.ringTimeout, func() { m.timeout(s.ID) })

	m.sessions[s.ID] = s
	m.byIdentity[caller] = s.ID
	m.byIdentity[callee] = s.ID
	return s.Session
}

func (m *Manager) timeout(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.State != StateRinging {
		// Already answered or otherwise resolved.
		m.mu.Unlock()
		return
	}
	s.State = StateTimedOut
	m.dropLocked(s)
	snap := s.Session
	hook := m.onTimeout
	m.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
}

// Accept transitions ringing -> accepted. Only the callee may accept;
// anything else (unknown id, terminal state, wrong party) is a no-op.
func (m *Manager) Accept(sessionID string, by directory.Identity) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.State != StateRinging || by != s.Callee {
		return Session{}, false
	}
	s.timer.Stop()
	s.State = StateAccepted
	s.AcceptedAt = time.Now().UTC()
	return s.Session, true
}

// Decline resolves a ringing session from the callee side.
func (m *Manager) Decline(sessionID string, by directory.Identity) (Session, bool) {
	return m.resolveRing(sessionID, by, false)
}

// Cancel resolves a ringing session from the caller side.
func (m *Manager) Cancel(sessionID string, by directory.Identity) (Session, bool) {
	return m.resolveRing(sessionID, by, true)
}

func (m *Manager) resolveRing(sessionID string, by directory.Identity, byCaller bool) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.State != StateRinging {
		return Session{}, false
	}
	if byCaller && by != s.Caller {
		return Session{}, false
	}
	if !byCaller && by != s.Callee {
		return Session{}, false
	}
	s.timer.Stop()
	if byCaller {
		s.State = StateCancelled
	} else {
		s.State = StateDeclined
	}
	m.dropLocked(s)
	return s.Session, true
}

// Abort tears down a non-terminal session without billing. Used when an
// accept has to be rolled back (payer balance check failed).
func (m *Manager) Abort(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Terminal() {
		return Session{}, false
	}
	s.timer.Stop()
	s.State = StateCancelled
	m.dropLocked(s)
	return s.Session, true
}

// Bridge confirms an accepted session is still live after the accept
// side effects (charge, availability flip) have been booked. A
// disconnect racing the accept ForceEnds the session first, in which
// case Bridge fails and the caller must roll its bookkeeping back.
func (m *Manager) Bridge(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return ok && !s.Terminal()
}

// End transitions an accepted or active session to ended. Exactly one
// caller wins; duplicate hangups and hangup/disconnect races lose and
// report ok=false.
func (m *Manager) End(sessionID string, by directory.Identity) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	if s.State != StateAccepted && s.State != StateActive {
		return Session{}, false
	}
	if _, party := s.Peer(by); !party {
		return Session{}, false
	}
	s.State = StateEnded
	s.EndedAt = time.Now().UTC()
	m.dropLocked(s)
	return s.Session, true
}

// ForceEnd terminates whatever live session the identity participates
// in, returning the state it was in beforehand. Drives the disconnect
// path; safe to call for identities with no session.
func (m *Manager) ForceEnd(id directory.Identity) (Session, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.byIdentity[id]
	if !ok {
		return Session{}, "", false
	}
	s, ok := m.sessions[sid]
	if !ok {
		delete(m.byIdentity, id)
		return Session{}, "", false
	}
	prev := s.State
	s.timer.Stop()
	if prev == StateAccepted || prev == StateActive {
		s.State = StateEnded
		s.EndedAt = time.Now().UTC()
	} else {
		s.State = StateCancelled
	}
	m.dropLocked(s)
	return s.Session, prev, true
}

// Relay authorizes forwarding one signaling payload: the session must
// be live and sender one of its two participants. The first payload
// after accept moves the session to active. Anything else is silently
// rejected, matching the tolerance for late client messages.
func (m *Manager) Relay(sessionID string, sender directory.Identity) (directory.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Terminal() {
		return "", false
	}
	peer, party := s.Peer(sender)
	if !party {
		return "", false
	}
	if s.State == StateAccepted {
		s.State = StateActive
	}
	return peer, true
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// SessionFor returns the live session the identity participates in.
func (m *Manager) SessionFor(id directory.Identity) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byIdentity[id]
	if !ok {
		return Session{}, false
	}
	s, ok := m.sessions[sid]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) dropLocked(s *liveSession) {
	delete(m.sessions, s.ID)
	if m.byIdentity[s.Caller] == s.ID {
		delete(m.byIdentity, s.Caller)
	}
	if m.byIdentity[s.Callee] == s.ID {
		delete(m.byIdentity, s.Callee)
	}
}
