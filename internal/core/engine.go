package core

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/friendapp/rtc/internal/billing"
	"github.com/friendapp/rtc/internal/call"
	"github.com/friendapp/rtc/internal/directory"
	"github.com/friendapp/rtc/internal/match"
	"github.com/friendapp/rtc/internal/observability"
	"github.com/friendapp/rtc/internal/presence"
	"github.com/friendapp/rtc/internal/protocol"
)

// Engine routes connection events through the presence registry, the
// matchmaking queue, the call session table and the billing ledger.
// Each websocket runs one RunConnection loop; the shared registries
// serialize cross-connection mutations behind their own locks.
type Engine struct {
	dir      directory.Store
	ledger   *billing.Ledger
	metrics  *observability.Metrics
	policy   match.Policy
	presence *presence.Registry
	queue    *match.Queue
	calls    *call.Manager

	mu      sync.Mutex
	senders map[string]chan<- any
}

func New(dir directory.Store, ledger *billing.Ledger, metrics *observability.Metrics, ringTimeout time.Duration, policy match.Policy) *Engine {
	e := &Engine{
		dir:      dir,
		ledger:   ledger,
		metrics:  metrics,
		policy:   policy,
		presence: presence.NewRegistry(),
		queue:    match.NewQueue(),
		calls:    call.NewManager(ringTimeout),
		senders:  make(map[string]chan<- any),
	}
	e.calls.SetTimeoutHook(e.onRingTimeout)
	return e
}

// RunConnection drives one connection's event stream until the inbound
// channel closes or the context is cancelled, then cleans up all state
// the connection's identity owned.
func (e *Engine) RunConnection(ctx context.Context, connID string, inbound <-chan any, outbound chan<- any) error {
	e.mu.Lock()
	e.senders[connID] = outbound
	e.mu.Unlock()

	defer e.disconnect(connID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			e.dispatch(ctx, connID, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, connID string, msg any) {
	if m, ok := msg.(protocol.Auth); ok {
		e.handleAuth(ctx, connID, m)
		return
	}

	// Everything else requires an authenticated binding. Messages from
	// unauthenticated connections are dropped, as are late messages
	// from identities already unbound.
	id, ok := e.presence.IdentityFor(connID)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.FindMatch:
		e.handleFindMatch(ctx, id, m.Mode)
	case protocol.CancelFind:
		e.queue.Remove(id, m.Mode)
		e.refreshQueueDepth()
	case protocol.CallUser:
		e.handleCallUser(ctx, id, m.Target, m.Mode)
	case protocol.CallAccept:
		e.handleCallAccept(ctx, id, m.SessionID)
	case protocol.CallDecline:
		e.handleCallDecline(id, m.SessionID)
	case protocol.CancelInvite:
		e.handleCancelInvite(id, m.SessionID)
	case protocol.Signal:
		e.handleSignal(id, m)
	case protocol.Hangup:
		e.handleHangup(ctx, id, m.SessionID)
	case protocol.PresenceGet:
		e.send(id, e.presenceMessage())
	}
}

func (e *Engine) handleAuth(ctx context.Context, connID string, m protocol.Auth) {
	id, err := e.dir.LookupByCredential(ctx, m.Credential)
	if err != nil {
		e.sendToConn(connID, protocol.AuthError{Type: protocol.TypeAuthError, Error: "invalid credential"})
		return
	}
	profile, err := e.dir.Profile(ctx, id)
	if err != nil {
		e.sendToConn(connID, protocol.AuthError{Type: protocol.TypeAuthError, Error: "profile unavailable"})
		return
	}

	e.presence.Register(connID, id, profile)
	e.metrics.OnlineUsers.Set(float64(e.presence.Count()))
	e.sendToConn(connID, protocol.AuthOK{Type: protocol.TypeAuthOK, Identity: id})
	e.broadcastPresence()
}

func (e *Engine) handleFindMatch(ctx context.Context, id directory.Identity, mode string) {
	me, ok := e.presence.Get(id)
	if !ok {
		return
	}
	if !match.Eligible(me.Profile, e.policy) {
		e.send(id, callError(protocol.CodePreferencesIncomplete, "set gender and language first"))
		return
	}

	// A payer with an empty purse never enters the queue; refusing up
	// front beats ringing someone and rolling back.
	if e.ledger.IsPayer(me.Profile) {
		if err := e.ledger.CheckFunds(ctx, id); err != nil {
			e.send(id, callError(protocol.CodeLowBalance, "recharge to start a call"))
			return
		}
	}

	partner, queued := e.queue.Match(id, mode, func(cand directory.Identity) bool {
		entry, ok := e.presence.Get(cand)
		if !ok || !match.Eligible(entry.Profile, e.policy) {
			return false
		}
		if !match.Compatible(me.Profile, entry.Profile, e.policy) {
			return false
		}
		if payer, _, billable := e.ledger.Roles(id, cand, me.Profile, entry.Profile); billable {
			if err := e.ledger.CheckFunds(ctx, payer); err != nil {
				return false
			}
		}
		// Atomic double-booking guard: both sides flip to ringing or
		// neither does.
		return e.presence.Reserve(id, cand)
	})
	e.refreshQueueDepth()

	if queued {
		e.send(id, protocol.Queued{Type: protocol.TypeQueued, Mode: mode})
		return
	}
	e.startRinging(id, partner, mode)
}

func (e *Engine) handleCallUser(ctx context.Context, id directory.Identity, target directory.Identity, mode string) {
	me, ok := e.presence.Get(id)
	if !ok {
		return
	}
	if !match.Eligible(me.Profile, e.policy) {
		e.send(id, callError(protocol.CodePreferencesIncomplete, "set gender and language first"))
		return
	}
	if target == "" {
		e.handleRandomCall(ctx, id, me, mode)
		return
	}
	if target == id {
		e.send(id, callError(protocol.CodeNoPartner, "cannot call yourself"))
		return
	}

	entry, ok := e.presence.Get(target)
	if !ok {
		e.send(id, callError(protocol.CodePeerOffline, "user is offline"))
		return
	}
	if !match.Eligible(entry.Profile, e.policy) {
		e.send(id, callError(protocol.CodePreferencesIncomplete, "peer has not completed their profile"))
		return
	}
	if !match.Compatible(me.Profile, entry.Profile, e.policy) {
		e.send(id, callError(protocol.CodeNotCompatible, "language or gender not compatible"))
		return
	}
	if payer, _, billable := e.ledger.Roles(id, target, me.Profile, entry.Profile); billable {
		if err := e.ledger.CheckFunds(ctx, payer); err != nil {
			if payer == id {
				e.send(id, callError(protocol.CodeLowBalance, "recharge to start a call"))
			} else {
				e.send(id, callError(protocol.CodePeerLowBalance, "peer cannot take calls right now"))
			}
			return
		}
	}
	if !e.presence.Reserve(id, target) {
		// Covers the simultaneous mutual-ring case too: whoever
		// reserved first wins, the second attempt is refused.
		e.send(id, callError(protocol.CodePeerBusy, "user is in another call"))
		return
	}

	e.startRinging(id, target, mode)
}

func (e *Engine) handleRandomCall(ctx context.Context, id directory.Identity, me presence.Entry, mode string) {
	var candidates []directory.Identity
	for _, entry := range e.presence.Snapshot() {
		if entry.Identity == id || entry.Availability != presence.Free {
			continue
		}
		if !match.Eligible(entry.Profile, e.policy) || !match.Compatible(me.Profile, entry.Profile, e.policy) {
			continue
		}
		if payer, _, billable := e.ledger.Roles(id, entry.Identity, me.Profile, entry.Profile); billable {
			if err := e.ledger.CheckFunds(ctx, payer); err != nil {
				continue
			}
		}
		candidates = append(candidates, entry.Identity)
	}

	// Uniform pick over the free pool, retrying losers of the reserve
	// race until the pool is exhausted.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, cand := range candidates {
		if e.presence.Reserve(id, cand) {
			e.startRinging(id, cand, mode)
			return
		}
	}
	e.send(id, callError(protocol.CodeNoPartner, "no compatible partner online"))
}

func (e *Engine) startRinging(caller, callee directory.Identity, mode string) {
	callerEntry, callerOK := e.presence.Get(caller)
	calleeEntry, calleeOK := e.presence.Get(callee)
	if !callerOK || !calleeOK {
		// One side unregistered between the reserve and here. Abort
		// before a session exists rather than ringing a ghost.
		e.presence.Release(caller, callee)
		if callerOK {
			e.send(caller, callError(protocol.CodePeerOffline, "user went offline"))
		}
		e.broadcastPresence()
		return
	}

	s := e.calls.Create(caller, callee, mode)

	e.send(caller, protocol.OutgoingCall{
		Type:      protocol.TypeOutgoingCall,
		SessionID: s.ID,
		Mode:      mode,
		To:        counterpart(callee, calleeEntry.Profile),
	})
	e.send(callee, protocol.IncomingCall{
		Type:      protocol.TypeIncomingCall,
		SessionID: s.ID,
		Mode:      mode,
		From:      counterpart(caller, callerEntry.Profile),
	})

	e.metrics.CallEvents.WithLabelValues("ring").Inc()
	e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	e.broadcastPresence()
}

func (e *Engine) onRingTimeout(s call.Session) {
	e.presence.Release(s.Caller, s.Callee)
	e.send(s.Caller, protocol.CallTimeout{Type: protocol.TypeCallTimeout, SessionID: s.ID})
	e.send(s.Callee, protocol.CallMissed{Type: protocol.TypeCallMissed, SessionID: s.ID})
	e.metrics.CallEvents.WithLabelValues("timeout").Inc()
	e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	e.broadcastPresence()
}

func (e *Engine) handleCallAccept(ctx context.Context, id directory.Identity, sessionID string) {
	s, ok := e.calls.Accept(sessionID, id)
	if !ok {
		// Unknown, terminal or not ours: tolerate the late message.
		return
	}

	callerProfile := e.profileOf(ctx, s.Caller)
	calleeProfile := e.profileOf(ctx, s.Callee)

	payer, _, billable := e.ledger.Roles(s.Caller, s.Callee, callerProfile, calleeProfile)
	if billable {
		if err := e.ledger.ChargeAccept(ctx, s.ID, payer); err != nil {
			e.calls.Abort(s.ID)
			e.presence.Release(s.Caller, s.Callee)
			other, _ := s.Peer(payer)
			if errors.Is(err, billing.ErrInsufficientBalance) {
				e.send(payer, callError(protocol.CodeLowBalance, "recharge to continue"))
				e.send(other, callError(protocol.CodePeerLowBalance, "peer cannot take calls right now"))
			} else {
				log.Printf("charge for session %s failed: %v", s.ID, err)
				e.send(payer, callError(protocol.CodeBillingUnavailable, "billing unavailable"))
				e.send(other, callError(protocol.CodeBillingUnavailable, "billing unavailable"))
			}
			e.metrics.CallEvents.WithLabelValues("refused").Inc()
			e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
			e.broadcastPresence()
			return
		}
	}

	e.presence.SetInCall(s.Caller, s.Callee)

	// A disconnect racing this accept may have ForceEnded the session
	// while it was being booked. Roll the charge and availability back
	// instead of bridging onto a settled session.
	if !e.calls.Bridge(s.ID) {
		if billable {
			if err := e.ledger.RefundAccept(ctx, s.ID, payer); err != nil {
				log.Printf("refund for session %s failed: %v", s.ID, err)
			}
		}
		e.presence.Release(s.Caller, s.Callee)
		e.broadcastPresence()
		return
	}
	if billable {
		e.metrics.BillingUnits.WithLabelValues("call_cost").Add(float64(e.ledger.Cost()))
	}

	// Role assignment is fixed by the session: the caller offers, the
	// callee answers. Both ends hear the same assignment.
	e.send(s.Caller, protocol.CallAccepted{
		Type:      protocol.TypeCallAccepted,
		SessionID: s.ID,
		Role:      protocol.RoleOfferer,
		Mode:      s.Mode,
	})
	e.send(s.Callee, protocol.CallAccepted{
		Type:      protocol.TypeCallAccepted,
		SessionID: s.ID,
		Role:      protocol.RoleAnswerer,
		Mode:      s.Mode,
	})

	e.metrics.CallEvents.WithLabelValues("accepted").Inc()
	e.broadcastPresence()
}

func (e *Engine) handleCallDecline(id directory.Identity, sessionID string) {
	s, ok := e.calls.Decline(sessionID, id)
	if !ok {
		return
	}
	e.presence.Release(s.Caller, s.Callee)
	e.send(s.Caller, protocol.CallDeclined{Type: protocol.TypeCallDeclined, SessionID: s.ID})
	e.metrics.CallEvents.WithLabelValues("declined").Inc()
	e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	e.broadcastPresence()
}

func (e *Engine) handleCancelInvite(id directory.Identity, sessionID string) {
	s, ok := e.calls.Cancel(sessionID, id)
	if !ok {
		return
	}
	e.presence.Release(s.Caller, s.Callee)
	e.send(s.Callee, protocol.CallCancelled{Type: protocol.TypeCallCancelled, SessionID: s.ID})
	e.metrics.CallEvents.WithLabelValues("cancelled").Inc()
	e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	e.broadcastPresence()
}

func (e *Engine) handleSignal(id directory.Identity, m protocol.Signal) {
	peer, ok := e.calls.Relay(m.SessionID, id)
	if !ok {
		// Raced with termination; drop without complaint.
		return
	}
	e.send(peer, protocol.Signal{Type: protocol.TypeSignal, SessionID: m.SessionID, Data: m.Data})
}

func (e *Engine) handleHangup(ctx context.Context, id directory.Identity, sessionID string) {
	s, ok := e.calls.End(sessionID, id)
	if !ok {
		// Duplicate hangup or lost race with a disconnect.
		return
	}
	peer, _ := s.Peer(id)
	e.presence.Release(s.Caller, s.Callee)
	e.send(peer, protocol.PeerHangup{Type: protocol.TypePeerHangup, SessionID: s.ID})
	e.settle(ctx, s)
	e.metrics.CallEvents.WithLabelValues("ended").Inc()
	e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	e.broadcastPresence()
}

// settle closes the books and tells both parties what the call cost.
// Reached exactly once per session: only the winning terminal
// transition gets here, and the ledger refs back that up.
func (e *Engine) settle(ctx context.Context, s call.Session) {
	st, err := e.ledger.Settle(ctx, s, e.profileOf(ctx, s.Caller), e.profileOf(ctx, s.Callee))
	if err != nil {
		log.Printf("settle session %s: %v", s.ID, err)
		return
	}
	for _, id := range []directory.Identity{s.Caller, s.Callee} {
		e.send(id, protocol.CallSummary{
			Type:         protocol.TypeCallSummary,
			SessionID:    s.ID,
			DurationMS:   st.DurationMS,
			BillingDelta: st.Deltas[id],
		})
	}
	for _, delta := range st.Deltas {
		if delta > 0 {
			e.metrics.BillingUnits.WithLabelValues("earned").Add(float64(delta))
		}
	}
	e.metrics.ObserveCallDuration(s.Duration())
}

// disconnect tears down everything the connection's identity owned:
// presence binding, queue entry and any live call session.
func (e *Engine) disconnect(connID string) {
	e.mu.Lock()
	delete(e.senders, connID)
	e.mu.Unlock()

	id, ok := e.presence.Unregister(connID)
	if !ok {
		return
	}

	e.queue.RemoveAll(id)
	e.refreshQueueDepth()

	if s, prev, ok := e.calls.ForceEnd(id); ok {
		peer, _ := s.Peer(id)
		e.presence.Release(peer)
		switch prev {
		case call.StateAccepted, call.StateActive:
			e.send(peer, protocol.PeerHangup{Type: protocol.TypePeerHangup, SessionID: s.ID})
			e.settle(context.Background(), s)
			e.metrics.CallEvents.WithLabelValues("ended").Inc()
		default:
			// The ring collapsed under one side.
			if peer == s.Callee {
				e.send(peer, protocol.CallCancelled{Type: protocol.TypeCallCancelled, SessionID: s.ID})
			} else {
				e.send(peer, protocol.CallTimeout{Type: protocol.TypeCallTimeout, SessionID: s.ID})
			}
			e.metrics.CallEvents.WithLabelValues("cancelled").Inc()
		}
		e.metrics.ActiveCalls.Set(float64(e.calls.ActiveCount()))
	}

	e.metrics.OnlineUsers.Set(float64(e.presence.Count()))
	e.broadcastPresence()
}

func (e *Engine) presenceMessage() protocol.Presence {
	snap := e.presence.Snapshot()
	users := make([]protocol.PresenceUser, 0, len(snap))
	for _, entry := range snap {
		users = append(users, protocol.PresenceUser{
			Identity: entry.Identity,
			Name:     entry.Profile.Name,
			Avatar:   entry.Profile.Avatar,
			Gender:   entry.Profile.Gender,
			Language: entry.Profile.Language,
			Location: entry.Profile.Location,
			Free:     entry.Availability == presence.Free,
		})
	}
	return protocol.Presence{Type: protocol.TypePresence, Users: users}
}

func (e *Engine) broadcastPresence() {
	msg := e.presenceMessage()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.senders {
		select {
		case ch <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the
			// outbound queue is saturated.
		}
	}
}

func (e *Engine) send(id directory.Identity, msg any) {
	entry, ok := e.presence.Get(id)
	if !ok {
		return
	}
	e.sendToConn(entry.ConnID, msg)
}

func (e *Engine) sendToConn(connID string, msg any) {
	e.mu.Lock()
	ch, ok := e.senders[connID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (e *Engine) profileOf(ctx context.Context, id directory.Identity) directory.Profile {
	if entry, ok := e.presence.Get(id); ok {
		return entry.Profile
	}
	p, err := e.dir.Profile(ctx, id)
	if err != nil {
		log.Printf("profile lookup for %s: %v", id, err)
		return directory.Profile{}
	}
	return p
}

func (e *Engine) refreshQueueDepth() {
	e.metrics.QueueDepth.WithLabelValues(protocol.ModeAudio).Set(float64(e.queue.Depth(protocol.ModeAudio)))
	e.metrics.QueueDepth.WithLabelValues(protocol.ModeVideo).Set(float64(e.queue.Depth(protocol.ModeVideo)))
}

func counterpart(id directory.Identity, p directory.Profile) protocol.Counterpart {
	return protocol.Counterpart{
		Identity: id,
		Name:     p.Name,
		Avatar:   p.Avatar,
		Language: p.Language,
	}
}

func callError(code, detail string) protocol.CallError {
	return protocol.CallError{Type: protocol.TypeCallError, Code: code, Detail: detail}
}
