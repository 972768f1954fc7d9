// Package call runs one-to-one WebRTC calls over a generic pub/sub bus.
// Participants find each other through an invitation topic, agree on roles
// by comparing ids, and negotiate media on a topic both derive from the pair.
// Coupling to the rest of the node is via bus.Transport, MediaCapture and
// PeerFactory only.
package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/bus"
)

// Policy holds the knobs that may change while the node runs.
type Policy struct {
	Retry         RetryPolicy
	NotifyDecline bool
	RingTimeout   time.Duration
}

type Options struct {
	SelfID    string
	Transport bus.Transport
	Media     MediaCapture
	Peers     PeerFactory
	Policy    Policy
	// Recorder receives every finished call. Optional.
	Recorder Recorder
	Now      func() time.Time
}

// Recorder persists finished calls.
type Recorder interface {
	RecordCall(CallRecord) error
}

// CallRecord describes a finished call. Outcome is the session's EndReason,
// or the ring status when the call ended before anyone answered.
type CallRecord struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Direction Direction `json:"direction"`
	Role      Role      `json:"role"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

type EventKind string

const (
	EventIncoming EventKind = "incoming"
	EventInvite   EventKind = "invite"
	EventState    EventKind = "state"
	EventEnded    EventKind = "ended"
)

// Event is pushed to every Subscribe listener.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Invite *CallInvite    `json:"invite,omitempty"`
	Call   *SessionStatus `json:"call,omitempty"`
	Record *CallRecord    `json:"record,omitempty"`
}

// Status is a snapshot of the controller.
type Status struct {
	SelfID    string         `json:"self_id"`
	Active    bool           `json:"active"`
	Direction Direction      `json:"direction,omitempty"`
	Confirmed bool           `json:"confirmed"`
	Call      *SessionStatus `json:"call,omitempty"`
	Incoming  *CallInvite    `json:"incoming,omitempty"`
	Outgoing  *CallInvite    `json:"outgoing,omitempty"`
}

type activeCall struct {
	session   *Session
	direction Direction
	started   bool
	startedAt time.Time
	outcome   string
}

// Manager owns at most one call and the node's invitation inbox.
type Manager struct {
	selfID   string
	tr       bus.Transport
	media    MediaCapture
	peers    PeerFactory
	recorder Recorder
	inviter  *Inviter
	now      func() time.Time

	// ctx outlives the request that started a call.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	policy  Policy
	current *activeCall

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.SelfID == "" {
		return nil, errors.New("call manager: self id is required")
	}
	if opts.Transport == nil || opts.Media == nil || opts.Peers == nil {
		return nil, errors.New("call manager: transport, media capture and peer factory are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		selfID:   opts.SelfID,
		tr:       opts.Transport,
		media:    opts.Media,
		peers:    opts.Peers,
		recorder: opts.Recorder,
		inviter:  NewInviter(opts.Transport, opts.SelfID, inviterOptions(opts.Policy, opts.Now)),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		policy:   opts.Policy,

		listeners: make(map[chan Event]struct{}),
	}, nil
}

func inviterOptions(p Policy, now func() time.Time) InviterOptions {
	return InviterOptions{
		Retry:         p.Retry,
		NotifyDecline: p.NotifyDecline,
		RingTimeout:   p.RingTimeout,
		Now:           now,
	}
}

func (m *Manager) SelfID() string { return m.selfID }

// Listen starts receiving invitations addressed to this node.
func (m *Manager) Listen(ctx context.Context) error {
	return m.inviter.Listen(ctx, m.onInvite)
}

// UpdatePolicy applies to the next call and to rings sent from now on.
func (m *Manager) UpdatePolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.inviter.SetOptions(inviterOptions(p, m.now))
	log.Printf("CALL: policy updated (notify_decline=%v ring_timeout=%s attempts=%d)",
		p.NotifyDecline, p.RingTimeout, p.Retry.MaxAttempts)
}

// StartCall rings peerID and prepares a session that Confirm starts.
func (m *Manager) StartCall(ctx context.Context, peerID string) (Role, error) {
	role, err := ResolveRole(m.selfID, peerID)
	if err != nil {
		return role, err
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return role, ErrCallAlreadyInProgress
	}
	ac := &activeCall{direction: Outgoing, startedAt: m.now()}
	if ac.session, err = m.newSessionLocked(ac, peerID); err != nil {
		m.mu.Unlock()
		return role, err
	}
	m.current = ac
	m.mu.Unlock()

	if err := m.inviter.SendInvite(ctx, peerID); err != nil {
		m.mu.Lock()
		if m.current == ac {
			m.current = nil
		}
		m.mu.Unlock()
		return role, err
	}
	log.Printf("CALL: ringing %s as %s", peerID, role)
	return role, nil
}

// Confirm starts the prepared outgoing session. Repeated calls are no-ops.
func (m *Manager) Confirm() error {
	m.mu.Lock()
	ac := m.current
	if ac == nil || ac.direction != Outgoing {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if ac.started {
		m.mu.Unlock()
		return nil
	}
	ac.started = true
	m.mu.Unlock()
	return ac.session.Start(m.ctx)
}

// AcceptIncoming answers callerID and starts the session at once. A missing
// ring is not an error; the caller may have rung before we were listening.
func (m *Manager) AcceptIncoming(ctx context.Context, callerID string) (Role, error) {
	role, err := ResolveRole(m.selfID, callerID)
	if err != nil {
		return role, err
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return role, ErrCallAlreadyInProgress
	}
	ac := &activeCall{direction: Incoming, started: true, startedAt: m.now()}
	if ac.session, err = m.newSessionLocked(ac, callerID); err != nil {
		m.mu.Unlock()
		return role, err
	}
	m.current = ac
	m.mu.Unlock()

	if !m.inviter.Accept(callerID) {
		log.Printf("CALL: accepting %s without a pending ring", callerID)
	}
	if err := ac.session.Start(m.ctx); err != nil {
		m.mu.Lock()
		if m.current == ac {
			m.current = nil
		}
		m.mu.Unlock()
		return role, err
	}
	return role, nil
}

// RejectIncoming dismisses the pending ring.
func (m *Manager) RejectIncoming(ctx context.Context) error {
	peer, err := m.inviter.Reject(ctx)
	if peer == "" {
		return err
	}
	role, _ := ResolveRole(m.selfID, peer)
	m.record(CallRecord{
		PeerID:    peer,
		Direction: Incoming,
		Role:      role,
		StartedAt: m.now(),
		EndedAt:   m.now(),
		Outcome:   string(InviteRejected),
	})
	return err
}

// HangUp ends the active call, withdrawing a ring that is still pending.
// Safe to call when idle.
func (m *Manager) HangUp() {
	m.mu.Lock()
	ac := m.current
	m.current = nil
	m.mu.Unlock()
	if ac == nil {
		return
	}

	if ac.direction == Outgoing {
		ctx, cancel := context.WithTimeout(m.ctx, hangUpTimeout)
		if err := m.inviter.Cancel(ctx); err != nil {
			log.Printf("CALL: withdraw ring to %s: %v", ac.session.PeerID(), err)
		}
		cancel()
	}
	ac.session.HangUp()
}

// ToggleMute flips the microphone and returns the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	ac := m.active()
	if ac == nil {
		return false, ErrNoActiveCall
	}
	muted, err := ac.session.ToggleAudio()
	if err == nil {
		m.emitState(ac)
	}
	return muted, err
}

// ToggleVideo flips the camera and returns the new disabled state.
func (m *Manager) ToggleVideo() (bool, error) {
	ac := m.active()
	if ac == nil {
		return false, ErrNoActiveCall
	}
	off, err := ac.session.ToggleVideo()
	if err == nil {
		m.emitState(ac)
	}
	return off, err
}

func (m *Manager) Status() Status {
	st := Status{SelfID: m.selfID}
	if ac := m.active(); ac != nil {
		call := ac.session.Status()
		st.Active = true
		st.Direction = ac.direction
		st.Call = &call
		m.mu.Lock()
		st.Confirmed = ac.started
		m.mu.Unlock()
	}
	if in, ok := m.inviter.Pending(); ok {
		st.Incoming = &in
	}
	if out, ok := m.inviter.Outgoing(); ok {
		st.Outgoing = &out
	}
	return st
}

// Subscribe returns a channel of controller events and a cancel function.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close hangs up, stops listening for rings and closes every listener.
func (m *Manager) Close() error {
	m.HangUp()
	m.cancel()
	err := m.inviter.Close()

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
	return err
}

// ── Internals ────────────────────────────────────────────────────────────────

func (m *Manager) active() *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) newSessionLocked(ac *activeCall, peerID string) (*Session, error) {
	return NewSession(SessionConfig{
		SelfID:    m.selfID,
		PeerID:    peerID,
		Transport: m.tr,
		Media:     m.media,
		Peers:     m.peers,
		Retry:     m.policy.Retry,
		OnState:   func(st State, err error) { m.onState(ac, st, err) },
	})
}

func (m *Manager) onState(ac *activeCall, st State, err error) {
	m.emitState(ac)

	switch st {
	case StateConnected:
		if ac.direction == Outgoing {
			m.inviter.SettleOutgoing(ac.session.PeerID())
		}
	case StateTerminated:
		m.mu.Lock()
		if m.current == ac {
			m.current = nil
		}
		outcome := ac.outcome
		m.mu.Unlock()

		if outcome == "" {
			outcome = string(ac.session.EndReason())
		}
		rec := CallRecord{
			PeerID:    ac.session.PeerID(),
			Direction: ac.direction,
			Role:      ac.session.Role(),
			StartedAt: ac.startedAt,
			EndedAt:   m.now(),
			Outcome:   outcome,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		m.record(rec)
	}
}

// onInvite surfaces ring changes and drops an outgoing call that was
// declined, or that nobody picked up in time.
func (m *Manager) onInvite(inv CallInvite) {
	kind := EventInvite
	if inv.Direction == Incoming && inv.Status == InviteRinging {
		kind = EventIncoming
	}
	m.emit(Event{Kind: kind, Invite: &inv})

	if inv.Direction != Outgoing {
		return
	}
	if inv.Status != InviteRejected && inv.Status != InviteExpired {
		return
	}

	m.mu.Lock()
	ac := m.current
	if ac == nil || ac.direction != Outgoing || ac.session.PeerID() != inv.PeerID {
		m.mu.Unlock()
		return
	}
	if inv.Status == InviteExpired && ac.session.Answered() {
		m.mu.Unlock()
		return
	}
	m.current = nil
	ac.outcome = string(inv.Status)
	m.mu.Unlock()

	log.Printf("CALL: ring to %s %s, hanging up", inv.PeerID, inv.Status)
	go ac.session.HangUp()
}

func (m *Manager) record(rec CallRecord) {
	if m.recorder != nil {
		if err := m.recorder.RecordCall(rec); err != nil {
			log.Printf("CALL: record call with %s: %v", rec.PeerID, err)
		}
	}
	m.emit(Event{Kind: EventEnded, Record: &rec})
}

func (m *Manager) emitState(ac *activeCall) {
	st := ac.session.Status()
	m.emit(Event{Kind: EventState, Call: &st})
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			log.Printf("CALL: event listener full, dropping %s", evt.Kind)
		}
	}
}
