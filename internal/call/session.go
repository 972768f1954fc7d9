package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/goopcall/internal/bus"
	"go.uber.org/multierr"
)

// hangUpTimeout bounds the farewell publish during teardown.
const hangUpTimeout = 3 * time.Second

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAcquiringMedia: "acquiring-media",
	StateOffering:       "offering",
	StateAwaitingOffer:  "awaiting-offer",
	StateNegotiating:    "negotiating",
	StateConnected:      "connected",
	StateTerminated:     "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EndReason says why a session terminated.
type EndReason string

const (
	EndLocalHangUp      EndReason = "local-hangup"
	EndRemoteHangUp     EndReason = "remote-hangup"
	EndConnectionLost   EndReason = "connection-lost"
	EndMediaFailed      EndReason = "media-failed"
	EndTransportError   EndReason = "transport-error"
	EndNegotiationError EndReason = "negotiation-error"
)

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	SelfID    string
	PeerID    string
	Transport bus.Transport
	Media     MediaCapture
	Peers     PeerFactory
	Retry     RetryPolicy

	// OnState runs after every transition, on the session goroutine (or the
	// goroutine calling Start/HangUp for the first and idle transitions).
	// It must not block on HangUp.
	OnState func(State, error)
}

// Session runs the offer/answer/ICE exchange for one pair of participants on
// their shared signaling topic. It owns the local media, the peer connection
// and the topic subscription; nothing else touches them.
//
// All protocol state is mutated by one goroutine that serializes inbound
// signals, local ICE candidates and connection-state changes.
type Session struct {
	selfID  string
	peerID  string
	topic   string
	role    Role
	tr      bus.Transport
	capture MediaCapture
	peers   PeerFactory
	retry   RetryPolicy
	onState func(State, error)

	events chan any
	quit   chan struct{}
	done   chan struct{}

	answered atomic.Bool

	mu      sync.Mutex
	state   State
	err     error
	reason  EndReason
	cancel  context.CancelFunc
	local   LocalMedia
	pc      PeerConnection
	audioOn bool
	videoOn bool

	// Owned by the run goroutine.
	ctx        context.Context
	sub        bus.Subscription
	subscribed bool
	remoteSet  bool
	pending    candidateQueue
	resends    int
}

type (
	inboundSignal  []byte
	localCandidate webrtc.ICECandidateInit
	connChange     webrtc.PeerConnectionState
)

type ending struct {
	reason EndReason
	err    error
	notify bool
}

func NewSession(cfg SessionConfig) (*Session, error) {
	role, err := ResolveRole(cfg.SelfID, cfg.PeerID)
	if err != nil {
		return nil, err
	}
	if cfg.Transport == nil || cfg.Media == nil || cfg.Peers == nil {
		return nil, errors.New("session: transport, media capture and peer factory are required")
	}
	return &Session{
		selfID:  cfg.SelfID,
		peerID:  cfg.PeerID,
		topic:   SignalTopic(cfg.SelfID, cfg.PeerID),
		role:    role,
		tr:      cfg.Transport,
		capture: cfg.Media,
		peers:   cfg.Peers,
		retry:   cfg.Retry,
		onState: cfg.OnState,
		events:  make(chan any, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		audioOn: true,
		videoOn: true,
	}, nil
}

func (s *Session) Role() Role { return s.role }
func (s *Session) PeerID() string { return s.peerID }
func (s *Session) Topic() string { return s.topic }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Answered reports whether the remote description has been applied.
func (s *Session) Answered() bool { return s.answered.Load() }

// Err is the terminal error, nil for an orderly hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Start leaves Idle and begins media acquisition. ctx bounds the whole
// session; cancelling it is a local hangup.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot start in state %s", s.topic, st)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateAcquiringMedia
	s.mu.Unlock()

	log.Printf("CALL [%s]: starting as %s", s.topic, s.role)
	s.notify(StateAcquiringMedia, nil)
	go s.run()
	return nil
}

// HangUp ends the session from any state and waits for teardown. Idempotent.
// A HangUp message is published only if the shared topic was subscribed.
func (s *Session) HangUp() {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateTerminated
		s.reason = EndLocalHangUp
		close(s.quit)
		close(s.done)
		s.mu.Unlock()
		log.Printf("CALL [%s]: discarded before start", s.topic)
		s.notify(StateTerminated, nil)
		return
	case StateTerminated:
		s.mu.Unlock()
		<-s.done
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
}

// ToggleAudio flips the local microphone. Returns the new muted state.
func (s *Session) ToggleAudio() (bool, error) {
	on, err := s.toggle(webrtc.RTPCodecTypeAudio)
	if err == nil {
		log.Printf("CALL [%s]: audio muted=%v", s.topic, !on)
	}
	return !on, err
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (s *Session) ToggleVideo() (bool, error) {
	on, err := s.toggle(webrtc.RTPCodecTypeVideo)
	if err == nil {
		log.Printf("CALL [%s]: video disabled=%v", s.topic, !on)
	}
	return !on, err
}

func (s *Session) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false, ErrNoActiveCall
	}
	flag := &s.audioOn
	if kind == webrtc.RTPCodecTypeVideo {
		flag = &s.videoOn
	}
	next := !*flag
	if err := setKindEnabled(s.local, kind, next); err != nil {
		return *flag, err
	}
	*flag = next
	return next, nil
}

func setKindEnabled(m LocalMedia, kind webrtc.RTPCodecType, on bool) error {
	var err error
	for _, t := range tracksOfKind(m, kind) {
		err = multierr.Append(err, t.SetEnabled(on))
	}
	return err
}

// Stats reports media counters once a peer connection exists.
func (s *Session) Stats() MediaStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return MediaStats{}
	}
	return s.pc.Stats()
}

// SessionStatus is a point-in-time view for status endpoints.
type SessionStatus struct {
	Topic    string     `json:"topic"`
	PeerID   string     `json:"peer_id"`
	Role     Role       `json:"role"`
	State    State      `json:"state"`
	Muted    bool       `json:"muted"`
	VideoOff bool       `json:"video_off"`
	Reason   EndReason  `json:"reason,omitempty"`
	Error    string     `json:"error,omitempty"`
	Stats    MediaStats `json:"stats"`
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		Topic:    s.topic,
		PeerID:   s.peerID,
		Role:     s.role,
		State:    s.state,
		Muted:    !s.audioOn,
		VideoOff: !s.videoOn,
		Reason:   s.reason,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if s.pc != nil {
		st.Stats = s.pc.Stats()
	}
	return st
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	log.Printf("CALL [%s]: %s", s.topic, st)
	s.notify(st, err)
}

func (s *Session) notify(st State, err error) {
	if s.onState != nil {
		s.onState(st, err)
	}
}

// post hands an event to the run goroutine, dropping it once teardown began.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// ── Run loop ─────────────────────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.done)
	end := s.establish()
	if end == nil {
		end = s.loop()
	}
	s.teardown(end)
}

func (s *Session) localEnd() *ending {
	return &ending{reason: EndLocalHangUp, notify: s.subscribed}
}

func (s *Session) publishFailed(err error) *ending {
	if s.ctx.Err() != nil {
		return s.localEnd()
	}
	return &ending{reason: EndTransportError, err: fmt.Errorf("%w: %w", ErrSignalingTransport, err)}
}

func negotiationFailed(err error) *ending {
	return &ending{reason: EndNegotiationError, err: err, notify: true}
}

// establish acquires media, builds the peer connection, subscribes to the
// shared topic and, for the Caller, sends the offer.
func (s *Session) establish() *ending {
	media, err := s.capture.Acquire(s.ctx)
	if s.ctx.Err() != nil {
		if media != nil {
			if err := media.Stop(); err != nil {
				log.Printf("CALL [%s]: release media: %v", s.topic, err)
			}
			log.Printf("CALL [%s]: released media acquired after hangup", s.topic)
		}
		return s.localEnd()
	}
	if err != nil {
		if !errors.Is(err, ErrMediaAcquisitionFailed) {
			err = fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err)
		}
		return &ending{reason: EndMediaFailed, err: err}
	}

	s.mu.Lock()
	s.local = media
	flagErr := multierr.Append(
		setKindEnabled(media, webrtc.RTPCodecTypeAudio, s.audioOn),
		setKindEnabled(media, webrtc.RTPCodecTypeVideo, s.videoOn),
	)
	s.mu.Unlock()
	if flagErr != nil {
		log.Printf("CALL [%s]: apply track flags: %v", s.topic, flagErr)
	}

	pc, err := s.peers.NewPeerConnection()
	if err != nil {
		return &ending{reason: EndNegotiationError, err: fmt.Errorf("create peer connection: %w", err)}
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { s.post(localCandidate(c)) })
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.post(connChange(st)) })
	if err := pc.AddLocalMedia(media); err != nil {
		return &ending{reason: EndNegotiationError, err: err}
	}

	err = s.retry.Do(s.ctx, func(ctx context.Context) error {
		sub, err := s.tr.Subscribe(ctx, s.topic, func(data []byte) { s.post(inboundSignal(data)) })
		if err != nil {
			return err
		}
		s.sub = sub
		return nil
	})
	if s.ctx.Err() != nil {
		return s.localEnd()
	}
	if err != nil {
		return &ending{reason: EndTransportError, err: fmt.Errorf("%w: subscribe %s: %w", ErrSignalingTransport, s.topic, err)}
	}
	select {
	case <-s.sub.Ready():
	case <-s.ctx.Done():
		return s.localEnd()
	}
	s.subscribed = true

	if s.role == Callee {
		s.setState(StateAwaitingOffer, nil)
		return nil
	}

	s.setState(StateOffering, nil)
	offer, err := pc.CreateOffer()
	if err != nil {
		return negotiationFailed(fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return negotiationFailed(fmt.Errorf("set local offer: %w", err))
	}
	if err := s.publish(NewOffer(s.selfID, offer)); err != nil {
		return s.publishFailed(err)
	}
	s.setState(StateNegotiating, nil)
	return nil
}

func (s *Session) loop() *ending {
	var resend <-chan time.Time
	if s.role == Caller && s.retry.resendEnabled() {
		t := time.NewTicker(s.retry.OfferResendInterval)
		defer t.Stop()
		resend = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return s.localEnd()
		case ev := <-s.events:
			if end := s.handle(ev); end != nil {
				return end
			}
		case <-resend:
			if s.remoteSet || s.resends >= s.retry.MaxOfferResends {
				resend = nil
				continue
			}
			if end := s.resendOffer(); end != nil {
				return end
			}
		}
	}
}

func (s *Session) handle(ev any) *ending {
	switch ev := ev.(type) {
	case inboundSignal:
		return s.handleSignal(ev)
	case localCandidate:
		if err := s.publish(NewICECandidate(s.selfID, webrtc.ICECandidateInit(ev))); err != nil {
			return s.publishFailed(err)
		}
	case connChange:
		return s.handleConnState(webrtc.PeerConnectionState(ev))
	}
	return nil
}

func (s *Session) handleSignal(data []byte) *ending {
	// The topic is a broadcast; our own messages come back to us and are
	// dropped before they are even validated.
	if peekSender(data) == s.selfID {
		return nil
	}
	msg, err := DecodeSignal(data)
	if err != nil {
		log.Printf("CALL [%s]: dropping signal: %v", s.topic, err)
		return nil
	}
	if msg.SenderID != s.peerID {
		log.Printf("CALL [%s]: dropping %s from unexpected sender %s", s.topic, msg.Type, msg.SenderID)
		return nil
	}

	switch msg.Type {
	case SignalOffer:
		return s.handleOffer(*msg.Offer)
	case SignalAnswer:
		return s.handleAnswer(*msg.Answer)
	case SignalICECandidate:
		s.handleRemoteCandidate(*msg.Candidate)
		return nil
	case SignalHangUp:
		log.Printf("CALL [%s]: remote hang-up from %s", s.topic, msg.SenderID)
		return &ending{reason: EndRemoteHangUp}
	default:
		log.Printf("CALL [%s]: unhandled signal type %q", s.topic, msg.Type)
		return nil
	}
}

func (s *Session) handleOffer(offer webrtc.SessionDescription) *ending {
	if s.role != Callee {
		log.Printf("CALL [%s]: ignoring offer, local role is %s", s.topic, s.role)
		return nil
	}
	if st := s.State(); st != StateAwaitingOffer {
		log.Printf("CALL [%s]: ignoring duplicate offer in %s", s.topic, st)
		return nil
	}
	if err := s.setRemote(offer); err != nil {
		return negotiationFailed(err)
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return negotiationFailed(fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return negotiationFailed(fmt.Errorf("set local answer: %w", err))
	}
	if err := s.publish(NewAnswer(s.selfID, answer)); err != nil {
		return s.publishFailed(err)
	}
	s.setState(StateNegotiating, nil)
	return nil
}

func (s *Session) handleAnswer(answer webrtc.SessionDescription) *ending {
	if s.role != Caller {
		log.Printf("CALL [%s]: ignoring answer, local role is %s", s.topic, s.role)
		return nil
	}
	if s.remoteSet {
		log.Printf("CALL [%s]: ignoring duplicate answer", s.topic)
		return nil
	}
	if err := s.setRemote(answer); err != nil {
		return negotiationFailed(err)
	}
	return nil
}

func (s *Session) handleRemoteCandidate(c webrtc.ICECandidateInit) {
	if !s.remoteSet {
		s.pending.Push(c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: add remote candidate: %v", s.topic, err)
	}
}

// setRemote applies the remote description and then, exactly once, every
// candidate that arrived before it in arrival order.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	s.remoteSet = true
	s.answered.Store(true)

	queued := s.pending.Drain()
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add queued candidate: %v", s.topic, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("CALL [%s]: applied %d queued candidates", s.topic, len(queued))
	}
	return nil
}

func (s *Session) handleConnState(st webrtc.PeerConnectionState) *ending {
	log.Printf("CALL [%s]: peer connection %s", s.topic, st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.State() == StateNegotiating {
			s.setState(StateConnected, nil)
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return &ending{
			reason: EndConnectionLost,
			err:    fmt.Errorf("%w: peer connection %s", ErrIceNegotiationStalled, st),
		}
	}
	return nil
}

func (s *Session) resendOffer() *ending {
	desc := s.pc.LocalDescription()
	if desc == nil {
		return nil
	}
	s.resends++
	log.Printf("CALL [%s]: no answer yet, re-sending offer (%d/%d)", s.topic, s.resends, s.retry.MaxOfferResends)
	if err := s.publish(NewOffer(s.selfID, *desc)); err != nil {
		return s.publishFailed(err)
	}
	return nil
}

func (s *Session) publish(msg SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.retry.Do(s.ctx, func(ctx context.Context) error {
		return s.tr.Publish(ctx, s.topic, data)
	})
}

// teardown releases everything the session owns. Only a locally initiated
// end tells the peer; a received hangup is never echoed back.
func (s *Session) teardown(end *ending) {
	close(s.quit)

	var errs error
	if end.notify && s.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), hangUpTimeout)
		data, _ := json.Marshal(NewHangUp(s.selfID))
		if err := s.tr.Publish(ctx, s.topic, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish hang-up: %w", err))
		}
		cancel()
	}

	s.mu.Lock()
	media, pc := s.local, s.pc
	s.mu.Unlock()
	if media != nil {
		errs = multierr.Append(errs, media.Stop())
	}
	if pc != nil {
		errs = multierr.Append(errs, pc.Close())
	}
	if s.sub != nil {
		errs = multierr.Append(errs, s.sub.Unsubscribe())
	}
	if errs != nil {
		log.Printf("CALL [%s]: teardown: %v", s.topic, errs)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.err = end.err
	s.reason = end.reason
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	if end.err != nil {
		log.Printf("CALL [%s]: terminated (%s): %v", s.topic, end.reason, end.err)
	} else {
		log.Printf("CALL [%s]: terminated (%s)", s.topic, end.reason)
	}
	s.notify(StateTerminated, end.err)
}
