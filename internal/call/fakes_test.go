package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/goopcall/internal/bus"
)

// ── Media fakes ──────────────────────────────────────────────────────────────

type fakeTrack struct {
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
	return nil
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct {
	tracks []*fakeTrack
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{tracks: []*fakeTrack{
		{kind: webrtc.RTPCodecTypeAudio, enabled: true},
		{kind: webrtc.RTPCodecTypeVideo, enabled: true},
	}}
}

func (m *fakeMedia) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(m.tracks))
	for i, t := range m.tracks {
		out[i] = t
	}
	return out
}

func (m *fakeMedia) Stop() error {
	for _, t := range m.tracks {
		t.Stop()
	}
	return nil
}

func (m *fakeMedia) allStopped() bool {
	for _, t := range m.tracks {
		if !t.isStopped() {
			return false
		}
	}
	return true
}

// fakeCapture hands out fresh media. With gate set, Acquire blocks until the
// gate closes and ignores ctx, like a slow camera.
type fakeCapture struct {
	err  error
	gate chan struct{}

	mu    sync.Mutex
	media []*fakeMedia
}

func (c *fakeCapture) Acquire(ctx context.Context) (LocalMedia, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	m := newFakeMedia()
	c.mu.Lock()
	c.media = append(c.media, m)
	c.mu.Unlock()
	return m, nil
}

func (c *fakeCapture) last() *fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.media) == 0 {
		return nil
	}
	return c.media[len(c.media)-1]
}

// ── Peer connection fake ─────────────────────────────────────────────────────

type fakePC struct {
	id string

	mu         sync.Mutex
	ops        []string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onCand     func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	closed     bool
}

func (p *fakePC) log(op string) {
	p.ops = append(p.ops, op)
}

func (p *fakePC) AddLocalMedia(LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("add-media")
	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.id}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("create-answer")
	if p.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.id}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("set-local-" + d.Type.String())
	p.local = &d
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("set-remote-" + d.Type.String())
	p.remote = &d
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("candidate before remote description")
	}
	p.log("add-candidate " + c.Candidate)
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) Stats() MediaStats { return MediaStats{} }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log("close")
	p.closed = true
	return nil
}

func (p *fakePC) fireState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePC) fireCandidate(c string) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePC) remoteDesc() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) added() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	id string

	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakePeers) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{id: f.id}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePeers) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// ── Bus spy ──────────────────────────────────────────────────────────────────

// spy records every signal published on a topic.
type spy struct {
	mu   sync.Mutex
	msgs []SignalMessage
}

func watchTopic(t *testing.T, tr bus.Transport, topic string) *spy {
	t.Helper()
	s := &spy{}
	sub, err := tr.Subscribe(context.Background(), topic, func(data []byte) {
		msg, err := DecodeSignal(data)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.msgs = append(s.msgs, msg)
		s.mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return s
}

func (s *spy) from(sender string, typ SignalType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.SenderID == sender && m.Type == typ {
			n++
		}
	}
	return n
}

func (s *spy) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func publishSignal(t *testing.T, tr bus.Transport, topic string, msg SignalMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Publish(context.Background(), topic, data); err != nil {
		t.Fatal(err)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settle gives asynchronous deliveries a moment to (not) happen.
func settle() { time.Sleep(50 * time.Millisecond) }

func testRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(st State, _ error) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) seen(st State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == st {
			return true
		}
	}
	return false
}
