package call

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// RTCConfig configures the pion API shared by every call of a process.
type RTCConfig struct {
	// STUNServers are stun: URLs. TURN relays are not supported.
	STUNServers []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// LogLevel is the pion log level: disabled, error, warn, info, debug, trace.
	LogLevel  string
	LogWriter io.Writer

	VideoWidth   int
	VideoHeight  int
	VideoBitRate int
	Audio        bool
}

// RTC builds pion peer connections and captures local media. It satisfies
// both PeerFactory and MediaCapture.
type RTC struct {
	api     *webrtc.API
	cfg     RTCConfig
	capture *captureEngine
}

func NewRTC(cfg RTCConfig) (*RTC, error) {
	// ── Codecs ───────────────────────────────────────────────────────────────
	mediaEngine := &webrtc.MediaEngine{}
	capture, err := newCaptureEngine(cfg, mediaEngine)
	if err != nil {
		return nil, fmt.Errorf("capture engine: %w", err)
	}

	// ── Interceptors ─────────────────────────────────────────────────────────
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	interceptorRegistry.Add(pli)

	// ── Settings ─────────────────────────────────────────────────────────────
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.iceTimeouts())
	se.LoggerFactory = newPionLoggerFactory(cfg.LogLevel, cfg.LogWriter)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &RTC{api: api, cfg: cfg, capture: capture}, nil
}

// pion's own ICE defaults. A zero failed timeout would make pion give up on
// every connection at once.
const (
	defaultICEDisconnectedTimeout = 5 * time.Second
	defaultICEFailedTimeout       = 25 * time.Second
	defaultICEKeepAliveInterval   = 2 * time.Second
)

// iceTimeouts fills unset values with pion's defaults.
func (c RTCConfig) iceTimeouts() (disconnected, failed, keepAlive time.Duration) {
	disconnected, failed, keepAlive = c.DisconnectedTimeout, c.FailedTimeout, c.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = defaultICEDisconnectedTimeout
	}
	if failed <= 0 {
		failed = defaultICEFailedTimeout
	}
	if keepAlive <= 0 {
		keepAlive = defaultICEKeepAliveInterval
	}
	return
}

func newPionLoggerFactory(level string, w io.Writer) logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	if w == nil {
		w = log.Writer()
	}
	lf.Writer = w
	lf.DefaultLogLevel = parsePionLevel(level)
	return lf
}

func parsePionLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelWarn
	}
}

// Acquire captures the local camera and microphone.
func (r *RTC) Acquire(ctx context.Context) (LocalMedia, error) {
	return r.capture.acquire(ctx)
}

func (r *RTC) NewPeerConnection() (PeerConnection, error) {
	var servers []webrtc.ICEServer
	if len(r.cfg.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: r.cfg.STUNServers}}
	}
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}
	pc.OnTrack(p.handleRemoteTrack)
	pc.OnConnectionStateChange(p.handleState)
	return p, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection and keeps the
// media counters.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	tracks  []*rtcTrack
	onState func(webrtc.PeerConnectionState)

	packets      atomic.Uint64
	bytes        atomic.Uint64
	remoteTracks atomic.Int32
	pliSent      atomic.Uint64
	pliReceived  atomic.Uint64
	nackReceived atomic.Uint64
}

func (p *pionPeer) AddLocalMedia(m LocalMedia) error {
	have := map[webrtc.RTPCodecType]bool{}
	if m != nil {
		for _, t := range m.Tracks() {
			rt, ok := t.(*rtcTrack)
			if !ok {
				return fmt.Errorf("track %T cannot be sent over a pion peer connection", t)
			}
			sender, err := p.pc.AddTrack(rt.local)
			if err != nil {
				return fmt.Errorf("add %s track: %w", rt.Kind(), err)
			}
			rt.bind(sender)
			have[rt.Kind()] = true

			p.mu.Lock()
			p.tracks = append(p.tracks, rt)
			p.mu.Unlock()
			go p.readSenderRTCP(sender)
		}
	}
	// Every kind needs an m-line so the answer carries ICE credentials for it.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *pionPeer) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.pliReceived.Add(1)
			case *rtcp.TransportLayerNack:
				p.nackReceived.Add(1)
			}
		}
	}
}

func (p *pionPeer) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.remoteTracks.Add(1)
	log.Printf("CALL: remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)

	// Ask for a keyframe right away; intervalpli keeps asking afterwards.
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err == nil {
			p.pliSent.Add(1)
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.packets.Add(1)
		p.bytes.Add(packetBytes(pkt))
	}
}

func packetBytes(pkt *rtp.Packet) uint64 {
	return uint64(pkt.Header.MarshalSize() + len(pkt.Payload))
}

func (p *pionPeer) handleState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	tracks := p.tracks
	p.mu.Unlock()

	if st == webrtc.PeerConnectionStateConnected {
		for _, t := range tracks {
			if err := t.goLive(); err != nil {
				log.Printf("CALL: %v", err)
			}
		}
	}
	if fn != nil {
		fn(st)
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle needs no message for it.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) Stats() MediaStats {
	return MediaStats{
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
		RemoteTracks:    int(p.remoteTracks.Load()),
		PLISent:         p.pliSent.Load(),
		PLIReceived:     p.pliReceived.Load(),
		NACKReceived:    p.nackReceived.Load(),
	}
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// ── Local tracks ─────────────────────────────────────────────────────────────

// rtcTrack is a captured track that pion can send. Disabling swaps the sender
// to a nil track, which stops RTP without touching the SDP. Before the
// connection is up the flag is only recorded and applied by goLive.
type rtcTrack struct {
	local webrtc.TrackLocal
	stop  func() error

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	live    bool
	enabled bool
	stopped bool
}

func newRTCTrack(local webrtc.TrackLocal, stop func() error) *rtcTrack {
	return &rtcTrack{local: local, stop: stop, enabled: true}
}

func (t *rtcTrack) Kind() webrtc.RTPCodecType { return t.local.Kind() }

func (t *rtcTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *rtcTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return nil
	}
	if t.live && t.sender != nil {
		if err := t.replaceLocked(on); err != nil {
			return err
		}
	}
	t.enabled = on
	return nil
}

func (t *rtcTrack) bind(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *rtcTrack) goLive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live || t.sender == nil {
		return nil
	}
	t.live = true
	if t.enabled {
		return nil
	}
	return t.replaceLocked(false)
}

func (t *rtcTrack) replaceLocked(on bool) error {
	var next webrtc.TrackLocal
	if on {
		next = t.local
	}
	if err := t.sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", t.Kind(), err)
	}
	return nil
}

func (t *rtcTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	if t.stop == nil {
		return nil
	}
	return t.stop()
}

type rtcMedia struct {
	tracks []*rtcTrack
}

func (m *rtcMedia) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(m.tracks))
	for i, t := range m.tracks {
		out[i] = t
	}
	return out
}

func (m *rtcMedia) Stop() error {
	var err error
	for _, t := range m.tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
