package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer folder.
const FileName = "goop.json"

const (
	TransportLibp2p = "libp2p"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Profile   Profile   `json:"profile"`
	P2P       P2P       `json:"p2p"`
	Presence  Presence  `json:"presence"`
	Transport Transport `json:"transport"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Viewer    Viewer    `json:"viewer"`
	Storage   Storage   `json:"storage"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// UserID overrides the participant id. Empty means the libp2p peer id.
	// Required for the redis and memory transports, which have no key-derived id.
	UserID string `json:"user_id"`
}

type Profile struct {
	Label         string `json:"label"`
	CallsDisabled bool   `json:"calls_disabled"` // Announce that this peer does not take calls
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	LogLevel   string `json:"log_level"` // libp2p subsystems, e.g. "warn"
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Transport struct {
	Kind          string `json:"kind"` // libp2p|redis|memory
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`

	// ICE timings handed to the pion SettingEngine.
	ICEDisconnectedMs int `json:"ice_disconnected_ms"`
	ICEFailedMs       int `json:"ice_failed_ms"`
	ICEKeepAliveMs    int `json:"ice_keepalive_ms"`

	// NotifyDecline sends an explicit declined/cancelled invitation so the
	// other side stops ringing. Off means a rejected ring just times out.
	NotifyDecline      bool  `json:"notify_decline"`
	RingTimeoutSeconds int   `json:"ring_timeout_seconds"`
	Retry              Retry `json:"retry"`

	PionLogLevel string `json:"pion_log_level"` // trace|debug|info|warn|error|disabled
}

type Retry struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
	OfferResendMs    int `json:"offer_resend_ms"` // 0 disables offer re-sends
	OfferResends     int `json:"offer_resends"`
}

type Media struct {
	VideoWidth   int  `json:"video_width"`
	VideoHeight  int  `json:"video_height"`
	VideoBitrate int  `json:"video_bitrate"` // bits per second
	Audio        bool `json:"audio"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`

	// JWTSecret protects the HTTP API with HS256 bearer tokens. Empty leaves
	// the API open, which is only sensible on loopback.
	JWTSecret     string `json:"jwt_secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
	LogLines      int    `json:"log_lines"`
}

type Storage struct {
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Label: "hello",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goopcall-mdns",
			LogLevel:   "",
		},
		Presence: Presence{
			Topic:        "goopcall.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Transport: Transport{
			Kind:      TransportLibp2p,
			RedisAddr: "127.0.0.1:6379",
		},
		Call: Call{
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedMs:  5000,
			ICEFailedMs:        25000,
			ICEKeepAliveMs:     2000,
			NotifyDecline:      true,
			RingTimeoutSeconds: 45,
			Retry: Retry{
				MaxAttempts:      3,
				InitialBackoffMs: 250,
				MaxBackoffMs:     2000,
				OfferResendMs:    3000,
				OfferResends:     10,
			},
			PionLogLevel: "warn",
		},
		Media: Media{
			VideoWidth:   640,
			VideoHeight:  480,
			VideoBitrate: 500_000,
			Audio:        true,
		},
		Viewer: Viewer{
			HTTPAddr:      "127.0.0.1:8788",
			TokenTTLHours: 24,
			LogLines:      800,
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
	}
}

var pionLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true,
}

func (c *Config) Validate() error {
	// Transport
	switch c.Transport.Kind {
	case TransportLibp2p, TransportMemory:
	case TransportRedis:
		if _, _, err := net.SplitHostPort(c.Transport.RedisAddr); err != nil {
			return fmt.Errorf("transport.redis_addr: %w", err)
		}
		if c.Transport.RedisDB < 0 {
			return errors.New("transport.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("transport.kind must be libp2p, redis or memory (got %q)", c.Transport.Kind)
	}

	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" && c.Transport.Kind == TransportLibp2p {
		return errors.New("identity.key_file is required for the libp2p transport")
	}
	if c.Transport.Kind != TransportLibp2p && strings.TrimSpace(c.Identity.UserID) == "" {
		return fmt.Errorf("identity.user_id is required for the %s transport", c.Transport.Kind)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Call
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_servers: %q is not a stun: url", s)
		}
	}
	if c.Call.ICEDisconnectedMs < 0 || c.Call.ICEFailedMs < 0 || c.Call.ICEKeepAliveMs < 0 {
		return errors.New("call.ice_*_ms must be >= 0")
	}
	if c.Call.ICEFailedMs <= 0 {
		return errors.New("call.ice_failed_ms must be > 0")
	}
	if c.Call.ICEDisconnectedMs > c.Call.ICEFailedMs {
		return errors.New("call.ice_disconnected_ms must be <= call.ice_failed_ms")
	}
	if c.Call.RingTimeoutSeconds < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if err := c.Call.Retry.validate(); err != nil {
		return fmt.Errorf("call.retry.%w", err)
	}
	if !pionLevels[c.Call.PionLogLevel] {
		return fmt.Errorf("call.pion_log_level: unknown level %q", c.Call.PionLogLevel)
	}

	// Media
	if c.Media.VideoWidth <= 0 || c.Media.VideoHeight <= 0 {
		return errors.New("media.video_width and media.video_height must be > 0")
	}
	if c.Media.VideoBitrate < 50_000 {
		return errors.New("media.video_bitrate must be >= 50000")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.TokenTTLHours < 0 {
		return errors.New("viewer.token_ttl_hours must be >= 0")
	}
	if c.Viewer.LogLines < 0 {
		return errors.New("viewer.log_lines must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	return nil
}

func (r Retry) validate() error {
	if r.MaxAttempts < 1 || r.MaxAttempts > 20 {
		return errors.New("max_attempts must be 1..20")
	}
	if r.InitialBackoffMs < 0 || r.MaxBackoffMs < 0 {
		return errors.New("backoff must be >= 0")
	}
	if r.MaxBackoffMs > 0 && r.InitialBackoffMs > r.MaxBackoffMs {
		return errors.New("initial_backoff_ms must be <= max_backoff_ms")
	}
	if r.OfferResendMs < 0 || r.OfferResends < 0 {
		return errors.New("offer_resend_ms and offer_resends must be >= 0")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parse(b)
}

func parse(b []byte) (Config, error) {
	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
