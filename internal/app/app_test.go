package app

import (
	"bytes"
	"context"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/viewer"
)

func TestPromptInteractiveRedis(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"bob",           // label
		"tcp",           // rejected transport
		"REDIS",         // transport
		"bob-1",         // user id
		"10.0.0.1:6379", // redis addr
		"",              // keep HTTP addr
		"maybe",         // rejected bool
		"n",             // notify decline
		"30",            // ring timeout
	}, "\n") + "\n")
	var out bytes.Buffer

	cfg, err := PromptInteractive(in, &out, "peers/bob", "peers/bob/goop.json", config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Label != "bob" || cfg.Transport.Kind != config.TransportRedis {
		t.Fatalf("label/transport = %q/%q", cfg.Profile.Label, cfg.Transport.Kind)
	}
	if cfg.Identity.UserID != "bob-1" || cfg.Transport.RedisAddr != "10.0.0.1:6379" {
		t.Fatalf("identity/redis = %q/%q", cfg.Identity.UserID, cfg.Transport.RedisAddr)
	}
	if cfg.Viewer.HTTPAddr != config.Default().Viewer.HTTPAddr {
		t.Fatalf("http addr = %q", cfg.Viewer.HTTPAddr)
	}
	if cfg.Call.NotifyDecline || cfg.Call.RingTimeoutSeconds != 30 {
		t.Fatalf("call = %+v", cfg.Call)
	}
	if !strings.Contains(out.String(), "Please enter one of") || !strings.Contains(out.String(), "Please enter y or n.") {
		t.Fatalf("missing re-prompts in %q", out.String())
	}
}

func TestPromptInteractiveKeepsDefaultsOnEOF(t *testing.T) {
	def := config.Default()
	cfg, err := PromptInteractive(strings.NewReader(""), &bytes.Buffer{}, "p", "p/goop.json", def)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile != def.Profile || cfg.Transport != def.Transport || cfg.Call.RingTimeoutSeconds != def.Call.RingTimeoutSeconds {
		t.Fatalf("defaults changed: %+v", cfg)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	c := config.Default().Call
	c.Retry.MaxAttempts = 4
	c.Retry.InitialBackoffMs = 100
	c.Retry.MaxBackoffMs = 1500
	c.Retry.OfferResendMs = 2500
	c.Retry.OfferResends = 6
	c.NotifyDecline = false
	c.RingTimeoutSeconds = 20

	p := PolicyFromConfig(c)
	if p.Retry.MaxAttempts != 4 || p.Retry.InitialInterval != 100*time.Millisecond || p.Retry.MaxInterval != 1500*time.Millisecond {
		t.Fatalf("retry = %+v", p.Retry)
	}
	if p.Retry.OfferResendInterval != 2500*time.Millisecond || p.Retry.MaxOfferResends != 6 {
		t.Fatalf("offer resend = %+v", p.Retry)
	}
	if p.NotifyDecline || p.RingTimeout != 20*time.Second {
		t.Fatalf("policy = %+v", p)
	}
}

func TestRTCConfigFromConfig(t *testing.T) {
	cfg := config.Default()
	r := RTCConfigFromConfig(cfg)
	if r.DisconnectedTimeout != 5*time.Second || r.FailedTimeout != 25*time.Second || r.KeepAliveInterval != 2*time.Second {
		t.Fatalf("ice timeouts = %+v", r)
	}
	if len(r.STUNServers) != len(cfg.Call.STUNServers) || r.VideoWidth != cfg.Media.VideoWidth || !r.Audio {
		t.Fatalf("rtc = %+v", r)
	}
}

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct{ in, addr, url string }{
		{":8788", "127.0.0.1:8788", "http://127.0.0.1:8788"},
		{" 127.0.0.1:9000 ", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"0.0.0.0:8788", "0.0.0.0:8788", "http://127.0.0.1:8788"},
	}
	for _, tt := range tests {
		addr, url := NormalizeLocalViewer(tt.in)
		if addr != tt.addr || url != tt.url {
			t.Errorf("NormalizeLocalViewer(%q) = %q, %q", tt.in, addr, url)
		}
	}
}

func TestSelfIDPrefersUserID(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = " alice "
	id, err := SelfID(t.TempDir(), cfg)
	if err != nil || id != "alice" {
		t.Fatalf("SelfID = %q, %v", id, err)
	}

	cfg.Identity.UserID = ""
	cfg.Transport.Kind = config.TransportRedis
	if _, err := SelfID(t.TempDir(), cfg); err == nil {
		t.Fatal("redis transport without user id accepted")
	}
}

type fakeBook struct {
	mu    sync.Mutex
	added map[string][]string
}

func (b *fakeBook) AddPeerAddrs(peerID string, addrs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.added == nil {
		b.added = make(map[string][]string)
	}
	b.added[peerID] = addrs
}

func TestPeerCache(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	peers := state.NewPeerTable()
	peers.Upsert("bob", "Bob", true, false)

	book := &fakeBook{}
	c := newPeerCache(book, peers, db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }

	addrs := []string{"/ip4/192.0.2.1/tcp/4001"}
	c.AddPeerAddrs("bob", addrs)

	got, ok := db.GetCachedPeer("bob")
	if !ok || got.Name != "Bob" || !got.CallsDisabled || len(got.Addrs) != 1 {
		t.Fatalf("cached = %+v, %v", got, ok)
	}

	// Within the interval the database is left alone.
	peers.Upsert("bob", "Robert", true, false)
	c.AddPeerAddrs("bob", addrs)
	if got, _ := db.GetCachedPeer("bob"); got.Name != "Bob" {
		t.Fatalf("cache written too often: %+v", got)
	}
	now = now.Add(2 * peerCacheInterval)
	c.AddPeerAddrs("bob", addrs)
	if got, _ := db.GetCachedPeer("bob"); got.Name != "Robert" {
		t.Fatalf("cache not refreshed: %+v", got)
	}

	fresh := &fakeBook{}
	if n := newPeerCache(fresh, state.NewPeerTable(), db).seed(); n != 1 {
		t.Fatalf("seeded %d peers", n)
	}
	if len(fresh.added["bob"]) != 1 {
		t.Fatalf("book = %+v", fresh.added)
	}
}

func TestStatusURL(t *testing.T) {
	cfg := config.Default()
	if got := statusURL("http://127.0.0.1:8788", cfg, "alice"); got != "http://127.0.0.1:8788/api/call/status" {
		t.Fatalf("open url = %q", got)
	}

	cfg.Viewer.JWTSecret = "s3cret"
	u, err := url.Parse(statusURL("http://127.0.0.1:8788", cfg, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	claims, err := viewer.ParseToken("s3cret", u.Query().Get("token"))
	if err != nil || claims.Subject != "alice" {
		t.Fatalf("claims = %+v, %v", claims, err)
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !WaitTCP(ctx, addr) {
		t.Fatal("listener not reached")
	}

	ln.Close()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()
	if WaitTCP(ctx2, addr) {
		t.Fatal("closed listener reported reachable")
	}
}

func TestRecordSelfIDReportsChange(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	if prev, err := recordSelfID(db, "alice"); err != nil || prev != "" {
		t.Fatalf("first run: prev=%q err=%v", prev, err)
	}
	if prev, err := recordSelfID(db, "alice"); err != nil || prev != "alice" {
		t.Fatalf("same id: prev=%q err=%v", prev, err)
	}
	if strings.Contains(buf.String(), "changed") {
		t.Fatalf("unexpected warning: %s", buf.String())
	}

	if prev, err := recordSelfID(db, "carol"); err != nil || prev != "alice" {
		t.Fatalf("new id: prev=%q err=%v", prev, err)
	}
	if got := db.Meta("self_id"); got != "carol" {
		t.Fatalf("self_id = %q", got)
	}
	if !strings.Contains(buf.String(), "changed from alice to carol") {
		t.Fatalf("missing warning: %s", buf.String())
	}
}
