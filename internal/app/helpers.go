// internal/app/helpers.go
package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

// NormalizeLocalViewer keeps an address without a host on loopback and
// returns the listen addr and the URL to print.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}

	listenAddr = a
	url = "http://" + strings.Replace(a, "0.0.0.0:", "127.0.0.1:", 1)
	return
}

// SelfID resolves the participant id without starting the network: the
// configured user id, or the peer id derived from the libp2p identity key.
func SelfID(peerDir string, cfg config.Config) (string, error) {
	if id := strings.TrimSpace(cfg.Identity.UserID); id != "" {
		return id, nil
	}
	if cfg.Transport.Kind != config.TransportLibp2p {
		return "", errors.New("identity.user_id is not set")
	}
	return p2p.IdentityID(util.ResolvePath(peerDir, cfg.Identity.KeyFile))
}

// statusURL is the page opened in the browser. Browsers cannot send a bearer
// header on navigation, so a short-lived token rides in the query.
func statusURL(base string, cfg config.Config, selfID string) string {
	u := base + "/api/call/status"
	if cfg.Viewer.JWTSecret == "" {
		return u
	}
	tok, err := viewer.IssueToken(cfg.Viewer.JWTSecret, selfID, time.Hour, time.Now())
	if err != nil {
		log.Printf("HTTP: issue browser token: %v", err)
		return u
	}
	return u + "?token=" + url.QueryEscape(tok)
}

// WaitTCP polls addr until it accepts connections or ctx ends.
func WaitTCP(ctx context.Context, addr string) bool {
	for {
		c, err := net.DialTimeout("tcp", addr, util.ShortTimeout)
		if err == nil {
			_ = c.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func openViewer(ctx context.Context, addr, target string) {
	wctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if !WaitTCP(wctx, addr) {
		log.Printf("HTTP: viewer at %s not reachable, not opening browser", addr)
		return
	}
	if err := util.OpenURL(target); err != nil {
		log.Printf("HTTP: open browser: %v", err)
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// PolicyFromConfig maps the call section onto the controller policy.
func PolicyFromConfig(c config.Call) call.Policy {
	return call.Policy{
		Retry: call.RetryPolicy{
			MaxAttempts:         c.Retry.MaxAttempts,
			InitialInterval:     ms(c.Retry.InitialBackoffMs),
			MaxInterval:         ms(c.Retry.MaxBackoffMs),
			OfferResendInterval: ms(c.Retry.OfferResendMs),
			MaxOfferResends:     c.Retry.OfferResends,
		},
		NotifyDecline: c.NotifyDecline,
		RingTimeout:   time.Duration(c.RingTimeoutSeconds) * time.Second,
	}
}

// RTCConfigFromConfig maps the call and media sections onto the pion setup.
func RTCConfigFromConfig(cfg config.Config) call.RTCConfig {
	return call.RTCConfig{
		STUNServers:         cfg.Call.STUNServers,
		DisconnectedTimeout: ms(cfg.Call.ICEDisconnectedMs),
		FailedTimeout:       ms(cfg.Call.ICEFailedMs),
		KeepAliveInterval:   ms(cfg.Call.ICEKeepAliveMs),
		LogLevel:            cfg.Call.PionLogLevel,
		VideoWidth:          cfg.Media.VideoWidth,
		VideoHeight:         cfg.Media.VideoHeight,
		VideoBitRate:        cfg.Media.VideoBitrate,
		Audio:               cfg.Media.Audio,
	}
}

func logBanner(peerDir, cfgPath, selfID, transport string) {
	log.Println("────────────────────────────────────────")
	log.Println("goopcall participant")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Participant : %s", selfID)
	log.Printf(" Transport   : %s", transport)
	log.Println("────────────────────────────────────────")
}

type metaStore interface {
	Meta(key string) string
	SetMeta(key, value string) error
}

// recordSelfID stores the participant id this peer directory runs under and
// returns the one recorded by the previous run, if any.
func recordSelfID(db metaStore, id string) (string, error) {
	prev := db.Meta("self_id")
	if prev == id {
		return prev, nil
	}
	if prev != "" {
		log.Printf("CONFIG: participant id changed from %s to %s, cached peers and call history were recorded under the old id", prev, id)
	}
	return prev, db.SetMeta("self_id", id)
}
