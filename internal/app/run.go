package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/bus"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// OpenBrowser opens the call status page once the viewer listens.
	OpenBrowser bool
	// Progress reports startup steps. Optional.
	Progress func(step, total int, label string)
}

// Run starts one participant and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(opt.Cfg.Viewer.LogLines)
	logOut := io.MultiWriter(os.Stderr, logBuf)
	log.SetOutput(logOut)

	return runPeer(ctx, opt, logBuf, logOut)
}

// network is the transport plus what only libp2p provides.
type network struct {
	tr     bus.Transport
	closer io.Closer
	node   *p2p.Node
	selfID string
}

func openNetwork(ctx context.Context, peerDir string, cfg config.Config) (*network, error) {
	switch cfg.Transport.Kind {
	case config.TransportLibp2p:
		if err := p2p.SetLogLevel(cfg.P2P.LogLevel); err != nil {
			log.Printf("P2P: %v", err)
		}
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
			AddrTTL:    2 * time.Duration(cfg.Presence.TTLSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		g := bus.NewGossip(node.PubSub())
		selfID := node.ID()
		if cfg.Identity.UserID != "" {
			selfID = cfg.Identity.UserID
		}
		return &network{tr: g, closer: closers{g, node}, node: node, selfID: selfID}, nil

	case config.TransportRedis:
		r, err := bus.DialRedis(ctx, cfg.Transport.RedisAddr, cfg.Transport.RedisPassword, cfg.Transport.RedisDB)
		if err != nil {
			return nil, err
		}
		return &network{tr: r, closer: r, selfID: cfg.Identity.UserID}, nil

	case config.TransportMemory:
		m := bus.NewMemory()
		return &network{tr: m, closer: m, selfID: cfg.Identity.UserID}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// closers closes in order and combines the errors.
type closers []io.Closer

func (cs closers) Close() error {
	var err error
	for _, c := range cs {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func runPeer(ctx context.Context, o Options, logBuf *viewer.LogBuffer, logOut io.Writer) error {
	cfg := o.Cfg

	progress := o.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}
	const total = 5
	step := 0
	next := func(label string) {
		step++
		progress(step, total, label)
		log.Printf("[%d/%d] %s", step, total, label)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	next("Opening database")
	db, err := storage.Open(util.ResolvePath(o.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	next("Connecting transport")
	nw, err := openNetwork(ctx, o.PeerDir, cfg)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer func() {
		if err := nw.closer.Close(); err != nil {
			log.Printf("BUS: close: %v", err)
		}
	}()
	logBanner(o.PeerDir, o.CfgPath, nw.selfID, cfg.Transport.Kind)
	if _, err := recordSelfID(db, nw.selfID); err != nil {
		log.Printf("CONFIG: record self id: %v", err)
	}

	next("Preparing media")
	rtcCfg := RTCConfigFromConfig(cfg)
	rtcCfg.LogWriter = logOut
	rtc, err := call.NewRTC(rtcCfg)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	var live atomic.Pointer[config.Config]
	live.Store(&cfg)

	mgr, err := call.New(call.Options{
		SelfID:    nw.selfID,
		Transport: nw.tr,
		Media:     rtc,
		Peers:     rtc,
		Policy:    PolicyFromConfig(cfg.Call),
		Recorder:  db,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Listen(ctx); err != nil {
		return err
	}

	next("Announcing presence")
	peers := state.NewPeerTable()

	var book presence.AddrBook
	var addrs func() []string
	if nw.node != nil {
		book = nw.node
		addrs = nw.node.WANAddrs
	}
	cache := newPeerCache(book, peers, db)
	if n := cache.seed(); n > 0 {
		log.Printf("PRESENCE: seeded %d cached peers", n)
	}

	pres := presence.New(nw.tr, peers, presence.Options{
		Topic:     cfg.Presence.Topic,
		SelfID:    nw.selfID,
		Heartbeat: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		TTL:       time.Duration(cfg.Presence.TTLSec) * time.Second,
		Self: func() presence.Self {
			c := live.Load()
			return presence.Self{
				Name:          c.Profile.Label,
				CallsDisabled: c.Profile.CallsDisabled,
				InCall:        mgr.Status().Active,
			}
		},
		Addrs: addrs,
		Book:  cache,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Printf("%s: %v", name, err)
				cancel()
			}
		}()
	}

	run("PRESENCE", func() error { return pres.Run(ctx) })

	// Peers learn about call state changes without waiting for a heartbeat.
	events, stopEvents := mgr.Subscribe()
	defer stopEvents()
	run("CALL", func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				if evt.Kind == call.EventState || evt.Kind == call.EventEnded {
					pres.Announce(ctx)
				}
			}
		}
	})

	if o.CfgPath != "" {
		run("CONFIG", func() error {
			return config.Watch(ctx, o.CfgPath, func(c config.Config) {
				prev := live.Swap(&c)
				mgr.UpdatePolicy(PolicyFromConfig(c.Call))
				if prev.Profile != c.Profile {
					pres.Announce(ctx)
				}
				log.Printf("CONFIG: reloaded %s", o.CfgPath)
			})
		})
	}

	next("Starting viewer")
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		started := time.Now()
		v := viewer.Viewer{
			Calls: mgr,
			Peers: peers,
			Logs:  logBuf,
			DB:    db,
			Self: func() routes.SelfInfo {
				c := live.Load()
				info := routes.SelfInfo{
					ID:        nw.selfID,
					Label:     c.Profile.Label,
					Transport: c.Transport.Kind,
					Uptime:    time.Since(started).Truncate(time.Second).String(),
				}
				if nw.node != nil {
					info.Addrs = nw.node.WANAddrs()
					info.ConnectedPeers = nw.node.ConnectedPeers()
					info.Uptime = nw.node.Uptime().Truncate(time.Second).String()
				}
				return info
			},
			JWTSecret: cfg.Viewer.JWTSecret,
		}
		run("HTTP", func() error { return viewer.Start(ctx, addr, v) })
		log.Printf("HTTP: viewer at %s", url)
		if o.OpenBrowser {
			go openViewer(ctx, addr, statusURL(url, cfg, nw.selfID))
		}
	}

	<-ctx.Done()
	mgr.HangUp()
	wg.Wait()
	log.Println("shutdown complete")
	return nil
}
